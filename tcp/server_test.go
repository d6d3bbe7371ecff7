package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"graceful-echo/echo"
	"graceful-echo/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/logx"
)

func TestMain(m *testing.M) {
	logx.Disable()
	os.Exit(m.Run())
}

type testServer struct {
	*Server
	addr   string
	cancel context.CancelFunc
	errCh  chan error
}

func startServer(t *testing.T, handler Handler, opts ...Option) *testServer {
	t.Helper()
	ln, err := Listen(ListenConfig{Address: "127.0.0.1:0", Backlog: 128, ReuseAddr: true})
	require.NoError(t, err)
	return startServerOn(t, ln, handler, opts...)
}

func startServerOn(t *testing.T, ln net.Listener, handler Handler, opts ...Option) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server: NewServer(Config{Address: ln.Addr().String(), CleanInterval: 10 * time.Millisecond}, handler, opts...),
		addr:   ln.Addr().String(),
		cancel: cancel,
		errCh:  make(chan error, 1),
	}
	go func() {
		ts.errCh <- ts.Serve(ctx, ln)
	}()
	t.Cleanup(cancel)
	return ts
}

func (ts *testServer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-ts.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish draining")
		return nil
	}
}

func (ts *testServer) assertRunning(t *testing.T) {
	t.Helper()
	select {
	case err := <-ts.errCh:
		t.Fatalf("server returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, msg, want string) {
	t.Helper()
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, len(want))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, want, string(buf))
}

func echoHandler() Handler {
	return echo.NewHandler(echo.Suffix(os.Getpid()), echo.DefaultBufferSize)
}

func TestServer_EchoesWithProcessSuffix(t *testing.T) {
	ts := startServer(t, echoHandler())
	conn := dial(t, ts.addr)

	roundTrip(t, conn, "hi", fmt.Sprintf("hi: from %d\n", os.Getpid()))

	require.NoError(t, conn.Close())
	ts.cancel()
	assert.NoError(t, ts.wait(t))
}

func TestServer_ConnectionsAreIsolated(t *testing.T) {
	ts := startServer(t, echoHandler())
	suffix := string(echo.Suffix(os.Getpid()))

	a := dial(t, ts.addr)
	b := dial(t, ts.addr)
	for i := 0; i < 5; i++ {
		msgA := fmt.Sprintf("a-%d", i)
		msgB := fmt.Sprintf("b-%d", i)
		roundTrip(t, a, msgA, msgA+suffix)
		roundTrip(t, b, msgB, msgB+suffix)
	}

	_ = a.Close()
	_ = b.Close()
	ts.cancel()
	assert.NoError(t, ts.wait(t))
}

func TestServer_ShutdownRefusesNewConnectionsAndKeepsOpenOnes(t *testing.T) {
	ts := startServer(t, echoHandler())
	suffix := string(echo.Suffix(os.Getpid()))

	idle := dial(t, ts.addr)
	roundTrip(t, idle, "before", "before"+suffix)

	ts.cancel()

	// the listener is released while the idle connection is still open
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", ts.addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 10*time.Millisecond)

	ts.assertRunning(t)
	roundTrip(t, idle, "after", "after"+suffix)
	ts.assertRunning(t)

	require.NoError(t, idle.Close())
	assert.NoError(t, ts.wait(t))
}

func TestServer_DrainWaitsForEveryHandler(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, conn net.Conn) error {
		<-release
		// shutdown never reaches the handler's context
		if ctx.Err() == nil {
			finished.Add(1)
		}
		return nil
	})

	ts := startServer(t, handler)
	for i := 0; i < 3; i++ {
		dial(t, ts.addr)
	}
	require.Eventually(t, func() bool {
		return ts.ActiveTasks() == 3
	}, 2*time.Second, 5*time.Millisecond)

	ts.cancel()
	ts.assertRunning(t)

	close(release)
	assert.NoError(t, ts.wait(t))
	assert.Equal(t, int32(3), finished.Load())
	assert.Equal(t, 0, ts.ActiveTasks())
}

func TestServer_HandlerFailuresAreIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector("test", reg)

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, conn net.Conn) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("read: connection reset by peer")
		case 2:
			panic("handler bug")
		default:
			return echoHandler().Handle(ctx, conn)
		}
	})

	ts := startServer(t, handler, WithMetrics(collector))

	for i := 0; i < 2; i++ {
		conn := dial(t, ts.addr)
		// the server closes the connection after the failure
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, err := conn.Read(make([]byte, 1))
		require.Error(t, err)
	}

	conn := dial(t, ts.addr)
	suffix := string(echo.Suffix(os.Getpid()))
	roundTrip(t, conn, "still alive", "still alive"+suffix)
	_ = conn.Close()

	ts.cancel()
	assert.NoError(t, ts.wait(t))

	// failed and panicked handlers still count as accepted connections
	stats := collector.Stats()
	assert.Equal(t, uint64(3), stats.ConnectionsAccepted)
	assert.Equal(t, uint64(1), stats.IOFailures)
	assert.Equal(t, uint64(1), stats.PanicFailures)

	failures, err := reg.Gather()
	require.NoError(t, err)
	byReason := make(map[string]float64)
	for _, mf := range failures {
		if mf.GetName() != "test_connection_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			byReason[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{metrics.ReasonIO: 1, metrics.ReasonPanic: 1}, byReason)
}

func TestServer_ReportsStatsAfterDrain(t *testing.T) {
	collector := metrics.NewCollector("report", prometheus.NewRegistry())

	ln, err := Listen(ListenConfig{Address: "127.0.0.1:0", Backlog: 16})
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln}
	flaky.failures.Store(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := NewServer(Config{
		CleanInterval: 5 * time.Millisecond,
		StatsInterval: 5 * time.Millisecond,
		ProcessID:     4242,
	}, echoHandler(), WithMetrics(collector))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ctx, flaky)
	}()

	for i := 0; i < 2; i++ {
		conn := dial(t, ln.Addr().String())
		roundTrip(t, conn, "n", "n"+string(echo.Suffix(os.Getpid())))
		require.NoError(t, conn.Close())
	}
	require.Eventually(t, func() bool {
		return server.ActiveTasks() == 0
	}, 2*time.Second, 5*time.Millisecond)

	// the periodic report keeps running alongside the accept loop
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not finish draining")
	}

	assert.Equal(t, metrics.Stats{
		ConnectionsAccepted: 2,
		AcceptErrors:        1,
		TasksTracked:        0,
		TasksPruned:         2,
	}, server.reportStats())
}

func TestServer_ReportStatsWithoutMetrics(t *testing.T) {
	server := NewServer(Config{}, echoHandler())
	assert.Equal(t, metrics.Stats{}, server.reportStats())
}

func TestNewServer_Defaults(t *testing.T) {
	server := NewServer(Config{}, echoHandler())
	assert.Equal(t, DefaultCleanInterval, server.config.CleanInterval)
	assert.Equal(t, DefaultStatsInterval, server.config.StatsInterval)
	// lifecycle logs are tagged with the serving process
	assert.Equal(t, os.Getpid(), server.config.ProcessID)

	server = NewServer(Config{ProcessID: 7}, echoHandler())
	assert.Equal(t, 7, server.config.ProcessID)
}

func TestServer_CleanerPrunesFinishedConnections(t *testing.T) {
	ts := startServer(t, echoHandler())

	for i := 0; i < 3; i++ {
		conn := dial(t, ts.addr)
		roundTrip(t, conn, "x", "x"+string(echo.Suffix(os.Getpid())))
		require.NoError(t, conn.Close())
	}

	require.Eventually(t, func() bool {
		return ts.ActiveTasks() == 0
	}, 2*time.Second, 10*time.Millisecond)

	ts.cancel()
	assert.NoError(t, ts.wait(t))
}

// flakyListener fails the first Accept calls with a non-fatal error
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.failures.Add(-1) >= 0 {
		return nil, errors.New("accept4: too many open files")
	}
	return l.Listener.Accept()
}

func TestServer_TransientAcceptErrorsAreSurvived(t *testing.T) {
	collector := metrics.NewCollector("flaky", prometheus.NewRegistry())

	ln, err := Listen(ListenConfig{Address: "127.0.0.1:0", Backlog: 16})
	require.NoError(t, err)
	flaky := &flakyListener{Listener: ln}
	flaky.failures.Store(2)

	ts := startServerOn(t, flaky, echoHandler(), WithMetrics(collector))

	conn := dial(t, ts.addr)
	roundTrip(t, conn, "ok", "ok"+string(echo.Suffix(os.Getpid())))
	_ = conn.Close()

	ts.cancel()
	assert.NoError(t, ts.wait(t))

	assert.Equal(t, uint64(2), collector.Stats().AcceptErrors)
}

func TestServer_ListenerClosedElsewhereIsFatal(t *testing.T) {
	ln, err := Listen(ListenConfig{Address: "127.0.0.1:0", Backlog: 16})
	require.NoError(t, err)

	ts := startServerOn(t, ln, echoHandler())
	ts.assertRunning(t)

	require.NoError(t, ln.Close())
	err = ts.wait(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestNextAcceptDelay(t *testing.T) {
	assert.Equal(t, minAcceptDelay, nextAcceptDelay(0))
	assert.Equal(t, 2*minAcceptDelay, nextAcceptDelay(minAcceptDelay))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(maxAcceptDelay))
}
