package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"graceful-echo/metrics"
	"graceful-echo/pool"

	"github.com/zeromicro/go-zero/core/logx"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Option customizes a Server
type Option func(server *Server)

// WithMetrics records server metrics on collector
func WithMetrics(collector *metrics.Collector) Option {
	return func(server *Server) {
		server.metrics = collector
	}
}

// Server accepts connections and supervises one handler task per connection.
// On shutdown it stops accepting, releases the listener and waits for every
// handler to finish on its own.
type Server struct {
	config  Config
	handler Handler
	tasks   *pool.Registry
	metrics *metrics.Collector
}

// NewServer creates a new server
func NewServer(config Config, handler Handler, opts ...Option) *Server {
	if config.CleanInterval <= 0 {
		config.CleanInterval = DefaultCleanInterval
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultStatsInterval
	}
	if config.ProcessID == 0 {
		config.ProcessID = os.Getpid()
	}

	server := &Server{
		config:  config,
		handler: handler,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.tasks = pool.NewRegistry(pool.WithSizeObserver(server.metrics.SetTasksTracked))
	return server
}

// ActiveTasks returns the number of connection tasks currently tracked
func (server *Server) ActiveTasks() int {
	return server.tasks.Len()
}

// Serve accepts connections on ln until ctx is cancelled, then drains.
// It returns nil after a clean drain. A listener closed by someone else is
// the only fatal condition; the server still drains before reporting it.
func (server *Server) Serve(ctx context.Context, ln net.Listener) error {
	pid := server.config.ProcessID
	closeListener := sync.OnceValue(ln.Close)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	cleaner := &pool.Cleaner{
		Registry: server.tasks,
		Interval: server.config.CleanInterval,
		OnPrune: func(removed, _ int) {
			server.metrics.TasksPruned(removed)
		},
	}
	cleanerTask := pool.Go(func() error {
		cleaner.Run(workerCtx)
		return nil
	})
	reporterTask := pool.Go(func() error {
		server.statsReporter(workerCtx)
		return nil
	})

	// unblock Accept as soon as shutdown begins
	stopWatch := context.AfterFunc(ctx, func() {
		_ = closeListener()
	})
	defer stopWatch()

	logx.Infof("🚀 process %d accepting connections on %s", pid, ln.Addr())

	err := server.acceptLoop(ctx, ln)

	// the port must be released before draining
	_ = closeListener()
	if err != nil {
		logx.Errorf("process %d accept loop stopped: %v", pid, err)
	} else {
		logx.Infof("process %d stopped accepting connections", pid)
	}

	// no task may be pruned while the registry is joined
	stopWorkers()
	_ = cleanerTask.Wait()
	_ = reporterTask.Wait()

	logx.Infof("process %d closing tasks: %d", pid, server.tasks.Len())
	joined := server.tasks.JoinAll()
	logx.Infof("✅ process %d shutdown completed, %d connections drained", pid, joined)
	server.reportStats()

	return err
}

func (server *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}

			server.metrics.AcceptError()
			delay = nextAcceptDelay(delay)
			logx.Errorf("process %d failed to accept connection: %v, retrying in %v",
				server.config.ProcessID, err, delay)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}

		delay = 0
		server.metrics.ConnectionAccepted()
		logx.Infof("process %d accepted connection from: %s", server.config.ProcessID, conn.RemoteAddr())

		server.tasks.Add(pool.Go(func() error {
			return server.handleConnection(ctx, conn)
		}))
	}
}

// handleConnection runs the handler for one connection. Failures stay inside
// this task and never reach Serve.
func (server *Server) handleConnection(ctx context.Context, conn net.Conn) error {
	remote := conn.RemoteAddr().String()

	defer func() {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			logx.Debugf("failed to close connection %s: %v", remote, cerr)
		}
	}()
	// the panic itself is recovered and logged by the task
	defer func() {
		if p := recover(); p != nil {
			server.metrics.ConnectionFailed(metrics.ReasonPanic)
			panic(p)
		}
	}()

	// shutdown must not cancel a connection in flight
	if err := server.handler.Handle(context.WithoutCancel(ctx), conn); err != nil {
		server.metrics.ConnectionFailed(metrics.ReasonIO)
		logx.Errorf("process %d connection %s failed: %v", server.config.ProcessID, remote, err)
		return err
	}

	logx.Infof("process %d connection closed: %s", server.config.ProcessID, remote)
	return nil
}

// statsReporter logs the statistics every StatsInterval until ctx is done
func (server *Server) statsReporter(ctx context.Context) {
	if server.metrics == nil {
		return
	}

	ticker := time.NewTicker(server.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.reportStats()
		}
	}
}

// reportStats logs the current statistics and returns them
func (server *Server) reportStats() metrics.Stats {
	if server.metrics == nil {
		return metrics.Stats{}
	}

	stats := server.metrics.Stats()
	pid := server.config.ProcessID
	logx.Statf("📊 process %d connections - accepted: %d, accept errors: %d, failed: io=%d panic=%d",
		pid, stats.ConnectionsAccepted, stats.AcceptErrors, stats.IOFailures, stats.PanicFailures)
	logx.Statf("🧹 process %d tasks - tracked: %d, pruned: %d",
		pid, stats.TasksTracked, stats.TasksPruned)

	return stats
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return minAcceptDelay
	}
	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}
