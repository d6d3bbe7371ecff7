package tcp

import (
	"context"
	"net"
	"time"

	"graceful-echo/pool"
)

const (
	// DefaultCleanInterval is how often finished connection tasks are pruned
	DefaultCleanInterval = pool.DefaultCleanInterval
	// DefaultStatsInterval is how often the server statistics are logged
	DefaultStatsInterval = 60 * time.Second
)

// Handler represents a TCP connection handler.
//
// Handle owns conn until it returns; the server closes conn afterwards.
// A nil error means the peer closed the connection in an orderly way.
type Handler interface {
	Handle(ctx context.Context, conn net.Conn) error
}

// HandlerFunc adapts an ordinary function to a Handler
type HandlerFunc func(ctx context.Context, conn net.Conn) error

// Handle calls f(ctx, conn)
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}

// Config represents TCP server configuration
type Config struct {
	Address       string        // Listening address, used for logging only
	CleanInterval time.Duration // Interval of the finished-task cleanup worker
	StatsInterval time.Duration // Interval of the statistics report, needs WithMetrics
	ProcessID     int           // Tags the lifecycle logs, defaults to os.Getpid()
}

// ListenConfig represents listening socket options
type ListenConfig struct {
	Address   string // host:port
	Backlog   int    // Pending connection queue length
	ReuseAddr bool   // SO_REUSEADDR
	ReusePort bool   // SO_REUSEPORT, lets a successor bind while this process drains
}
