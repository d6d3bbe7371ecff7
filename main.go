package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"graceful-echo/config"
	"graceful-echo/echo"
	"graceful-echo/metrics"
	"graceful-echo/tcp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"
)

func main() {
	// Usage: graceful-echo [host:port]
	c, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logx.MustSetup(c.Log)

	if err := run(c); err != nil {
		logx.Errorf("server exited: %v", err)
		logx.Close()
		os.Exit(1)
	}
	logx.Close()
}

func run(c *config.Config) error {
	pid := os.Getpid()
	interval, _ := c.CleanInterval()
	statsInterval, _ := c.StatsInterval()

	fmt.Println("🚀 Graceful Echo Server - Starting...")
	fmt.Printf("├── Process: %d\n", pid)
	fmt.Printf("├── Address: %s (Backlog: %d)\n", c.Server.Address, c.Server.Backlog)
	fmt.Printf("├── Reuse: addr=%t port=%t\n", c.Server.ReuseAddr, c.Server.ReusePort)
	fmt.Printf("├── Cleanup Interval: %s\n", interval)
	fmt.Printf("└── Stats Interval: %s\n", statsInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// installed before binding so an early SIGHUP cannot kill the process
	trigger, err := tcp.NewTrigger(cancel, syscall.SIGHUP)
	if err != nil {
		return fmt.Errorf("failed to install signal handler: %w", err)
	}
	defer trigger.Stop()

	ln, err := tcp.Listen(c.ListenConfig())
	if err != nil {
		return err
	}
	logx.Infof("Process %d listening on: %s", pid, ln.Addr())

	// read back by the server's periodic stats report
	collector := metrics.NewCollector(c.Metrics.Namespace, prometheus.NewRegistry())
	handler := echo.NewHandler(echo.Suffix(pid), c.Server.BufferSize)
	sc := c.ServerConfig()
	sc.ProcessID = pid
	server := tcp.NewServer(sc, handler, tcp.WithMetrics(collector))

	done := make(chan struct{})
	defer close(done)
	threading.GoSafe(func() {
		trigger.Run(done)
	})

	return server.Serve(ctx, ln)
}
