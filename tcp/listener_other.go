//go:build !linux && !darwin

package tcp

import (
	"context"
	"fmt"
	"net"
)

// Listen opens a listening TCP socket. Reuse options and the backlog are left
// to the platform defaults here.
func Listen(cfg ListenConfig) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}
	return ln, nil
}
