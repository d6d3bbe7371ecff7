package echo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// DefaultBufferSize is the read chunk size of a connection
const DefaultBufferSize = 1024

// Suffix builds the text appended to every echoed chunk
func Suffix(pid int) []byte {
	return []byte(": from " + strconv.Itoa(pid) + "\n")
}

// Handler echoes every chunk it reads back to the peer with a fixed suffix.
// There is no framing: the suffix follows whatever a single read returned.
type Handler struct {
	suffix     []byte // shared read-only by all connections
	bufferSize int
}

// NewHandler creates an echo handler. suffix must not be modified afterwards.
func NewHandler(suffix []byte, bufferSize int) *Handler {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Handler{suffix: suffix, bufferSize: bufferSize}
}

// Handle runs the echo loop until the peer closes (nil) or an I/O error occurs
func (h *Handler) Handle(_ context.Context, conn net.Conn) error {
	chunk := make([]byte, h.bufferSize)
	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			out.Reset()
			_, _ = out.Write(chunk[:n])
			_, _ = out.Write(h.suffix)

			if _, err := conn.Write(out.B); err != nil {
				return fmt.Errorf("write to %s: %w", conn.RemoteAddr(), err)
			}
		}

		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read from %s: %w", conn.RemoteAddr(), rerr)
		}
	}
}
