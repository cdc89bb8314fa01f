// Package client is the dial side of the control socket protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"hermit/internal/protocol"
)

// DefaultTimeout bounds one request round trip. Sends can legitimately run
// for minutes while the sandbox works.
const DefaultTimeout = 6 * time.Minute

type Client struct {
	socketPath string
	timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultTimeout}
}

// Do sends one request and reads the single response. A missing socket is
// reported as the daemon not running.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return protocol.Response{}, fmt.Errorf("daemon not running (no socket at %s)", c.socketPath)
		}
		return protocol.Response{}, fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if err := protocol.Write(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send request: %w", err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}
