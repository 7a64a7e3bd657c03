package transport

import (
	"context"
	"net"
)

// Dial connects to addr and wraps the connection in a Channel.
func Dial(ctx context.Context, addr string, listeners *Listeners, opts ...Option) (*Channel, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, listeners, opts...), nil
}
