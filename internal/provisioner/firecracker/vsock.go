package firecracker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/seantiz/funclite/internal/guest"
	"github.com/seantiz/funclite/internal/retry"
)

// dialPolicy covers the window between VMM start and the agent listening.
var dialPolicy = retry.Policy{Attempts: 10, Delay: 200 * time.Millisecond}

// guestConn is one request/response exchange with a VM's agent, reached
// through the vsock Unix socket Firecracker exposes on the host.
type guestConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// dialGuest opens the UDS at path and asks Firecracker to bridge it to port
// inside the guest.
func dialGuest(ctx context.Context, path string, port uint32) (*guestConn, error) {
	gc, err := retry.DoValue(ctx, dialPolicy, func(ctx context.Context) (*guestConn, error) {
		return handshake(ctx, path, port)
	})
	if err != nil {
		return nil, fmt.Errorf("dial guest %s: %w", path, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := gc.conn.SetDeadline(deadline); err != nil {
			gc.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}
	return gc, nil
}

// handshake performs Firecracker's "CONNECT <port>\n" / "OK <n>\n" exchange.
// The buffered reader is kept for the rest of the connection so bytes read
// past the reply line are not lost.
func handshake(ctx context.Context, path string, port uint32) (*guestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	if line = strings.TrimSpace(line); !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("CONNECT refused: %q", line)
	}
	return &guestConn{conn: conn, r: r}, nil
}

// call sends one request and reads its single response.
func (gc *guestConn) call(req guest.Request) (guest.Response, error) {
	if err := guest.WriteFrame(gc.conn, req); err != nil {
		return guest.Response{}, err
	}
	var resp guest.Response
	if err := guest.ReadFrame(gc.r, &resp); err != nil {
		return guest.Response{}, err
	}
	return resp, nil
}

func (gc *guestConn) Close() error {
	return gc.conn.Close()
}
