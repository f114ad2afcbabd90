// TCP network with length-prefixed message framing
// OS errors are mapped onto the substrate error taxonomy
package osenv

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/andrewh/bankdst/pkg/substrate"
)

// MaxFrameSize bounds a single message on the wire.
const MaxFrameSize = 16 << 20

// aLongTimeAgo forces blocked I/O to return when a context is cancelled.
var aLongTimeAgo = time.Unix(1, 0)

// Network dials and listens on real TCP sockets.
type Network struct {
	// DialTimeout bounds connection establishment when the context has no deadline.
	DialTimeout time.Duration
}

// Listen binds addr.
func (n *Network) Listen(ctx context.Context, addr string) (substrate.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, mapError(err))
	}
	return &listener{l: l}, nil
}

// Dial connects to addr.
func (n *Network) Dial(ctx context.Context, addr string) (substrate.Conn, error) {
	d := net.Dialer{Timeout: n.DialTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, mapError(err))
	}
	return newConn(c), nil
}

type listener struct {
	l net.Listener
}

func (l *listener) Accept(ctx context.Context) (substrate.Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		if tl, ok := l.l.(*net.TCPListener); ok {
			_ = tl.SetDeadline(aLongTimeAgo)
		}
	})
	defer stop()

	c, err := l.l.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", mapError(err))
	}
	return newConn(c), nil
}

func (l *listener) Addr() string { return l.l.Addr().String() }

func (l *listener) Close() error { return l.l.Close() }

type conn struct {
	c  net.Conn
	r  *bufio.Reader
	wm sync.Mutex
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, r: bufio.NewReader(c)}
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > MaxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit %d", len(msg), MaxFrameSize)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.c.SetWriteDeadline(aLongTimeAgo) })
	defer stop()

	frame := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg))) //nolint:gosec // bounded by MaxFrameSize
	copy(frame[4:], msg)

	c.wm.Lock()
	defer c.wm.Unlock()
	if _, err := c.c.Write(frame); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send: %w", mapError(err))
	}
	return nil
}

func (c *conn) Recv(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.c.SetReadDeadline(aLongTimeAgo) })
	defer stop()

	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("recv: %w", mapError(err))
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("recv: frame of %d bytes exceeds limit %d", size, MaxFrameSize)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(c.r, msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("recv: %w", mapError(err))
	}
	return msg, nil
}

func (c *conn) SetDeadline(t time.Time) error { return c.c.SetDeadline(t) }

func (c *conn) LocalAddr() string { return c.c.LocalAddr().String() }

func (c *conn) RemoteAddr() string { return c.c.RemoteAddr().String() }

func (c *conn) Close() error { return c.c.Close() }

// mapError translates socket errors into the shared taxonomy, keeping the cause.
func mapError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", substrate.ErrConnectionRefused, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", substrate.ErrConnectionReset, err)
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %w", substrate.ErrTimedOut, err)
	case errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %w", substrate.ErrClosed, err)
	case errors.Is(err, syscall.EADDRINUSE):
		return fmt.Errorf("%w: %w", substrate.ErrAddressInUse, err)
	default:
		return err
	}
}
