// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package channel provides the ordered, reliable cell transport between
// the onion proxy and onion routers, and between adjacent routers.
package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/katzenpost/onion/core/cell"
)

const frameHeaderLength = 4

var (
	// ErrTransport is the error matched by every *TransportError.
	ErrTransport = errors.New("channel: transport failure")

	// ErrClosed is returned when using a closed channel.
	ErrClosed = errors.New("channel: closed")
)

// TransportError is returned when a connect, send or receive fails.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%v: %s %s: %v", ErrTransport, e.Op, e.Addr, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Channel is a bidirectional, ordered, message oriented transport.  Send
// and Receive may be called concurrently with each other.
type Channel interface {
	// Send transmits one serialized cell.
	Send(ctx context.Context, b []byte) error

	// Receive blocks until one serialized cell arrives, ctx is done or the
	// channel fails.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the channel, unblocking pending calls.
	Close() error

	// RemoteAddr returns the address of the peer.
	RemoteAddr() string
}

// Dialer establishes channels to onion routers.
type Dialer interface {
	Dial(ctx context.Context, host string, port uint16) (Channel, error)
}

type connChannel struct {
	conn net.Conn
	addr string

	sendLock sync.Mutex
	recvLock sync.Mutex

	closeOnce sync.Once
	closeErr  error
	closedCh  chan struct{}
}

// New wraps a stream oriented net.Conn into a Channel, framing each cell
// with a 4 byte big endian length.
func New(conn net.Conn) Channel {
	return &connChannel{
		conn:     conn,
		addr:     conn.RemoteAddr().String(),
		closedCh: make(chan struct{}),
	}
}

// Pipe returns two connected in-memory channels.
func Pipe() (Channel, Channel) {
	a, b := net.Pipe()
	return New(a), New(b)
}

func (c *connChannel) RemoteAddr() string {
	return c.addr
}

func (c *connChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (c *connChannel) isClosed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}

func (c *connChannel) Send(ctx context.Context, b []byte) error {
	if len(b) > cell.MaxCellLength {
		return &TransportError{Op: "send", Addr: c.addr, Err: fmt.Errorf("frame of %d bytes exceeds limit", len(b))}
	}

	c.sendLock.Lock()
	defer c.sendLock.Unlock()
	if c.isClosed() {
		return &TransportError{Op: "send", Addr: c.addr, Err: ErrClosed}
	}

	stop := c.bindDeadline(ctx, c.conn.SetWriteDeadline)
	defer stop()

	frame := make([]byte, frameHeaderLength+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[frameHeaderLength:], b)
	if _, err := c.conn.Write(frame); err != nil {
		c.Close()
		return &TransportError{Op: "send", Addr: c.addr, Err: c.cause(ctx, err)}
	}
	return nil
}

func (c *connChannel) Receive(ctx context.Context) ([]byte, error) {
	c.recvLock.Lock()
	defer c.recvLock.Unlock()
	if c.isClosed() {
		return nil, &TransportError{Op: "receive", Addr: c.addr, Err: ErrClosed}
	}

	stop := c.bindDeadline(ctx, c.conn.SetReadDeadline)
	defer stop()

	var hdr [frameHeaderLength]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		c.Close()
		return nil, &TransportError{Op: "receive", Addr: c.addr, Err: c.cause(ctx, err)}
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > cell.MaxCellLength {
		c.Close()
		return nil, &TransportError{Op: "receive", Addr: c.addr, Err: fmt.Errorf("invalid frame length %d", n)}
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		c.Close()
		return nil, &TransportError{Op: "receive", Addr: c.addr, Err: c.cause(ctx, err)}
	}
	return b, nil
}

// bindDeadline applies ctx's deadline to the conn, and closes the channel
// if ctx is done while the I/O is pending, as a partial frame leaves the
// stream unusable.  Callers sharing a channel between circuits must not
// pass a ctx that is canceled per circuit.  The returned func must be
// called once the I/O completes.
func (c *connChannel) bindDeadline(ctx context.Context, set func(time.Time) error) func() bool {
	d, _ := ctx.Deadline()
	set(d)
	return context.AfterFunc(ctx, func() {
		c.Close()
	})
}

func (c *connChannel) cause(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	if c.isClosed() && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}
