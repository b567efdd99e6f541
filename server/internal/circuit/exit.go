// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/server/internal/instrument"
)

const (
	// MaxStreamData is the largest chunk of exit stream data carried by a
	// single RELAY_DATA.
	MaxStreamData = 4096

	connectedTTL = 300
)

type exitStream struct {
	id   uint16
	conn net.Conn

	closeOnce sync.Once
}

func (s *exitStream) close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}

func (r *Record) onBegin(streamID uint16, b *cell.BeginBody) error {
	if streamID == 0 {
		return &cell.MalformedCellError{Field: "STREAM_ID", Expected: "non-zero", Got: "0"}
	}
	r.Lock()
	_, dup := r.streams[streamID]
	r.Unlock()
	if dup {
		return fmt.Errorf("%w: stream %d already open", ErrProtocolViolation, streamID)
	}

	host, portStr, err := net.SplitHostPort(b.AddrPort)
	if err != nil {
		return &cell.MalformedCellError{Field: "ADDRPORT", Err: err}
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return &cell.MalformedCellError{Field: "ADDRPORT", Err: err}
	}
	if r.d.cfg.Exit == nil || !r.d.cfg.Exit.Allowed(host, uint16(port)) {
		r.log.Noticef("Stream %d: refusing %v by exit policy", streamID, b.AddrPort)
		instrument.ExitStream("refused")
		return r.sendEnd(streamID, cell.EndExitPolicy)
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.d.cfg.ConnectTimeout)
	conn, err := r.d.cfg.ExitDialer.DialContext(ctx, exitNetwork(b.Flags), b.AddrPort)
	cancel()
	if err != nil {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		r.log.Debugf("Stream %d: connect to %v failed: %v", streamID, b.AddrPort, err)
		instrument.ExitStream("failed")
		return r.sendEnd(streamID, endReason(err))
	}

	s := &exitStream{id: streamID, conn: conn}
	r.Lock()
	if r.streams == nil {
		r.Unlock()
		conn.Close()
		return ErrCircuitClosed
	}
	r.streams[streamID] = s
	r.Unlock()

	addr := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(addr); err == nil {
		addr = h
	}
	connected, err := cell.BuildConnectedCell(r.circID, streamID, addr, connectedTTL, r.SessionKey().BackwardDigest[:])
	if err != nil {
		return err
	}
	if err := r.sendUpstream(connected); err != nil {
		return err
	}
	instrument.ExitStream("connected")
	r.log.Debugf("Stream %d: connected to %v", streamID, b.AddrPort)

	r.d.Go(func() {
		r.exitReader(s)
	})
	return nil
}

func (r *Record) onData(streamID uint16, b *cell.DataBody) error {
	r.Lock()
	s, ok := r.streams[streamID]
	r.Unlock()
	if !ok {
		r.log.Debugf("Stream %d: dropping DATA for unknown stream", streamID)
		return nil
	}

	s.conn.SetWriteDeadline(time.Now().Add(r.d.cfg.ConnectTimeout))
	if _, err := s.conn.Write(b.Data); err != nil {
		r.log.Debugf("Stream %d: write failed: %v", streamID, err)
		if r.closeStream(streamID) {
			return r.sendEnd(streamID, cell.EndMisc)
		}
	}
	return nil
}

// exitReader relays data read from the destination to the onion proxy.
func (r *Record) exitReader(s *exitStream) {
	buf := make([]byte, MaxStreamData)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			c, berr := cell.BuildDataCell(r.circID, s.id, buf[:n], r.SessionKey().BackwardDigest[:])
			if berr == nil {
				berr = r.sendUpstream(c)
			}
			if berr != nil {
				r.closeStream(s.id)
				return
			}
		}
		if err != nil {
			if r.closeStream(s.id) {
				reason := cell.EndMisc
				if errors.Is(err, io.EOF) {
					reason = cell.EndDone
				}
				r.sendEnd(s.id, reason)
			}
			return
		}
	}
}

// closeStream closes the stream, returning false if it was already closed.
func (r *Record) closeStream(streamID uint16) bool {
	r.Lock()
	s, ok := r.streams[streamID]
	if ok {
		delete(r.streams, streamID)
	}
	r.Unlock()

	if !ok {
		return false
	}
	s.close()
	return true
}

func (r *Record) sendEnd(streamID uint16, reason cell.EndReason) error {
	c, err := cell.BuildEndCell(r.circID, streamID, reason, r.SessionKey().BackwardDigest[:])
	if err != nil {
		return err
	}
	return r.sendUpstream(c)
}

func exitNetwork(flags cell.BeginFlags) string {
	switch {
	case flags.IPv4NotOK:
		return "tcp6"
	case !flags.IPv6OK:
		return "tcp4"
	default:
		return "tcp"
	}
}

func endReason(err error) cell.EndReason {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return cell.EndResolveFailed
	case errors.Is(err, context.DeadlineExceeded):
		return cell.EndTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return cell.EndTimeout
	default:
		return cell.EndConnectRefused
	}
}
