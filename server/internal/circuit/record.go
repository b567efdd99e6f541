// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/handshake"
	"github.com/katzenpost/onion/server/internal/instrument"
)

type inboundCell struct {
	c   *cell.Cell
	raw []byte
}

// Record is the router's state for a single circuit: the channel towards
// the onion proxy, the channel towards the next hop once extended, and
// the session key shared with the onion proxy.
type Record struct {
	sync.Mutex

	d   *Dispatcher
	log *logging.Logger

	circID     uint32
	upstream   channel.Channel
	downstream channel.Channel
	key        *handshake.SessionKey
	streams    map[uint16]*exitStream

	inbox  chan *inboundCell
	ctx    context.Context
	cancel context.CancelFunc

	teardownOnce sync.Once
}

func (d *Dispatcher) newRecord(circID uint32, upstream channel.Channel) *Record {
	r := &Record{
		d:        d,
		log:      d.cfg.LogBackend.GetLoggerf("circuit:%d", circID),
		circID:   circID,
		upstream: upstream,
		streams:  make(map[uint16]*exitStream),
		inbox:    make(chan *inboundCell, d.cfg.QueueLength),
	}
	r.ctx, r.cancel = context.WithCancel(d.ctx)
	return r
}

// CircID returns the circuit ID.
func (r *Record) CircID() uint32 {
	return r.circID
}

// Upstream returns the channel towards the onion proxy.
func (r *Record) Upstream() channel.Channel {
	return r.upstream
}

// Downstream returns the channel towards the next hop, or nil if the
// circuit was not extended through this router.
func (r *Record) Downstream() channel.Channel {
	r.Lock()
	defer r.Unlock()
	return r.downstream
}

// SessionKey returns the key shared with the onion proxy, or nil before
// the CREATE2 was answered.
func (r *Record) SessionKey() *handshake.SessionKey {
	r.Lock()
	defer r.Unlock()
	return r.key
}

func (r *Record) setDownstream(ch channel.Channel) error {
	r.Lock()
	defer r.Unlock()

	if r.ctx.Err() != nil {
		return ErrCircuitClosed
	}
	if r.downstream != nil {
		return fmt.Errorf("%w: circuit %d is already extended", ErrProtocolViolation, r.circID)
	}
	r.downstream = ch
	return nil
}

func (r *Record) enqueue(ctx context.Context, c *cell.Cell, raw []byte) error {
	select {
	case r.inbox <- &inboundCell{c: c, raw: raw}:
		return nil
	case <-r.ctx.Done():
		return fmt.Errorf("%w: %d", ErrCircuitClosed, r.circID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Record) worker() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case in := <-r.inbox:
			if err := r.handle(in); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				r.log.Errorf("%v failed: %v", in.c.Command, err)
				r.teardown(destroyReason(err), true, true)
				return
			}
		}
	}
}

func (r *Record) handle(in *inboundCell) error {
	switch in.c.Command {
	case cell.CmdCreate2:
		return r.onCreate(in.c)
	case cell.CmdRelay, cell.CmdRelayEarly:
		return r.onRelay(in.c, in.raw)
	case cell.CmdDestroy:
		p, err := cell.ParseDestroyCell(in.c)
		if err != nil {
			return err
		}
		r.log.Debugf("DESTROY from upstream: %v", p.Reason)
		r.teardown(p.Reason, false, true)
		return nil
	default:
		return &cell.UnknownCommandError{Command: in.c.Command}
	}
}

func (r *Record) onCreate(c *cell.Cell) error {
	if r.SessionKey() != nil {
		return ErrCircuitExists
	}
	_, hs, err := handshake.ProcessCreateCell(c, r.d.cfg.OnionKey.PrivateKey())
	if err != nil {
		return err
	}
	reply, key, err := hs.Respond()
	if err != nil {
		return err
	}

	r.Lock()
	r.key = key
	r.Unlock()

	if err := r.sendUpstream(cell.BuildCreatedCell(reply, r.circID)); err != nil {
		return err
	}
	instrument.CircuitCreated()
	r.log.Debugf("Created (%v) from %v", hs.Type(), r.upstream.RemoteAddr())
	return nil
}

func (r *Record) onRelay(c *cell.Cell, raw []byte) error {
	p, err := cell.RelayPayloadOf(c)
	if err != nil {
		return err
	}
	key := r.SessionKey()
	if key == nil {
		return fmt.Errorf("%w: %v before CREATE2", ErrProtocolViolation, p.RelayCommand)
	}

	if !p.Verify(key.ForwardDigest[:]) {
		down := r.Downstream()
		if down == nil {
			return fmt.Errorf("%w: unrecognized %v at the end of the circuit", ErrProtocolViolation, p.RelayCommand)
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.d.cfg.HandshakeTimeout)
		defer cancel()
		if err := down.Send(ctx, raw); err != nil {
			return err
		}
		instrument.CellForwarded()
		return nil
	}

	body, err := cell.ParseRelayBody(p)
	if err != nil {
		return err
	}
	switch b := body.(type) {
	case *cell.Extend2Body:
		if c.Command != cell.CmdRelayEarly {
			return fmt.Errorf("%w: %v outside of RELAY_EARLY", ErrProtocolViolation, p.RelayCommand)
		}
		return r.onExtend(p.RelayCommand, b)
	case *cell.BeginBody:
		return r.onBegin(p.StreamID, b)
	case *cell.DataBody:
		return r.onData(p.StreamID, b)
	case *cell.EndBody:
		r.log.Debugf("Stream %d: END from upstream: %d", p.StreamID, b.Reason)
		r.closeStream(p.StreamID)
		return nil
	case *cell.DropBody:
		return nil
	case *cell.Extended2Body, *cell.ConnectedBody:
		return &cell.MalformedCellError{Field: "RELAY_CMD", Expected: "a forward relay command", Got: p.RelayCommand.String()}
	default:
		return &cell.UnknownCommandError{RelayCommand: p.RelayCommand, Relay: true}
	}
}

func (r *Record) onExtend(rc cell.RelayCommand, b *cell.Extend2Body) error {
	if r.Downstream() != nil {
		return fmt.Errorf("%w: %v on an extended circuit", ErrProtocolViolation, rc)
	}
	start := time.Now()

	host, port, err := channel.SplitLinkSpecifier(b.LSpec)
	if err != nil {
		return &cell.MalformedCellError{Field: "LSPEC", Err: err}
	}
	dialCtx, dialCancel := context.WithTimeout(r.ctx, r.d.cfg.ConnectTimeout)
	down, err := r.d.cfg.Dialer.Dial(dialCtx, host, port)
	dialCancel()
	if err != nil {
		return err
	}

	created, err := r.createDownstream(down, b)
	if err == nil {
		err = r.setDownstream(down)
	}
	if err != nil {
		down.Close()
		return err
	}

	extended := cell.RelayExtended2
	if rc == cell.RelayExtend {
		extended = cell.RelayExtended
	}
	ext, err := cell.BuildExtendedCellFromCreatedCell(extended, r.circID, created, r.SessionKey().BackwardDigest[:])
	if err != nil {
		return err
	}
	if err := r.sendUpstream(ext); err != nil {
		return err
	}
	r.d.Go(r.backwardPump)

	instrument.CircuitExtended(time.Since(start))
	r.log.Debugf("Extended to %v", b.LSpec)
	return nil
}

func (r *Record) createDownstream(down channel.Channel, b *cell.Extend2Body) (*cell.Cell, error) {
	raw, err := cell.Serialize(cell.BuildCreateCell(b.HType, b.HData, r.circID))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.d.cfg.HandshakeTimeout)
	defer cancel()
	if err := down.Send(ctx, raw); err != nil {
		return nil, err
	}
	resp, err := down.Receive(ctx)
	if err != nil {
		return nil, err
	}
	c, err := cell.Deserialize(resp)
	if err != nil {
		return nil, err
	}
	if c.CircID != r.circID {
		return nil, &cell.MalformedCellError{
			Field:    "CIRCID",
			Expected: fmt.Sprintf("%d", r.circID),
			Got:      fmt.Sprintf("%d", c.CircID),
		}
	}
	switch c.Command {
	case cell.CmdCreated2:
		return c, nil
	case cell.CmdDestroy:
		return nil, fmt.Errorf("%w: %v refused the circuit", ErrExtendFailed, down.RemoteAddr())
	default:
		return nil, &cell.MalformedCellError{Field: "CMD", Expected: cell.CmdCreated2.String(), Got: c.Command.String()}
	}
}

// backwardPump relays cells from the next hop to the onion proxy,
// unchanged.
func (r *Record) backwardPump() {
	down := r.Downstream()
	for {
		raw, err := down.Receive(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				r.log.Debugf("Downstream receive failed: %v", err)
				r.teardown(cell.DestroyChannelClosed, true, false)
			}
			return
		}

		c, err := cell.Deserialize(raw)
		if err == nil && c.CircID != r.circID {
			err = &cell.MalformedCellError{Field: "CIRCID", Expected: fmt.Sprintf("%d", r.circID), Got: fmt.Sprintf("%d", c.CircID)}
		}
		if err != nil {
			r.log.Errorf("Malformed cell from downstream: %v", err)
			r.teardown(cell.DestroyProtocol, true, true)
			return
		}

		switch c.Command {
		case cell.CmdPadding:
			continue
		case cell.CmdRelay:
			if err = r.sendUpstreamRaw(raw); err != nil {
				if r.ctx.Err() == nil {
					r.log.Debugf("Upstream send failed: %v", err)
					r.teardown(destroyReason(err), false, true)
				}
				return
			}
		case cell.CmdDestroy:
			reason := cell.DestroyNone
			if p, err := cell.ParseDestroyCell(c); err == nil {
				reason = p.Reason
			}
			r.log.Debugf("DESTROY from downstream: %v", reason)
			r.teardown(reason, true, false)
			return
		default:
			r.log.Errorf("Unexpected %v from downstream", c.Command)
			r.teardown(cell.DestroyProtocol, true, true)
			return
		}
	}
}

func (r *Record) sendUpstream(c *cell.Cell) error {
	raw, err := cell.Serialize(c)
	if err != nil {
		return err
	}
	return r.sendUpstreamRaw(raw)
}

// sendUpstreamRaw writes raw to the upstream channel, which other
// circuits share.  The write is bounded by the timeout and by the
// dispatcher halting, never by this circuit's teardown.
func (r *Record) sendUpstreamRaw(raw []byte) error {
	if r.ctx.Err() != nil {
		return ErrCircuitClosed
	}
	ctx, cancel := context.WithTimeout(r.d.ctx, r.d.cfg.HandshakeTimeout)
	defer cancel()
	return r.upstream.Send(ctx, raw)
}

// teardown removes the circuit from the table, cancels its in-flight
// work, closes its exit streams and downstream channel, and sends DESTROY
// in the requested directions.
func (r *Record) teardown(reason cell.DestroyReason, notifyUpstream, notifyDownstream bool) {
	r.teardownOnce.Do(func() {
		r.d.table.remove(r)
		r.cancel()

		r.Lock()
		down := r.downstream
		streams := r.streams
		r.streams = nil
		r.Unlock()

		for _, s := range streams {
			s.close()
		}
		instrument.CircuitDestroyed(reason.String())
		r.log.Debugf("Torn down: %v", reason)

		r.d.spawn(func() {
			if down != nil {
				if notifyDownstream {
					r.d.sendDestroy(down, r.circID, reason)
				}
				down.Close()
			}
			if notifyUpstream {
				r.d.sendDestroy(r.upstream, r.circID, reason)
			}
		})
	})
}
