// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/handshake"
	"github.com/katzenpost/onion/core/retry"
)

const (
	// StreamID is the identifier of the single stream a circuit carries.
	StreamID = 1

	// maxStreamData is the largest RELAY_DATA payload sent.
	maxStreamData = 4096

	destroyTimeout = time.Second
)

// State is the construction state of a circuit.
type State int

const (
	StateInit State = iota
	StateHop1Pending
	StateHop1Keyed
	StateHop2Pending
	StateHop2Keyed
	StateHop3Pending
	StateHop3Keyed
	StateStreamPending
	StateStreamOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHop1Pending:
		return "HOP1_PENDING"
	case StateHop1Keyed:
		return "HOP1_KEYED"
	case StateHop2Pending:
		return "HOP2_PENDING"
	case StateHop2Keyed:
		return "HOP2_KEYED"
	case StateHop3Pending:
		return "HOP3_PENDING"
	case StateHop3Keyed:
		return "HOP3_KEYED"
	case StateStreamPending:
		return "STREAM_PENDING"
	case StateStreamOpen:
		return "STREAM_OPEN"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// keyedState returns the state reached once hop n is keyed.
func keyedState(n int) State {
	return StateHop1Keyed + State(2*(n-1))
}

// Circuit is a 3 hop circuit built by the onion proxy.  Operations on a
// circuit are strictly sequential: each one checks the state it starts
// from and moves the circuit to a pending state until it completes.
type Circuit struct {
	sync.Mutex

	m   *ConnectionManager
	log *logging.Logger

	id    uint32
	path  []*directory.Node
	htype cell.HandshakeType

	state State
	keys  [config.PathLength]*handshake.SessionKey
	ch    channel.Channel
}

// ID returns the circuit identifier.
func (c *Circuit) ID() uint32 {
	return c.id
}

// State returns the current state.
func (c *Circuit) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// SessionKey returns the session key shared with hop (1 based), or nil if
// that hop is not keyed.
func (c *Circuit) SessionKey(hop int) *handshake.SessionKey {
	if hop < 1 || hop > len(c.keys) {
		return nil
	}
	c.Lock()
	defer c.Unlock()
	return c.keys[hop-1]
}

// transition moves the circuit from one of the from states to to.
func (c *Circuit) transition(to State, from ...State) error {
	c.Lock()
	defer c.Unlock()
	if c.state == StateFailed {
		return ErrCircuitFailed
	}
	for _, s := range from {
		if c.state == s {
			c.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %v -> %v", ErrOutOfOrder, c.state, to)
}

func (c *Circuit) setState(s State) {
	c.Lock()
	defer c.Unlock()
	c.state = s
}

// fail closes the channel and marks the circuit FAILED.  Keys already
// established are kept.
func (c *Circuit) fail(err error) error {
	c.Lock()
	ch := c.ch
	c.ch = nil
	c.state = StateFailed
	c.Unlock()

	if ch != nil {
		ch.Close()
	}
	c.log.Errorf("Circuit failed: %v", err)
	return err
}

func (c *Circuit) link() channel.Channel {
	c.Lock()
	defer c.Unlock()
	return c.ch
}

// OpenConnection connects to hop, retrying transient failures with
// exponential backoff.  Only the entry router (hop 1) is connected to
// directly, later hops are reached by extending the circuit.
func (c *Circuit) OpenConnection(ctx context.Context, hop int) error {
	if hop != 1 {
		return fmt.Errorf("%w: the proxy only connects to hop 1, not %d", ErrOutOfOrder, hop)
	}
	c.Lock()
	switch {
	case c.state == StateFailed:
		c.Unlock()
		return ErrCircuitFailed
	case c.state != StateInit || c.ch != nil:
		c.Unlock()
		return fmt.Errorf("%w: connection already open", ErrOutOfOrder)
	}
	c.Unlock()

	n := c.path[0]
	dbg := c.m.cfg.Debug
	var ch channel.Channel
	err := retry.Do(ctx, dbg.RetryPolicy(), func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, dbg.ConnectTimeoutDuration())
		defer cancel()

		var err error
		ch, err = c.m.dialer.Dial(dialCtx, n.Host, n.Port)
		if err != nil {
			c.log.Warningf("Failed to connect to %v: %v", n, err)
		}
		return err
	})
	if err != nil {
		return c.fail(&HopError{Hop: 1, Node: n.Identifier, Err: err})
	}

	c.Lock()
	c.ch = ch
	c.Unlock()
	c.log.Debugf("Connected to %v", n)
	return nil
}

// CreateHop1 keys the entry router with CREATE2/CREATED2.  On failure the
// channel is closed and the circuit is FAILED.
func (c *Circuit) CreateHop1(ctx context.Context) error {
	if err := c.transition(StateHop1Pending, StateInit); err != nil {
		return err
	}
	ch := c.link()
	if ch == nil {
		c.setState(StateInit)
		return fmt.Errorf("%w: no connection to hop 1", ErrOutOfOrder)
	}

	n := c.path[0]
	key, err := c.createHop1(ctx, ch, n)
	if err != nil {
		return c.fail(&HopError{Hop: 1, Node: n.Identifier, Err: err})
	}

	c.Lock()
	c.keys[0] = key
	c.state = StateHop1Keyed
	c.Unlock()
	c.log.Debugf("Hop 1 (%v) keyed", n)
	return nil
}

func (c *Circuit) createHop1(ctx context.Context, ch channel.Channel, n *directory.Node) (*handshake.SessionKey, error) {
	hs, err := handshake.NewClientHandshake(c.htype, n.OnionKey)
	if err != nil {
		return nil, err
	}
	defer hs.Reset()

	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.Debug.HandshakeTimeoutDuration())
	defer cancel()

	if err = c.send(ctx, ch, cell.BuildCreateCell(hs.Type(), hs.OnionSkin(), c.id)); err != nil {
		return nil, err
	}
	reply, err := c.receive(ctx, ch)
	if err != nil {
		return nil, err
	}
	if reply.Command != cell.CmdCreated2 {
		return nil, fmt.Errorf("%w: %v while waiting for CREATED2", ErrUnexpectedCell, reply.Command)
	}
	return hs.ProcessCreatedCell(reply, c.id)
}

// CreateHopN keys hop n (2 or 3) by sending EXTEND2 to hop n-1, the
// current end of the circuit, and waiting for its EXTENDED2.  Hops must be
// keyed in order.  On failure the channel is closed, key n stays unset and
// the circuit is FAILED.
func (c *Circuit) CreateHopN(ctx context.Context, n int) error {
	if n < 2 || n > config.PathLength {
		return fmt.Errorf("%w: no hop %d", ErrOutOfOrder, n)
	}
	if err := c.transition(keyedState(n)-1, keyedState(n-1)); err != nil {
		return err
	}

	node := c.path[n-1]
	key, err := c.extend(ctx, n, node)
	if err != nil {
		return c.fail(&HopError{Hop: n, Node: node.Identifier, Err: err})
	}

	c.Lock()
	c.keys[n-1] = key
	c.state = keyedState(n)
	c.Unlock()
	c.log.Debugf("Hop %d (%v) keyed", n, node)
	return nil
}

func (c *Circuit) extend(ctx context.Context, n int, node *directory.Node) (*handshake.SessionKey, error) {
	ch := c.link()
	frontier := c.SessionKey(n - 1)

	hs, err := handshake.NewClientHandshake(c.htype, node.OnionKey)
	if err != nil {
		return nil, err
	}
	defer hs.Reset()

	ext, err := cell.BuildExtendCell(cell.RelayExtend2, hs.Type(), hs.OnionSkin(), c.id, node.LinkSpecifier(), frontier.ForwardDigest[:])
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.Debug.HandshakeTimeoutDuration())
	defer cancel()

	if err = c.send(ctx, ch, ext); err != nil {
		return nil, err
	}
	reply, p, err := c.receiveRelay(ctx, ch, frontier)
	if err != nil {
		return nil, err
	}
	switch p.RelayCommand {
	case cell.RelayExtended2, cell.RelayExtended:
	default:
		return nil, fmt.Errorf("%w: %v while waiting for EXTENDED2", ErrUnexpectedCell, p.RelayCommand)
	}
	return hs.ProcessExtendedCell(reply, c.id)
}

// Build connects to the entry router and keys all three hops.
func (c *Circuit) Build(ctx context.Context) error {
	if err := c.OpenConnection(ctx, 1); err != nil {
		return err
	}
	if err := c.CreateHop1(ctx); err != nil {
		return err
	}
	for n := 2; n <= config.PathLength; n++ {
		if err := c.CreateHopN(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// beginFlags derives the address family preferences from the destination:
// IP literals pin their own family, names accept either.
func beginFlags(addr string) cell.BeginFlags {
	ip, err := netip.ParseAddr(addr)
	switch {
	case err != nil:
		return cell.BeginFlags{IPv6OK: true}
	case ip.Is4() || ip.Is4In6():
		return cell.BeginFlags{}
	default:
		return cell.BeginFlags{IPv6Pref: true, IPv4NotOK: true, IPv6OK: true}
	}
}

// SendRelayBegin asks the exit to open a stream to addr:port, and waits
// for RELAY_CONNECTED.  If the exit refuses, the circuit stays usable in
// the HOP3_KEYED state.
func (c *Circuit) SendRelayBegin(ctx context.Context, addr string, port uint16) (*cell.ConnectedBody, error) {
	if err := c.transition(StateStreamPending, StateHop3Keyed); err != nil {
		return nil, err
	}

	connected, err := c.begin(ctx, addr, port)
	switch {
	case err == nil:
		c.setState(StateStreamOpen)
		c.log.Debugf("Stream open to %v:%v (%v)", addr, port, connected.Addr)
		return connected, nil
	case errors.Is(err, ErrCircuitDestroyed) || errors.Is(err, channel.ErrTransport) || errors.Is(err, channel.ErrClosed):
		return nil, c.fail(err)
	default:
		c.setState(StateHop3Keyed)
		c.log.Warningf("Failed to open stream to %v:%v: %v", addr, port, err)
		return nil, err
	}
}

func (c *Circuit) begin(ctx context.Context, addr string, port uint16) (*cell.ConnectedBody, error) {
	ch := c.link()
	exit := c.SessionKey(config.PathLength)

	addrPort := net.JoinHostPort(addr, strconv.Itoa(int(port)))
	begin, err := cell.BuildBeginCell(c.id, StreamID, addrPort, beginFlags(addr), exit.ForwardDigest[:])
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.m.cfg.Debug.StreamTimeoutDuration())
	defer cancel()

	if err = c.send(ctx, ch, begin); err != nil {
		return nil, err
	}
	reply, p, err := c.receiveRelay(ctx, ch, exit)
	if err != nil {
		return nil, err
	}
	switch p.RelayCommand {
	case cell.RelayConnected:
		return cell.ParseRelayConnectedCell(reply)
	case cell.RelayEnd:
		end, err := cell.ParseEndCell(reply)
		if err != nil {
			return nil, err
		}
		return nil, &StreamError{StreamID: p.StreamID, Reason: end.Reason}
	default:
		return nil, fmt.Errorf("%w: %v while waiting for RELAY_CONNECTED", ErrUnexpectedCell, p.RelayCommand)
	}
}

// Write sends b to the open stream, in as many RELAY_DATA cells as needed.
func (c *Circuit) Write(ctx context.Context, b []byte) error {
	if s := c.State(); s != StateStreamOpen {
		return fmt.Errorf("%w: stream not open (%v)", ErrOutOfOrder, s)
	}
	ch := c.link()
	exit := c.SessionKey(config.PathLength)
	for len(b) > 0 {
		n := min(len(b), maxStreamData)
		d, err := cell.BuildDataCell(c.id, StreamID, b[:n], exit.ForwardDigest[:])
		if err != nil {
			return err
		}
		if err = c.send(ctx, ch, d); err != nil {
			return c.fail(err)
		}
		b = b[n:]
	}
	return nil
}

// Read returns the data of the next RELAY_DATA from the open stream, or
// io.EOF once the exit ends it.  A receive error, including ctx expiring
// before data arrives, closes the channel and fails the circuit.
func (c *Circuit) Read(ctx context.Context) ([]byte, error) {
	if s := c.State(); s != StateStreamOpen {
		return nil, fmt.Errorf("%w: stream not open (%v)", ErrOutOfOrder, s)
	}
	ch := c.link()
	exit := c.SessionKey(config.PathLength)

	reply, p, err := c.receiveRelay(ctx, ch, exit)
	if err != nil {
		return nil, c.fail(err)
	}
	switch p.RelayCommand {
	case cell.RelayData:
		d, err := cell.ParseDataCell(reply)
		if err != nil {
			return nil, err
		}
		return d.Data, nil
	case cell.RelayEnd:
		end, err := cell.ParseEndCell(reply)
		if err != nil {
			return nil, err
		}
		c.setState(StateHop3Keyed)
		if end.Reason == cell.EndDone {
			return nil, io.EOF
		}
		return nil, &StreamError{StreamID: p.StreamID, Reason: end.Reason}
	default:
		return nil, fmt.Errorf("%w: %v on an open stream", ErrUnexpectedCell, p.RelayCommand)
	}
}

// CloseStream ends the open stream with RELAY_END, leaving the circuit in
// the HOP3_KEYED state.
func (c *Circuit) CloseStream(ctx context.Context) error {
	if err := c.transition(StateHop3Keyed, StateStreamOpen); err != nil {
		return err
	}
	exit := c.SessionKey(config.PathLength)
	end, err := cell.BuildEndCell(c.id, StreamID, cell.EndDone, exit.ForwardDigest[:])
	if err != nil {
		return err
	}
	return c.send(ctx, c.link(), end)
}

// Close tears the circuit down, sending DESTROY to the entry router on a
// best effort basis, and wipes the session keys.
func (c *Circuit) Close() {
	c.Lock()
	ch := c.ch
	c.ch = nil
	c.state = StateFailed
	for i, k := range c.keys {
		if k != nil {
			k.Reset()
			c.keys[i] = nil
		}
	}
	c.Unlock()

	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := c.send(ctx, ch, cell.BuildDestroyCell(c.id, cell.DestroyRequested)); err != nil {
		c.log.Debugf("Failed to send DESTROY: %v", err)
	}
	ch.Close()
}

func (c *Circuit) send(ctx context.Context, ch channel.Channel, cl *cell.Cell) error {
	if ch == nil {
		return channel.ErrClosed
	}
	b, err := cell.Serialize(cl)
	if err != nil {
		return err
	}
	return ch.Send(ctx, b)
}

// receive returns the next cell for this circuit, skipping padding.  A
// DESTROY is returned as a DestroyedError.
func (c *Circuit) receive(ctx context.Context, ch channel.Channel) (*cell.Cell, error) {
	if ch == nil {
		return nil, channel.ErrClosed
	}
	for {
		b, err := ch.Receive(ctx)
		if err != nil {
			return nil, err
		}
		cl, err := cell.Deserialize(b)
		if err != nil {
			return nil, err
		}
		switch {
		case cl.Command == cell.CmdPadding:
			continue
		case cl.CircID != c.id:
			c.log.Debugf("Dropping %v for circuit %d", cl.Command, cl.CircID)
			continue
		case cl.Command == cell.CmdDestroy:
			p, err := cell.ParseDestroyCell(cl)
			if err != nil {
				return nil, err
			}
			return nil, &DestroyedError{Reason: p.Reason}
		}
		return cl, nil
	}
}

// receiveRelay returns the next relay cell, which must have been sealed by
// the hop holding key.  RELAY_DROP is skipped.
func (c *Circuit) receiveRelay(ctx context.Context, ch channel.Channel, key *handshake.SessionKey) (*cell.Cell, *cell.RelayPayload, error) {
	for {
		cl, err := c.receive(ctx, ch)
		if err != nil {
			return nil, nil, err
		}
		p, err := cell.RelayPayloadOf(cl)
		if err != nil {
			return nil, nil, err
		}
		if !p.Verify(key.BackwardDigest[:]) {
			return nil, nil, &cell.MalformedCellError{Field: "DIGEST", Expected: "reply from the addressed hop", Got: fmt.Sprintf("%x", p.Digest)}
		}
		if p.RelayCommand == cell.RelayDrop {
			continue
		}
		return cl, p, nil
	}
}
