// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/handshake"
	"github.com/katzenpost/onion/core/log"
)

// simChain plays all three routers of a circuit at the far end of a
// single channel.
type simChain struct {
	sync.Mutex

	privs []kem.PrivateKey
	keys  []*handshake.SessionKey

	corruptHop   int
	silentHop    int
	refuseBegins int

	extends   int
	begins    []*cell.BeginBody
	destroyed bool
}

func (s *simChain) serve(ch channel.Channel) {
	defer ch.Close()
	ctx := context.Background()
	send := func(c *cell.Cell) bool {
		b, err := cell.Serialize(c)
		if err != nil {
			return false
		}
		return ch.Send(ctx, b) == nil
	}

	for {
		b, err := ch.Receive(ctx)
		if err != nil {
			return
		}
		c, err := cell.Deserialize(b)
		if err != nil {
			return
		}
		reply, ok := s.handle(c)
		if !ok {
			return
		}
		if reply != nil && !send(reply) {
			return
		}
	}
}

func (s *simChain) handle(c *cell.Cell) (*cell.Cell, bool) {
	s.Lock()
	defer s.Unlock()

	switch c.Command {
	case cell.CmdCreate2:
		_, srv, err := handshake.ProcessCreateCell(c, s.privs[0])
		if err != nil {
			return nil, false
		}
		reply, key, err := srv.Respond()
		if err != nil {
			return nil, false
		}
		s.keys = append(s.keys, key)
		return cell.BuildCreatedCell(reply, c.CircID), true
	case cell.CmdDestroy:
		s.destroyed = true
		return nil, false
	case cell.CmdRelay, cell.CmdRelayEarly:
	default:
		return nil, false
	}

	p, err := cell.RelayPayloadOf(c)
	if err != nil {
		return nil, false
	}
	hop := -1
	for i, k := range s.keys {
		if p.Verify(k.ForwardDigest[:]) {
			hop = i
		}
	}
	if hop < 0 {
		return nil, false
	}
	backward := s.keys[hop].BackwardDigest[:]
	body, err := cell.ParseRelayBody(p)
	if err != nil {
		return nil, false
	}

	var reply *cell.Cell
	switch b := body.(type) {
	case *cell.Extend2Body:
		s.extends++
		next := len(s.keys)
		if s.silentHop == next+1 {
			return nil, true
		}
		_, srv, herr := handshake.NewServerHandshake(b.HType, b.HData, s.privs[next])
		if herr != nil {
			return nil, false
		}
		hdata, key, herr := srv.Respond()
		if herr != nil {
			return nil, false
		}
		if s.corruptHop == next+1 {
			hdata[0] ^= 0xff
		}
		s.keys = append(s.keys, key)
		reply, err = cell.BuildExtendedCellFromCreatedCell(cell.RelayExtended2, c.CircID, cell.BuildCreatedCell(hdata, c.CircID), backward)
	case *cell.BeginBody:
		s.begins = append(s.begins, b)
		if s.refuseBegins > 0 {
			s.refuseBegins--
			reply, err = cell.BuildEndCell(c.CircID, p.StreamID, cell.EndExitPolicy, backward)
			break
		}
		reply, err = cell.BuildConnectedCell(c.CircID, p.StreamID, "192.0.2.1", 300, backward)
	case *cell.DataBody:
		if string(b.Data) == "bye" {
			reply, err = cell.BuildEndCell(c.CircID, p.StreamID, cell.EndDone, backward)
			break
		}
		reply, err = cell.BuildDataCell(c.CircID, p.StreamID, b.Data, backward)
	case *cell.EndBody:
		return nil, true
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return reply, true
}

func (s *simChain) snapshot() (int, bool, []*handshake.SessionKey) {
	s.Lock()
	defer s.Unlock()
	return s.extends, s.destroyed, append([]*handshake.SessionKey{}, s.keys...)
}

type simDialer struct {
	sync.Mutex

	sim      *simChain
	failures int
	dials    int
	done     chan struct{}
}

func (d *simDialer) Dial(ctx context.Context, host string, port uint16) (channel.Channel, error) {
	d.Lock()
	defer d.Unlock()
	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, &channel.TransportError{Op: "connect", Addr: host, Err: syscall.ECONNREFUSED}
	}
	a, b := channel.Pipe()
	go func() {
		d.sim.serve(b)
		close(d.done)
	}()
	return a, nil
}

func testPath(t *testing.T) ([]*directory.Node, []kem.PrivateKey) {
	scheme := schemes.ByName(directory.DefaultKEMScheme)
	require.NotNil(t, scheme)

	var path []*directory.Node
	var privs []kem.PrivateKey
	for i, id := range []string{"hop1", "hop2", "hop3"} {
		pub, priv, err := scheme.GenerateKeyPair()
		require.NoError(t, err)
		path = append(path, &directory.Node{
			Identifier: id,
			Host:       "127.0.0.1",
			Port:       uint16(9001 + i),
			OnionKey:   pub,
		})
		privs = append(privs, priv)
	}
	return path, privs
}

func newTestManager(t *testing.T, dialer channel.Dialer) *ConnectionManager {
	cfg, err := config.Load([]byte(`
[Proxy]
DirectoryFile = "directory.toml"

[Logging]
Disable = true

[Debug]
HandshakeTimeout = 5000
StreamTimeout = 5000
RetryBaseDelay = 1
RetryMaxDelay = 10
`))
	require.NoError(t, err)
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return NewConnectionManager(cfg, dialer, logBackend)
}

func newTestCircuit(t *testing.T, sim *simChain) (*Circuit, *simDialer) {
	path, privs := testPath(t)
	sim.privs = privs
	d := &simDialer{sim: sim, done: make(chan struct{})}
	c, err := newTestManager(t, d).NewCircuit(path)
	require.NoError(t, err)
	require.Equal(t, StateInit, c.State())
	return c, d
}

func TestCircuitBuild(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := new(simChain)
	c, d := newTestCircuit(t, sim)

	require.NoError(c.Build(ctx))
	require.Equal(StateHop3Keyed, c.State())
	_, _, keys := sim.snapshot()
	require.Len(keys, 3)
	for i, k := range keys {
		require.True(k.Equal(c.SessionKey(i+1)), "hop %d", i+1)
	}
	require.Nil(c.SessionKey(0))
	require.Nil(c.SessionKey(4))

	connected, err := c.SendRelayBegin(ctx, "10.0.0.1", 80)
	require.NoError(err)
	require.Equal("192.0.2.1", connected.Addr)
	require.Equal(StateStreamOpen, c.State())
	require.Equal(cell.BeginFlags{}, sim.begins[0].Flags)

	require.NoError(c.Write(ctx, []byte("hello")))
	b, err := c.Read(ctx)
	require.NoError(err)
	require.Equal([]byte("hello"), b)

	require.NoError(c.CloseStream(ctx))
	require.Equal(StateHop3Keyed, c.State())

	// The exit ending the stream leaves the circuit usable.
	_, err = c.SendRelayBegin(ctx, "10.0.0.1", 80)
	require.NoError(err)
	require.NoError(c.Write(ctx, []byte("bye")))
	_, err = c.Read(ctx)
	require.ErrorIs(err, io.EOF)
	require.Equal(StateHop3Keyed, c.State())

	c.Close()
	require.Equal(StateFailed, c.State())
	require.Nil(c.SessionKey(1))
	<-d.done
	_, destroyed, _ := sim.snapshot()
	require.True(destroyed)
}

func TestCircuitCorruptedHop2(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := &simChain{corruptHop: 2}
	c, d := newTestCircuit(t, sim)

	err := c.Build(ctx)
	require.ErrorIs(err, handshake.ErrHandshakeFailure)
	var hopErr *HopError
	require.True(errors.As(err, &hopErr))
	require.Equal(2, hopErr.Hop)

	require.Equal(StateFailed, c.State())
	require.NotNil(c.SessionKey(1))
	require.Nil(c.SessionKey(2))
	require.Nil(c.SessionKey(3))

	// Hop 3 is never attempted, and the channel is closed.
	<-d.done
	extends, _, _ := sim.snapshot()
	require.Equal(1, extends)
	require.ErrorIs(c.CreateHopN(ctx, 3), ErrCircuitFailed)
}

func TestCircuitHopTimeout(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := &simChain{silentHop: 3}
	c, d := newTestCircuit(t, sim)
	c.m.cfg.Debug.HandshakeTimeout = 200

	require.NoError(c.OpenConnection(ctx, 1))
	require.NoError(c.CreateHop1(ctx))
	require.NoError(c.CreateHopN(ctx, 2))

	// Hop 3 never answers the EXTEND2.
	start := time.Now()
	err := c.CreateHopN(ctx, 3)
	require.ErrorIs(err, context.DeadlineExceeded)
	require.Less(time.Since(start), 5*time.Second)
	var hopErr *HopError
	require.True(errors.As(err, &hopErr))
	require.Equal(3, hopErr.Hop)

	require.Equal(StateFailed, c.State())
	require.NotNil(c.SessionKey(2))
	require.Nil(c.SessionKey(3))
	<-d.done
}

func TestReadDeadline(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, d := newTestCircuit(t, new(simChain))
	require.NoError(c.Build(ctx))
	_, err := c.SendRelayBegin(ctx, "10.0.0.1", 80)
	require.NoError(err)

	readCtx, readCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer readCancel()
	_, err = c.Read(readCtx)
	require.ErrorIs(err, context.DeadlineExceeded)

	// The expired read closed the channel, so the circuit is failed.
	require.Equal(StateFailed, c.State())
	require.ErrorIs(c.Write(ctx, []byte("x")), ErrOutOfOrder)
	<-d.done
}

func TestCircuitOutOfOrder(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, _ := newTestCircuit(t, new(simChain))
	defer c.Close()

	require.ErrorIs(c.CreateHop1(ctx), ErrOutOfOrder)
	require.Equal(StateInit, c.State())
	require.ErrorIs(c.CreateHopN(ctx, 2), ErrOutOfOrder)
	require.ErrorIs(c.OpenConnection(ctx, 2), ErrOutOfOrder)

	require.NoError(c.OpenConnection(ctx, 1))
	require.ErrorIs(c.OpenConnection(ctx, 1), ErrOutOfOrder)
	require.ErrorIs(c.CreateHopN(ctx, 3), ErrOutOfOrder)
	require.Equal(StateInit, c.State())

	require.NoError(c.CreateHop1(ctx))
	require.ErrorIs(c.CreateHopN(ctx, 3), ErrOutOfOrder)
	require.ErrorIs(c.CreateHopN(ctx, 4), ErrOutOfOrder)
	_, err := c.SendRelayBegin(ctx, "10.0.0.1", 80)
	require.ErrorIs(err, ErrOutOfOrder)
	require.Equal(StateHop1Keyed, c.State())
	require.Nil(c.SessionKey(2))

	require.NoError(c.CreateHopN(ctx, 2))
	require.Equal(StateHop2Keyed, c.State())
}

func TestSendRelayBeginRefused(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := &simChain{refuseBegins: 1}
	c, _ := newTestCircuit(t, sim)
	defer c.Close()
	require.NoError(c.Build(ctx))

	_, err := c.SendRelayBegin(ctx, "2001:db8::1", 443)
	require.ErrorIs(err, ErrStreamRefused)
	var streamErr *StreamError
	require.True(errors.As(err, &streamErr))
	require.Equal(cell.EndExitPolicy, streamErr.Reason)
	require.Equal(StateHop3Keyed, c.State())
	require.NotNil(c.SessionKey(3))

	_, err = c.SendRelayBegin(ctx, "example.org", 443)
	require.NoError(err)
	require.Equal(StateStreamOpen, c.State())

	require.Equal(cell.BeginFlags{IPv6Pref: true, IPv4NotOK: true, IPv6OK: true}, sim.begins[0].Flags)
	require.Equal("[2001:db8::1]:443", sim.begins[0].AddrPort)
	require.Equal(cell.BeginFlags{IPv6OK: true}, sim.begins[1].Flags)
}

func TestOpenConnectionRetry(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sim := new(simChain)
	c, d := newTestCircuit(t, sim)
	defer c.Close()
	d.failures = 2
	require.NoError(c.OpenConnection(ctx, 1))
	require.Equal(3, d.dials)

	c, d = newTestCircuit(t, new(simChain))
	d.failures = 10
	err := c.OpenConnection(ctx, 1)
	require.ErrorIs(err, channel.ErrTransport)
	require.Equal(StateFailed, c.State())
	require.Equal(3, d.dials)
}

func TestCircIDAllocation(t *testing.T) {
	require := require.New(t)

	path, _ := testPath(t)
	m := newTestManager(t, &simDialer{})

	var last uint32
	for i := 0; i < 16; i++ {
		c, err := m.NewCircuit(path)
		require.NoError(err)
		if i == 0 {
			require.True(c.ID() >= 1 && c.ID() < maxInitialCircID)
		} else {
			require.Greater(c.ID(), last)
		}
		last = c.ID()
	}

	m.lastCircID[path[0].LinkSpecifier()] = ^uint32(0)
	_, err := m.NewCircuit(path)
	require.ErrorIs(err, ErrCircIDExhausted)

	other := append([]*directory.Node{}, path...)
	other[0] = &directory.Node{Identifier: "hop4", Host: "127.0.0.1", Port: 9100, OnionKey: path[0].OnionKey}
	c, err := m.NewCircuit(other)
	require.NoError(err)
	require.NotZero(c.ID())

	_, err = m.NewCircuit(path[:2])
	require.Error(err)
}

func TestBeginFlags(t *testing.T) {
	require := require.New(t)
	require.Equal(cell.BeginFlags{}, beginFlags("192.0.2.7"))
	require.Equal(cell.BeginFlags{IPv6Pref: true, IPv4NotOK: true, IPv6OK: true}, beginFlags("::1"))
	require.Equal(cell.BeginFlags{IPv6OK: true}, beginFlags("example.org"))
}
