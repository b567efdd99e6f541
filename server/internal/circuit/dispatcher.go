// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package circuit implements the onion router side of circuits: answering
// CREATE2, extending circuits to the next hop, forwarding relay cells and
// opening exit streams.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/handshake"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/core/worker"
	"github.com/katzenpost/onion/server/internal/instrument"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultQueueLength = 64

	destroyTimeout = time.Second
)

// OnionKey is the router's long term onion key and its replay filter.
type OnionKey interface {
	PrivateKey() kem.PrivateKey
	IsReplay(tag []byte) bool
}

// ExitPolicy decides which destinations exit streams may connect to.
type ExitPolicy interface {
	Allowed(host string, port uint16) bool
}

// ExitDialer connects exit streams.  *net.Dialer satisfies it.
type ExitDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config is the Dispatcher configuration.
type Config struct {
	// OnionKey is the router's onion key.
	OnionKey OnionKey

	// Dialer connects to the next hop when extending circuits.
	Dialer channel.Dialer

	// Exit is the exit policy, routers with no policy refuse every
	// RELAY_BEGIN addressed to them.
	Exit ExitPolicy

	// ExitDialer connects exit streams, a net.Dialer is used if nil.
	ExitDialer ExitDialer

	// ConnectTimeout bounds dialing the next hop or an exit destination.
	ConnectTimeout time.Duration

	// HandshakeTimeout bounds waiting for the next hop's CREATED2, and
	// every send on a circuit.
	HandshakeTimeout time.Duration

	// QueueLength is the per circuit inbox length.
	QueueLength int

	// MaxCircuitsPerChannel bounds the number of circuits an upstream
	// channel may create, 0 is unlimited.
	MaxCircuitsPerChannel int

	// LogBackend is the logging backend.
	LogBackend *log.Backend
}

func (cfg *Config) validate() error {
	if cfg.OnionKey == nil {
		return errors.New("circuit: no OnionKey")
	}
	if cfg.Dialer == nil {
		return errors.New("circuit: no Dialer")
	}
	if cfg.LogBackend == nil {
		return errors.New("circuit: no LogBackend")
	}
	if cfg.ExitDialer == nil {
		cfg.ExitDialer = &net.Dialer{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultTimeout
	}
	if cfg.QueueLength <= 0 {
		cfg.QueueLength = defaultQueueLength
	}
	return nil
}

// Dispatcher routes cells received from upstream channels to the circuits
// they belong to.  Each circuit is served by its own goroutine, so a slow
// next hop only stalls the circuits that use it.
type Dispatcher struct {
	worker.Worker

	cfg   Config
	log   *logging.Logger
	table *Table

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a new Dispatcher.
func New(cfg *Config) (*Dispatcher, error) {
	d := &Dispatcher{
		cfg:   *cfg,
		table: NewTable(),
	}
	if err := d.cfg.validate(); err != nil {
		return nil, err
	}
	d.log = d.cfg.LogBackend.GetLogger("circuit")
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Table returns the circuit table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// DispatchRaw decodes a serialized cell received on src and dispatches it.
func (d *Dispatcher) DispatchRaw(ctx context.Context, raw []byte, src channel.Channel) error {
	c, err := cell.Deserialize(raw)
	if err != nil {
		instrument.CellRejected("malformed")
		return err
	}
	return d.Dispatch(ctx, c, raw, src)
}

// Dispatch handles the cell c, serialized as raw, received on the
// upstream channel src.  If raw is nil c is serialized here.  Errors are
// scoped to the cell's circuit, the channel remains usable.
func (d *Dispatcher) Dispatch(ctx context.Context, c *cell.Cell, raw []byte, src channel.Channel) error {
	if d.ctx.Err() != nil {
		return ErrHalted
	}
	instrument.Incoming(c.Command)
	if raw == nil {
		var err error
		if raw, err = cell.Serialize(c); err != nil {
			instrument.CellRejected("malformed")
			return err
		}
	}

	switch c.Command {
	case cell.CmdPadding:
		return nil
	case cell.CmdCreate2:
		return d.onCreate(ctx, c, raw, src)
	case cell.CmdRelay, cell.CmdRelayEarly, cell.CmdDestroy:
		r, err := d.upstreamRecord(c.CircID, src)
		if err != nil {
			return err
		}
		if c.Command.IsRelay() {
			p, err := cell.RelayPayloadOf(c)
			if err == nil && !p.RelayCommand.Valid() {
				err = &cell.UnknownCommandError{RelayCommand: p.RelayCommand, Relay: true}
			}
			if err != nil {
				instrument.CellRejected("malformed")
				r.log.Errorf("Rejecting cell: %v", err)
				r.teardown(cell.DestroyProtocol, true, true)
				return err
			}
		}
		return r.enqueue(ctx, c, raw)
	case cell.CmdCreated2:
		instrument.CellRejected("malformed")
		return &cell.MalformedCellError{Field: "CMD", Expected: "a forward command", Got: c.Command.String()}
	default:
		instrument.CellRejected("unknown_command")
		return &cell.UnknownCommandError{Command: c.Command}
	}
}

// Teardown destroys the circuit circID created over upstream, in both
// directions.
func (d *Dispatcher) Teardown(upstream channel.Channel, circID uint32, reason cell.DestroyReason) bool {
	r, ok := d.table.Lookup(upstream, circID)
	if !ok {
		return false
	}
	r.teardown(reason, true, true)
	return true
}

// OnChannelClosed tears down every circuit whose upstream is ch.
func (d *Dispatcher) OnChannelClosed(ch channel.Channel) {
	for _, r := range d.table.byUpstream(ch) {
		r.teardown(cell.DestroyChannelClosed, false, true)
	}
}

// Halt tears down every circuit and waits for the circuit goroutines to
// return.
func (d *Dispatcher) Halt() {
	d.cancel()
	for _, r := range d.table.all() {
		r.teardown(cell.DestroyNone, false, true)
	}
	d.Worker.Halt()
}

func (d *Dispatcher) onCreate(ctx context.Context, c *cell.Cell, raw []byte, src channel.Channel) error {
	p, err := cell.ParseCreateCell(c)
	if err != nil {
		instrument.CellRejected("malformed")
		return err
	}
	if c.CircID == 0 {
		instrument.CellRejected("malformed")
		return &cell.MalformedCellError{Field: "CIRCID", Expected: "non-zero", Got: "0"}
	}

	r := d.newRecord(c.CircID, src)
	if err := d.table.insert(r, d.cfg.MaxCircuitsPerChannel); err != nil {
		r.cancel()
		return err
	}
	tag := handshake.ReplayTag(p)
	if d.cfg.OnionKey.IsReplay(tag[:]) {
		d.table.remove(r)
		r.cancel()
		instrument.OnionSkinReplayed()
		d.spawn(func() {
			d.sendDestroy(src, c.CircID, cell.DestroyProtocol)
		})
		return fmt.Errorf("%w: circuit %d", ErrReplay, c.CircID)
	}

	d.Go(r.worker)
	return r.enqueue(ctx, c, raw)
}

func (d *Dispatcher) upstreamRecord(circID uint32, src channel.Channel) (*Record, error) {
	if r, ok := d.table.Lookup(src, circID); ok {
		return r, nil
	}
	if other, ok := d.table.owner(circID, src); ok {
		instrument.CellRejected("channel_mismatch")
		return nil, &ChannelMismatchError{
			CircID:   circID,
			Expected: other.upstream.RemoteAddr(),
			Got:      src.RemoteAddr(),
		}
	}
	instrument.CellRejected("unknown_circuit")
	return nil, fmt.Errorf("%w: %d", ErrUnknownCircuit, circID)
}

// spawn runs fn in a managed goroutine, or inline once halted.
func (d *Dispatcher) spawn(fn func()) {
	if d.ctx.Err() != nil {
		fn()
		return
	}
	d.Go(fn)
}

func (d *Dispatcher) sendDestroy(ch channel.Channel, circID uint32, reason cell.DestroyReason) {
	raw, err := cell.Serialize(cell.BuildDestroyCell(circID, reason))
	if err != nil {
		d.log.Errorf("BUG: failed to serialize DESTROY: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := ch.Send(ctx, raw); err != nil {
		d.log.Debugf("Failed to send DESTROY for circuit %d to %v: %v", circID, ch.RemoteAddr(), err)
	}
}
