// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package circuit

import (
	"context"
	"errors"
	"fmt"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/handshake"
)

var (
	// ErrChannelMismatch is the error matched by every
	// *ChannelMismatchError.
	ErrChannelMismatch = errors.New("circuit: cell arrived on the wrong channel")

	// ErrUnknownCircuit is returned for cells on a circuit that does not
	// exist.
	ErrUnknownCircuit = errors.New("circuit: unknown circuit")

	// ErrCircuitExists is returned for a CREATE2 on a circuit that already
	// exists on the same channel.
	ErrCircuitExists = errors.New("circuit: circuit already exists")

	// ErrCircuitClosed is returned when a cell is dispatched to a circuit
	// that is being torn down.
	ErrCircuitClosed = errors.New("circuit: circuit closed")

	// ErrTooManyCircuits is returned when a channel exceeds its circuit
	// limit.
	ErrTooManyCircuits = errors.New("circuit: too many circuits on channel")

	// ErrReplay is returned for a CREATE2 whose onion skin was seen before.
	ErrReplay = errors.New("circuit: replayed onion skin")

	// ErrProtocolViolation is returned for well-formed cells that are not
	// valid in the circuit's current state.
	ErrProtocolViolation = errors.New("circuit: protocol violation")

	// ErrExtendFailed is returned when the next hop refuses a circuit.
	ErrExtendFailed = errors.New("circuit: extend failed")

	// ErrHalted is returned by a halted Dispatcher.
	ErrHalted = errors.New("circuit: dispatcher halted")
)

// ChannelMismatchError is returned when a cell for an existing circuit
// arrives on a channel other than the circuit's upstream channel.  The
// circuit is left untouched.
type ChannelMismatchError struct {
	CircID   uint32
	Expected string
	Got      string
}

func (e *ChannelMismatchError) Error() string {
	return fmt.Sprintf("%v: circuit %d belongs to %s, got %s", ErrChannelMismatch, e.CircID, e.Expected, e.Got)
}

func (e *ChannelMismatchError) Is(target error) bool {
	return target == ErrChannelMismatch
}

// destroyReason maps the error that ended a circuit to the reason sent in
// the DESTROY cells.
func destroyReason(err error) cell.DestroyReason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return cell.DestroyTimeout
	case errors.Is(err, channel.ErrTransport), errors.Is(err, ErrExtendFailed):
		return cell.DestroyConnectFailed
	case errors.Is(err, cell.ErrMalformedCell),
		errors.Is(err, cell.ErrUnknownCommand),
		errors.Is(err, handshake.ErrHandshakeFailure),
		errors.Is(err, ErrProtocolViolation):
		return cell.DestroyProtocol
	default:
		return cell.DestroyInternal
	}
}
