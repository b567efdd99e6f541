// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"

	"github.com/katzenpost/onion/core/cell"
)

var (
	// ErrOutOfOrder is returned when a circuit operation is attempted in a
	// state that does not allow it, such as extending to hop 3 before hop 2
	// is keyed.
	ErrOutOfOrder = errors.New("client: circuit operation out of order")

	// ErrCircuitFailed is returned for any operation on a failed circuit.
	ErrCircuitFailed = errors.New("client: circuit failed")

	// ErrCircuitDestroyed is the target of DestroyedError.
	ErrCircuitDestroyed = errors.New("client: circuit destroyed by router")

	// ErrStreamRefused is the target of StreamError.
	ErrStreamRefused = errors.New("client: stream refused")

	// ErrUnexpectedCell is returned when a reply is well formed but is not
	// the one the circuit is waiting for.
	ErrUnexpectedCell = errors.New("client: unexpected cell")

	// ErrCircIDExhausted is returned when a first hop has used up its
	// circuit identifier space.
	ErrCircIDExhausted = errors.New("client: circuit identifiers exhausted")
)

// HopError is a failure to key a specific hop.
type HopError struct {
	Hop  int
	Node string
	Err  error
}

func (e *HopError) Error() string {
	return fmt.Sprintf("client: hop %d (%s): %v", e.Hop, e.Node, e.Err)
}

func (e *HopError) Unwrap() error {
	return e.Err
}

// DestroyedError is returned when a router tears the circuit down with a
// DESTROY cell.
type DestroyedError struct {
	Reason cell.DestroyReason
}

func (e *DestroyedError) Error() string {
	return fmt.Sprintf("client: circuit destroyed by router: %v", e.Reason)
}

func (e *DestroyedError) Is(target error) bool {
	return target == ErrCircuitDestroyed
}

// StreamError is returned when the exit answers RELAY_BEGIN, or ends an
// open stream, with RELAY_END.
type StreamError struct {
	StreamID uint16
	Reason   cell.EndReason
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("client: stream %d ended: reason %d", e.StreamID, e.Reason)
}

func (e *StreamError) Is(target error) bool {
	return target == ErrStreamRefused
}
