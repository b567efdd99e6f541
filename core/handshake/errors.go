// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"errors"
	"fmt"
)

// ErrHandshakeFailure is the error matched by every *HandshakeError.
var ErrHandshakeFailure = errors.New("handshake: failure")

// Stage is the step of a circuit handshake at which a failure occurred.
type Stage string

const (
	StageOnionSkin   Stage = "onion_skin"
	StagePeerKey     Stage = "peer_key"
	StageDecapsulate Stage = "decapsulate"
	StageDecrypt     Stage = "decrypt"
	StageRespond     Stage = "respond"
	StageReply       Stage = "reply"
	StageAuth        Stage = "auth"
)

// HandshakeError is returned when a circuit handshake fails.  A failed
// handshake never yields a session key.
type HandshakeError struct {
	Stage   Stage
	Message string
	Err     error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v at %s: %s: %v", ErrHandshakeFailure, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%v at %s: %s", ErrHandshakeFailure, e.Stage, e.Message)
}

func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshakeFailure
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

func newError(stage Stage, err error, format string, a ...interface{}) *HandshakeError {
	return &HandshakeError{
		Stage:   stage,
		Message: fmt.Sprintf(format, a...),
		Err:     err,
	}
}
