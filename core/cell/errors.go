// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCell is the error matched by every *MalformedCellError.
	ErrMalformedCell = errors.New("cell: malformed cell")

	// ErrUnknownCommand is the error matched by every *UnknownCommandError.
	ErrUnknownCommand = errors.New("cell: unknown command")

	// ErrNoDigestKey is returned when sealing a relay payload without a key.
	ErrNoDigestKey = errors.New("cell: no digest key")
)

// MalformedCellError is returned when a cell or relay body is not
// well-formed, or carries a different command than the one expected.
type MalformedCellError struct {
	Field    string
	Expected string
	Got      string
	Err      error
}

func (e *MalformedCellError) Error() string {
	var b strings.Builder
	b.WriteString(ErrMalformedCell.Error())
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Expected != "" || e.Got != "" {
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Got)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *MalformedCellError) Is(target error) bool {
	return target == ErrMalformedCell
}

func (e *MalformedCellError) Unwrap() error {
	return e.Err
}

// UnknownCommandError is returned for a cell command or relay command
// outside the known set.
type UnknownCommandError struct {
	Command      Command
	RelayCommand RelayCommand
	Relay        bool
}

func (e *UnknownCommandError) Error() string {
	if e.Relay {
		return fmt.Sprintf("%v: %v", ErrUnknownCommand, e.RelayCommand)
	}
	return fmt.Sprintf("%v: %v", ErrUnknownCommand, e.Command)
}

func (e *UnknownCommandError) Is(target error) bool {
	return target == ErrUnknownCommand
}

func malformed(field string, err error) error {
	var m *MalformedCellError
	if errors.As(err, &m) {
		return err
	}
	return &MalformedCellError{Field: field, Err: err}
}

func wrongCommand(expected, got fmt.Stringer) error {
	return &MalformedCellError{Field: "CMD", Expected: expected.String(), Got: got.String()}
}
