// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package cell implements the onion routing cell format.
//
// A cell is a CBOR map {CIRCID, CMD, PAYLOAD}.  The payload is one of a
// closed set of concrete types selected by the command, and relay payloads
// in turn carry one of a closed set of relay bodies selected by the relay
// command.  Encoding is deterministic, and decoding only accepts the
// deterministic encoding, so a deserialized cell always re-serializes to
// the exact input bytes.
package cell

import "fmt"

const (
	// MaxCellLength is the maximum length of a serialized cell.
	MaxCellLength = 65535

	// DigestLength is the length of a relay payload digest.
	DigestLength = 4

	// RecognizedTrue is the RECOGNIZED value of a relay payload addressed
	// to a specific hop.
	RecognizedTrue = 1
)

// Command is a cell command.
type Command uint8

const (
	CmdPadding    Command = 0
	CmdRelay      Command = 3
	CmdDestroy    Command = 4
	CmdRelayEarly Command = 9
	CmdCreate2    Command = 10
	CmdCreated2   Command = 11
)

func (c Command) String() string {
	switch c {
	case CmdPadding:
		return "PADDING"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	case CmdRelayEarly:
		return "RELAY_EARLY"
	case CmdCreate2:
		return "CREATE2"
	case CmdCreated2:
		return "CREATED2"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// IsRelay returns true for RELAY and RELAY_EARLY.
func (c Command) IsRelay() bool {
	return c == CmdRelay || c == CmdRelayEarly
}

// RelayCommand is the command of a relay payload.
type RelayCommand uint8

const (
	RelayBegin     RelayCommand = 1
	RelayData      RelayCommand = 2
	RelayEnd       RelayCommand = 3
	RelayConnected RelayCommand = 4
	RelayExtend    RelayCommand = 6
	RelayExtended  RelayCommand = 7
	RelayDrop      RelayCommand = 10
	RelayExtend2   RelayCommand = 14
	RelayExtended2 RelayCommand = 15
)

func (c RelayCommand) String() string {
	switch c {
	case RelayBegin:
		return "RELAY_BEGIN"
	case RelayData:
		return "RELAY_DATA"
	case RelayEnd:
		return "RELAY_END"
	case RelayConnected:
		return "RELAY_CONNECTED"
	case RelayExtend:
		return "RELAY_EXTEND"
	case RelayExtended:
		return "RELAY_EXTENDED"
	case RelayDrop:
		return "RELAY_DROP"
	case RelayExtend2:
		return "RELAY_EXTEND2"
	case RelayExtended2:
		return "RELAY_EXTENDED2"
	default:
		return fmt.Sprintf("RelayCommand(%d)", uint8(c))
	}
}

// Valid returns true iff c is a known relay command.
func (c RelayCommand) Valid() bool {
	switch c {
	case RelayBegin, RelayData, RelayEnd, RelayConnected, RelayExtend,
		RelayExtended, RelayDrop, RelayExtend2, RelayExtended2:
		return true
	}
	return false
}

// HandshakeType identifies the circuit handshake carried in HDATA.
type HandshakeType uint16

const (
	// HandshakeTAP is the legacy handshake: the initiator's ephemeral key
	// hybrid encrypted to the onion key.
	HandshakeTAP HandshakeType = 0x0000

	// HandshakeNtor is the authenticated handshake, and the default.
	HandshakeNtor HandshakeType = 0x0002
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeTAP:
		return "TAP"
	case HandshakeNtor:
		return "ntor"
	default:
		return fmt.Sprintf("HandshakeType(0x%04x)", uint16(t))
	}
}

// DestroyReason is the reason carried by a DESTROY cell.
type DestroyReason uint8

const (
	DestroyNone          DestroyReason = 0
	DestroyProtocol      DestroyReason = 1
	DestroyInternal      DestroyReason = 2
	DestroyRequested     DestroyReason = 3
	DestroyConnectFailed DestroyReason = 6
	DestroyChannelClosed DestroyReason = 8
	DestroyTimeout       DestroyReason = 10
)

func (r DestroyReason) String() string {
	switch r {
	case DestroyNone:
		return "none"
	case DestroyProtocol:
		return "protocol"
	case DestroyInternal:
		return "internal"
	case DestroyRequested:
		return "requested"
	case DestroyConnectFailed:
		return "connect_failed"
	case DestroyChannelClosed:
		return "channel_closed"
	case DestroyTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("DestroyReason(%d)", uint8(r))
	}
}

// EndReason is the reason carried by a RELAY_END.
type EndReason uint8

const (
	EndMisc           EndReason = 1
	EndResolveFailed  EndReason = 2
	EndConnectRefused EndReason = 3
	EndExitPolicy     EndReason = 4
	EndDestroy        EndReason = 5
	EndDone           EndReason = 6
	EndTimeout        EndReason = 7
)

// Cell is a decoded cell.
type Cell struct {
	CircID  uint32
	Command Command
	Payload Payload
}

// Payload is the closed set of cell payloads.
type Payload interface {
	command(Command) bool
	fields() []string
	validate() error
}

// Create2Payload is the payload of a CREATE2 cell.
type Create2Payload struct {
	HType HandshakeType `cbor:"HTYPE"`
	HLen  uint16        `cbor:"HLEN"`
	HData []byte        `cbor:"HDATA"`
}

func (p *Create2Payload) command(c Command) bool { return c == CmdCreate2 }
func (p *Create2Payload) fields() []string     { return []string{"HTYPE", "HLEN", "HDATA"} }
func (p *Create2Payload) validate() error      { return validateHData(p.HLen, p.HData) }

// Created2Payload is the payload of a CREATED2 cell.
type Created2Payload struct {
	HLen  uint16 `cbor:"HLEN"`
	HData []byte `cbor:"HDATA"`
}

func (p *Created2Payload) command(c Command) bool { return c == CmdCreated2 }
func (p *Created2Payload) fields() []string     { return []string{"HLEN", "HDATA"} }
func (p *Created2Payload) validate() error      { return validateHData(p.HLen, p.HData) }

// RelayPayload is the payload of RELAY and RELAY_EARLY cells.  Data holds
// the CBOR encoded relay body, see ParseRelayBody.
type RelayPayload struct {
	RelayCommand RelayCommand `cbor:"RELAY_CMD"`
	Recognized   uint16       `cbor:"RECOGNIZED"`
	StreamID     uint16       `cbor:"STREAM_ID"`
	Digest       []byte       `cbor:"DIGEST"`
	Length       uint16       `cbor:"LENGTH"`
	Data         []byte       `cbor:"DATA"`
}

func (p *RelayPayload) command(c Command) bool { return c.IsRelay() }
func (p *RelayPayload) fields() []string {
	return []string{"RELAY_CMD", "RECOGNIZED", "STREAM_ID", "DIGEST", "LENGTH", "DATA"}
}

func (p *RelayPayload) validate() error {
	if len(p.Digest) != DigestLength {
		return &MalformedCellError{
			Field:    "DIGEST",
			Expected: fmt.Sprintf("%d bytes", DigestLength),
			Got:      fmt.Sprintf("%d bytes", len(p.Digest)),
		}
	}
	if int(p.Length) != len(p.Data) || len(p.Data) == 0 {
		return &MalformedCellError{
			Field:    "LENGTH",
			Expected: fmt.Sprintf("%d", len(p.Data)),
			Got:      fmt.Sprintf("%d", p.Length),
		}
	}
	return nil
}

// DestroyPayload is the payload of a DESTROY cell.
type DestroyPayload struct {
	Reason DestroyReason `cbor:"REASON"`
}

func (p *DestroyPayload) command(c Command) bool { return c == CmdDestroy }
func (p *DestroyPayload) fields() []string     { return []string{"REASON"} }
func (p *DestroyPayload) validate() error      { return nil }

// PaddingPayload is the empty payload of a PADDING cell.
type PaddingPayload struct{}

func (p *PaddingPayload) command(c Command) bool { return c == CmdPadding }
func (p *PaddingPayload) fields() []string     { return nil }
func (p *PaddingPayload) validate() error      { return nil }

func newPayload(cmd Command) (Payload, error) {
	switch cmd {
	case CmdPadding:
		return new(PaddingPayload), nil
	case CmdRelay, CmdRelayEarly:
		return new(RelayPayload), nil
	case CmdDestroy:
		return new(DestroyPayload), nil
	case CmdCreate2:
		return new(Create2Payload), nil
	case CmdCreated2:
		return new(Created2Payload), nil
	default:
		return nil, &UnknownCommandError{Command: cmd}
	}
}

func validateHData(hlen uint16, hdata []byte) error {
	if len(hdata) == 0 {
		return &MalformedCellError{Field: "HDATA", Expected: "handshake data", Got: "nothing"}
	}
	if int(hlen) != len(hdata) {
		return &MalformedCellError{
			Field:    "HLEN",
			Expected: fmt.Sprintf("%d", len(hdata)),
			Got:      fmt.Sprintf("%d", hlen),
		}
	}
	return nil
}
