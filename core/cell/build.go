// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"fmt"
	"math"
)

// BuildCreateCell returns a CREATE2 cell carrying the initiator's onion
// skin for the given handshake type.
func BuildCreateCell(htype HandshakeType, onionSkin []byte, circID uint32) *Cell {
	return &Cell{
		CircID:  circID,
		Command: CmdCreate2,
		Payload: &Create2Payload{
			HType: htype,
			HLen:  uint16(len(onionSkin)),
			HData: onionSkin,
		},
	}
}

// BuildCreatedCell returns a CREATED2 cell carrying the responder's reply.
func BuildCreatedCell(reply []byte, circID uint32) *Cell {
	return &Cell{
		CircID:  circID,
		Command: CmdCreated2,
		Payload: &Created2Payload{
			HLen:  uint16(len(reply)),
			HData: reply,
		},
	}
}

// BuildDestroyCell returns a DESTROY cell.
func BuildDestroyCell(circID uint32, reason DestroyReason) *Cell {
	return &Cell{
		CircID:  circID,
		Command: CmdDestroy,
		Payload: &DestroyPayload{Reason: reason},
	}
}

// BuildRelayCell returns a relay cell carrying body.  If digestKey is not
// nil the payload is sealed to the hop holding that key, otherwise it is
// sent unrecognized.
func BuildRelayCell(cmd Command, rc RelayCommand, circID uint32, streamID uint16, body RelayBody, digestKey []byte) (*Cell, error) {
	if !cmd.IsRelay() {
		return nil, wrongCommand(CmdRelay, cmd)
	}
	if !body.relayCommand(rc) {
		return nil, &MalformedCellError{Field: "RELAY_CMD", Expected: fmt.Sprintf("%T", body), Got: rc.String()}
	}
	if err := body.validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(data) > math.MaxUint16 {
		return nil, &MalformedCellError{Field: "LENGTH", Expected: "at most 65535", Got: fmt.Sprintf("%d", len(data))}
	}

	p := &RelayPayload{
		RelayCommand: rc,
		StreamID:     streamID,
		Digest:       make([]byte, DigestLength),
		Length:       uint16(len(data)),
		Data:         data,
	}
	if digestKey != nil {
		if err := p.Seal(digestKey); err != nil {
			return nil, err
		}
	}
	return &Cell{CircID: circID, Command: cmd, Payload: p}, nil
}

// BuildExtendCell returns a RELAY_EARLY cell asking the hop holding
// digestKey to extend the circuit to lspec ("host:port") using the
// embedded handshake.
func BuildExtendCell(rc RelayCommand, htype HandshakeType, onionSkin []byte, circID uint32, lspec string, digestKey []byte) (*Cell, error) {
	if rc != RelayExtend2 && rc != RelayExtend {
		return nil, wrongCommand(RelayExtend2, rc)
	}
	body := &Extend2Body{
		HType: htype,
		HLen:  uint16(len(onionSkin)),
		HData: onionSkin,
		LSpec: lspec,
	}
	return BuildRelayCell(CmdRelayEarly, rc, circID, 0, body, digestKey)
}

// BuildExtendedCellFromCreatedCell wraps the reply of a CREATED2 cell
// received from the next hop into a RELAY_EXTENDED2 (or RELAY_EXTENDED) for
// the previous hop.
func BuildExtendedCellFromCreatedCell(rc RelayCommand, circID uint32, created *Cell, digestKey []byte) (*Cell, error) {
	if rc != RelayExtended2 && rc != RelayExtended {
		return nil, wrongCommand(RelayExtended2, rc)
	}
	p, err := ParseCreatedCell(created)
	if err != nil {
		return nil, err
	}
	body := &Extended2Body{
		HLen:  p.HLen,
		HData: p.HData,
	}
	return BuildRelayCell(CmdRelay, rc, circID, 0, body, digestKey)
}

// BuildBeginCell returns a RELAY_BEGIN cell opening streamID to addrPort.
func BuildBeginCell(circID uint32, streamID uint16, addrPort string, flags BeginFlags, digestKey []byte) (*Cell, error) {
	body := &BeginBody{
		AddrPort: addrPort,
		Flags:    flags,
	}
	return BuildRelayCell(CmdRelay, RelayBegin, circID, streamID, body, digestKey)
}

// BuildConnectedCell returns a RELAY_CONNECTED cell.
func BuildConnectedCell(circID uint32, streamID uint16, addr string, ttl uint32, digestKey []byte) (*Cell, error) {
	body := &ConnectedBody{
		Addr: addr,
		TTL:  ttl,
	}
	return BuildRelayCell(CmdRelay, RelayConnected, circID, streamID, body, digestKey)
}

// BuildDataCell returns a RELAY_DATA cell.
func BuildDataCell(circID uint32, streamID uint16, data []byte, digestKey []byte) (*Cell, error) {
	return BuildRelayCell(CmdRelay, RelayData, circID, streamID, &DataBody{Data: data}, digestKey)
}

// BuildEndCell returns a RELAY_END cell.
func BuildEndCell(circID uint32, streamID uint16, reason EndReason, digestKey []byte) (*Cell, error) {
	return BuildRelayCell(CmdRelay, RelayEnd, circID, streamID, &EndBody{Reason: reason}, digestKey)
}

// ParseCreateCell returns the payload of a CREATE2 cell.
func ParseCreateCell(c *Cell) (*Create2Payload, error) {
	if c.Command != CmdCreate2 {
		return nil, wrongCommand(CmdCreate2, c.Command)
	}
	p, ok := c.Payload.(*Create2Payload)
	if !ok {
		return nil, payloadMismatch(c)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseCreatedCell returns the payload of a CREATED2 cell.
func ParseCreatedCell(c *Cell) (*Created2Payload, error) {
	if c.Command != CmdCreated2 {
		return nil, wrongCommand(CmdCreated2, c.Command)
	}
	p, ok := c.Payload.(*Created2Payload)
	if !ok {
		return nil, payloadMismatch(c)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseDestroyCell returns the payload of a DESTROY cell.
func ParseDestroyCell(c *Cell) (*DestroyPayload, error) {
	if c.Command != CmdDestroy {
		return nil, wrongCommand(CmdDestroy, c.Command)
	}
	p, ok := c.Payload.(*DestroyPayload)
	if !ok {
		return nil, payloadMismatch(c)
	}
	return p, nil
}

// RelayPayloadOf returns the relay payload of a RELAY or RELAY_EARLY cell.
func RelayPayloadOf(c *Cell) (*RelayPayload, error) {
	if !c.Command.IsRelay() {
		return nil, wrongCommand(CmdRelay, c.Command)
	}
	p, ok := c.Payload.(*RelayPayload)
	if !ok {
		return nil, payloadMismatch(c)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseExtendCell returns the body of a RELAY_EXTEND2 or RELAY_EXTEND cell.
func ParseExtendCell(c *Cell) (*Extend2Body, error) {
	b := new(Extend2Body)
	if err := parseRelay(c, b, RelayExtend2); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseExtendedCell returns the body of a RELAY_EXTENDED2 or
// RELAY_EXTENDED cell.
func ParseExtendedCell(c *Cell) (*Extended2Body, error) {
	b := new(Extended2Body)
	if err := parseRelay(c, b, RelayExtended2); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseBeginCell returns the body of a RELAY_BEGIN cell.
func ParseBeginCell(c *Cell) (*BeginBody, error) {
	b := new(BeginBody)
	if err := parseRelay(c, b, RelayBegin); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseRelayConnectedCell returns the body of a RELAY_CONNECTED cell.
func ParseRelayConnectedCell(c *Cell) (*ConnectedBody, error) {
	b := new(ConnectedBody)
	if err := parseRelay(c, b, RelayConnected); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseDataCell returns the body of a RELAY_DATA cell.
func ParseDataCell(c *Cell) (*DataBody, error) {
	b := new(DataBody)
	if err := parseRelay(c, b, RelayData); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseEndCell returns the body of a RELAY_END cell.
func ParseEndCell(c *Cell) (*EndBody, error) {
	b := new(EndBody)
	if err := parseRelay(c, b, RelayEnd); err != nil {
		return nil, err
	}
	return b, nil
}

func parseRelay(c *Cell, dst RelayBody, expected RelayCommand) error {
	p, err := RelayPayloadOf(c)
	if err != nil {
		return err
	}
	if !dst.relayCommand(p.RelayCommand) {
		return &MalformedCellError{Field: "RELAY_CMD", Expected: expected.String(), Got: p.RelayCommand.String()}
	}
	if err := decodeStrict(p.Data, dst, dst.fields()); err != nil {
		return err
	}
	if err := dst.validate(); err != nil {
		return err
	}
	return canonicalBody(p.Data, dst)
}

func payloadMismatch(c *Cell) error {
	return &MalformedCellError{
		Field:    "PAYLOAD",
		Expected: fmt.Sprintf("%v payload", c.Command),
		Got:      fmt.Sprintf("%T", c.Payload),
	}
}
