// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"crypto/hmac"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2b"
)

// RelayBody is the closed set of relay bodies carried in RelayPayload.Data.
type RelayBody interface {
	relayCommand(RelayCommand) bool
	fields() []string
	validate() error
}

// Extend2Body is the body of RELAY_EXTEND2, and of the legacy RELAY_EXTEND.
type Extend2Body struct {
	HType HandshakeType `cbor:"HTYPE"`
	HLen  uint16        `cbor:"HLEN"`
	HData []byte        `cbor:"HDATA"`
	LSpec string        `cbor:"LSPEC"`
}

func (b *Extend2Body) relayCommand(c RelayCommand) bool {
	return c == RelayExtend2 || c == RelayExtend
}
func (b *Extend2Body) fields() []string { return []string{"HTYPE", "HLEN", "HDATA", "LSPEC"} }
func (b *Extend2Body) validate() error {
	if err := validateHData(b.HLen, b.HData); err != nil {
		return err
	}
	return validateAddrPort("LSPEC", b.LSpec)
}

// Extended2Body is the body of RELAY_EXTENDED2 and RELAY_EXTENDED.
type Extended2Body struct {
	HLen  uint16 `cbor:"HLEN"`
	HData []byte `cbor:"HDATA"`
}

func (b *Extended2Body) relayCommand(c RelayCommand) bool {
	return c == RelayExtended2 || c == RelayExtended
}
func (b *Extended2Body) fields() []string { return []string{"HLEN", "HDATA"} }
func (b *Extended2Body) validate() error  { return validateHData(b.HLen, b.HData) }

// BeginFlags are the address family preferences of a RELAY_BEGIN.
type BeginFlags struct {
	IPv6Pref  bool `cbor:"IPV6_PREF"`
	IPv4NotOK bool `cbor:"IPV4_NOT_OK"`
	IPv6OK    bool `cbor:"IPV6_OK"`
}

// BeginBody is the body of RELAY_BEGIN.
type BeginBody struct {
	AddrPort string     `cbor:"ADDRPORT"`
	Flags    BeginFlags `cbor:"FLAGS"`
}

func (b *BeginBody) relayCommand(c RelayCommand) bool { return c == RelayBegin }
func (b *BeginBody) fields() []string                 { return []string{"ADDRPORT", "FLAGS"} }
func (b *BeginBody) validate() error                  { return validateAddrPort("ADDRPORT", b.AddrPort) }

// ConnectedBody is the body of RELAY_CONNECTED.
type ConnectedBody struct {
	Addr string `cbor:"ADDR"`
	TTL  uint32 `cbor:"TTL"`
}

func (b *ConnectedBody) relayCommand(c RelayCommand) bool { return c == RelayConnected }
func (b *ConnectedBody) fields() []string                 { return []string{"ADDR", "TTL"} }
func (b *ConnectedBody) validate() error                  { return nil }

// DataBody is the body of RELAY_DATA.
type DataBody struct {
	Data []byte `cbor:"DATA"`
}

func (b *DataBody) relayCommand(c RelayCommand) bool { return c == RelayData }
func (b *DataBody) fields() []string                 { return []string{"DATA"} }
func (b *DataBody) validate() error {
	if len(b.Data) == 0 {
		return &MalformedCellError{Field: "DATA", Expected: "stream data", Got: "nothing"}
	}
	return nil
}

// EndBody is the body of RELAY_END.
type EndBody struct {
	Reason EndReason `cbor:"REASON"`
}

func (b *EndBody) relayCommand(c RelayCommand) bool { return c == RelayEnd }
func (b *EndBody) fields() []string                 { return []string{"REASON"} }
func (b *EndBody) validate() error                  { return nil }

// DropBody is the empty body of RELAY_DROP.
type DropBody struct{}

func (b *DropBody) relayCommand(c RelayCommand) bool { return c == RelayDrop }
func (b *DropBody) fields() []string                 { return nil }
func (b *DropBody) validate() error                  { return nil }

// ParseRelayBody decodes the body of a relay payload according to its
// relay command.
func ParseRelayBody(p *RelayPayload) (RelayBody, error) {
	var body RelayBody
	switch p.RelayCommand {
	case RelayBegin:
		body = new(BeginBody)
	case RelayData:
		body = new(DataBody)
	case RelayEnd:
		body = new(EndBody)
	case RelayConnected:
		body = new(ConnectedBody)
	case RelayExtend, RelayExtend2:
		body = new(Extend2Body)
	case RelayExtended, RelayExtended2:
		body = new(Extended2Body)
	case RelayDrop:
		body = new(DropBody)
	default:
		return nil, &UnknownCommandError{RelayCommand: p.RelayCommand, Relay: true}
	}

	if err := decodeStrict(p.Data, body, body.fields()); err != nil {
		return nil, err
	}
	if err := body.validate(); err != nil {
		return nil, err
	}
	if err := canonicalBody(p.Data, body); err != nil {
		return nil, err
	}
	return body, nil
}

type digestView struct {
	RelayCommand RelayCommand `cbor:"RELAY_CMD"`
	StreamID     uint16       `cbor:"STREAM_ID"`
	Length       uint16       `cbor:"LENGTH"`
	Data         []byte       `cbor:"DATA"`
}

func (p *RelayPayload) mac(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrNoDigestKey
	}
	b, err := encMode.Marshal(&digestView{
		RelayCommand: p.RelayCommand,
		StreamID:     p.StreamID,
		Length:       p.Length,
		Data:         p.Data,
	})
	if err != nil {
		return nil, err
	}
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write(b)
	return h.Sum(nil)[:DigestLength], nil
}

// Seal marks the payload as addressed to the hop holding key, by setting
// RECOGNIZED and computing DIGEST as a keyed BLAKE2b over the relay header
// and body.
func (p *RelayPayload) Seal(key []byte) error {
	d, err := p.mac(key)
	if err != nil {
		return err
	}
	p.Recognized = RecognizedTrue
	p.Digest = d
	return nil
}

// Verify returns true iff the payload is RECOGNIZED and its digest was
// computed under key.
func (p *RelayPayload) Verify(key []byte) bool {
	if p.Recognized == 0 || len(p.Digest) != DigestLength {
		return false
	}
	d, err := p.mac(key)
	if err != nil {
		return false
	}
	return hmac.Equal(d, p.Digest)
}

func validateAddrPort(field, s string) error {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return &MalformedCellError{Field: field, Expected: "host:port", Got: fmt.Sprintf("%q", s), Err: err}
	}
	if host == "" || port == "" {
		return &MalformedCellError{Field: field, Expected: "host:port", Got: fmt.Sprintf("%q", s)}
	}
	return nil
}
