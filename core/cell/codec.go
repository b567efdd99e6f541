// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

type wireCell struct {
	CircID  uint32          `cbor:"CIRCID"`
	Command Command         `cbor:"CMD"`
	Payload cbor.RawMessage `cbor:"PAYLOAD"`
}

var wireCellFields = []string{"CIRCID", "CMD", "PAYLOAD"}

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   8,
	}
	if decMode, err = decOpts.DecMode(); err != nil {
		panic(err)
	}
}

// Serialize encodes a cell into its deterministic CBOR encoding.
func Serialize(c *Cell) ([]byte, error) {
	if c == nil || c.Payload == nil {
		return nil, &MalformedCellError{Field: "PAYLOAD", Expected: "payload", Got: "nothing"}
	}
	if _, err := newPayload(c.Command); err != nil {
		return nil, err
	}
	if !c.Payload.command(c.Command) {
		return nil, &MalformedCellError{
			Field:    "PAYLOAD",
			Expected: fmt.Sprintf("%v payload", c.Command),
			Got:      fmt.Sprintf("%T", c.Payload),
		}
	}
	if err := c.Payload.validate(); err != nil {
		return nil, err
	}

	rawPayload, err := encMode.Marshal(c.Payload)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(&wireCell{
		CircID:  c.CircID,
		Command: c.Command,
		Payload: rawPayload,
	})
	if err != nil {
		return nil, err
	}
	if len(b) > MaxCellLength {
		return nil, &MalformedCellError{
			Expected: fmt.Sprintf("at most %d bytes", MaxCellLength),
			Got:      fmt.Sprintf("%d bytes", len(b)),
		}
	}
	return b, nil
}

// Deserialize decodes a serialized cell.  Only the deterministic encoding
// of a well-formed cell is accepted.
func Deserialize(b []byte) (*Cell, error) {
	if len(b) > MaxCellLength {
		return nil, &MalformedCellError{
			Expected: fmt.Sprintf("at most %d bytes", MaxCellLength),
			Got:      fmt.Sprintf("%d bytes", len(b)),
		}
	}

	w := new(wireCell)
	if err := decodeStrict(b, w, wireCellFields); err != nil {
		return nil, err
	}
	p, err := newPayload(w.Command)
	if err != nil {
		return nil, err
	}
	if err := decodeStrict(w.Payload, p, p.fields()); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	c := &Cell{
		CircID:  w.CircID,
		Command: w.Command,
		Payload: p,
	}
	canonical, err := Serialize(c)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(canonical, b) {
		return nil, &MalformedCellError{Expected: "deterministic encoding", Got: "non-canonical encoding"}
	}
	return c, nil
}

// decodeStrict decodes b into v after checking every field in required is
// present, so that a missing field is reported by name.
func decodeStrict(b []byte, v interface{}, required []string) error {
	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(b, &m); err != nil {
		return malformed("", err)
	}
	for _, f := range required {
		if _, ok := m[f]; !ok {
			return &MalformedCellError{Field: f, Expected: "field", Got: "nothing"}
		}
	}
	if err := decMode.Unmarshal(b, v); err != nil {
		var typeErr *cbor.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return malformed(typeErr.StructFieldName, err)
		}
		return malformed("", err)
	}
	return nil
}

// canonicalBody re-encodes v and checks it matches b.
func canonicalBody(b []byte, v interface{}) error {
	canonical, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, b) {
		return &MalformedCellError{Field: "DATA", Expected: "deterministic encoding", Got: "non-canonical encoding"}
	}
	return nil
}
