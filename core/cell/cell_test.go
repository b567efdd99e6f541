// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package cell

import (
	"bytes"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

var testDigestKey = bytes.Repeat([]byte{0x42}, 32)

func roundTrip(t *testing.T, c *Cell) *Cell {
	require := require.New(t)

	b, err := Serialize(c)
	require.NoError(err)
	c2, err := Deserialize(b)
	require.NoError(err)
	require.Equal(c, c2)

	b2, err := Serialize(c2)
	require.NoError(err)
	require.Equal(b, b2)
	return c2
}

func TestCreateCells(t *testing.T) {
	require := require.New(t)

	skin := []byte("onion skin bytes")
	c := BuildCreateCell(HandshakeNtor, skin, 0x7fff0001)
	c2 := roundTrip(t, c)

	p, err := ParseCreateCell(c2)
	require.NoError(err)
	require.Equal(HandshakeNtor, p.HType)
	require.Equal(uint16(len(skin)), p.HLen)
	require.Equal(skin, p.HData)

	created := BuildCreatedCell([]byte("reply"), 0x7fff0001)
	roundTrip(t, created)

	// A CREATED2 is not a CREATE2.
	_, err = ParseCreateCell(created)
	require.ErrorIs(err, ErrMalformedCell)
	var mErr *MalformedCellError
	require.True(errors.As(err, &mErr))
	require.Equal("CMD", mErr.Field)
}

func TestExtendCells(t *testing.T) {
	require := require.New(t)

	c, err := BuildExtendCell(RelayExtend2, HandshakeNtor, []byte("skin"), 9, "127.0.0.1:9002", testDigestKey)
	require.NoError(err)
	require.Equal(CmdRelayEarly, c.Command)
	c2 := roundTrip(t, c)

	body, err := ParseExtendCell(c2)
	require.NoError(err)
	require.Equal("127.0.0.1:9002", body.LSpec)
	require.Equal([]byte("skin"), body.HData)

	p, err := RelayPayloadOf(c2)
	require.NoError(err)
	require.True(p.Verify(testDigestKey))
	require.False(p.Verify(bytes.Repeat([]byte{0x43}, 32)))

	created := BuildCreatedCell([]byte("created reply"), 9)
	ext, err := BuildExtendedCellFromCreatedCell(RelayExtended2, 9, created, testDigestKey)
	require.NoError(err)
	roundTrip(t, ext)
	extBody, err := ParseExtendedCell(ext)
	require.NoError(err)
	require.Equal([]byte("created reply"), extBody.HData)

	// Not a CREATED2.
	_, err = BuildExtendedCellFromCreatedCell(RelayExtended2, 9, c, testDigestKey)
	require.ErrorIs(err, ErrMalformedCell)

	// Bad link specifier.
	_, err = BuildExtendCell(RelayExtend2, HandshakeNtor, []byte("skin"), 9, "no port here", testDigestKey)
	require.ErrorIs(err, ErrMalformedCell)
}

func TestStreamCells(t *testing.T) {
	require := require.New(t)

	flags := BeginFlags{IPv6OK: true}
	begin, err := BuildBeginCell(3, 1, "example.org:80", flags, testDigestKey)
	require.NoError(err)
	begin2 := roundTrip(t, begin)
	bb, err := ParseBeginCell(begin2)
	require.NoError(err)
	require.Equal("example.org:80", bb.AddrPort)
	require.Equal(flags, bb.Flags)

	// A BEGIN is not an EXTEND.
	_, err = ParseExtendCell(begin2)
	require.ErrorIs(err, ErrMalformedCell)

	connected, err := BuildConnectedCell(3, 1, "93.184.216.34", 300, testDigestKey)
	require.NoError(err)
	cb, err := ParseRelayConnectedCell(roundTrip(t, connected))
	require.NoError(err)
	require.Equal(uint32(300), cb.TTL)

	data, err := BuildDataCell(3, 1, []byte("GET / HTTP/1.0\r\n\r\n"), nil)
	require.NoError(err)
	p, err := RelayPayloadOf(roundTrip(t, data))
	require.NoError(err)
	require.Zero(p.Recognized)
	require.False(p.Verify(testDigestKey))

	end, err := BuildEndCell(3, 1, EndDone, testDigestKey)
	require.NoError(err)
	eb, err := ParseEndCell(roundTrip(t, end))
	require.NoError(err)
	require.Equal(EndDone, eb.Reason)

	destroy := BuildDestroyCell(3, DestroyRequested)
	db, err := ParseDestroyCell(roundTrip(t, destroy))
	require.NoError(err)
	require.Equal(DestroyRequested, db.Reason)

	roundTrip(t, &Cell{CircID: 0, Command: CmdPadding, Payload: &PaddingPayload{}})
}

func TestParseRelayBody(t *testing.T) {
	require := require.New(t)

	c, err := BuildBeginCell(3, 1, "example.org:443", BeginFlags{}, nil)
	require.NoError(err)
	p, err := RelayPayloadOf(c)
	require.NoError(err)
	body, err := ParseRelayBody(p)
	require.NoError(err)
	require.IsType(&BeginBody{}, body)

	p.RelayCommand = RelayCommand(99)
	require.False(p.RelayCommand.Valid())
	_, err = ParseRelayBody(p)
	require.ErrorIs(err, ErrUnknownCommand)
}

func TestDeserializeRejects(t *testing.T) {
	em, err := cbor.EncOptions{}.EncMode()
	require.NoError(t, err)

	payload, err := encMode.Marshal(&DestroyPayload{Reason: DestroyProtocol})
	require.NoError(t, err)

	t.Run("non-canonical", func(t *testing.T) {
		type unsorted struct {
			Payload cbor.RawMessage `cbor:"PAYLOAD"`
			Command Command         `cbor:"CMD"`
			CircID  uint32          `cbor:"CIRCID"`
		}
		b, err := em.Marshal(&unsorted{Payload: payload, Command: CmdDestroy, CircID: 5})
		require.NoError(t, err)
		_, err = Deserialize(b)
		require.ErrorIs(t, err, ErrMalformedCell)
	})

	t.Run("missing field", func(t *testing.T) {
		b, err := encMode.Marshal(map[string]interface{}{"CIRCID": 5, "CMD": CmdDestroy})
		require.NoError(t, err)
		_, err = Deserialize(b)
		var mErr *MalformedCellError
		require.True(t, errors.As(err, &mErr))
		require.Equal(t, "PAYLOAD", mErr.Field)
	})

	t.Run("unknown field", func(t *testing.T) {
		b, err := encMode.Marshal(map[string]interface{}{
			"CIRCID":  5,
			"CMD":     CmdDestroy,
			"PAYLOAD": cbor.RawMessage(payload),
			"EXTRA":   1,
		})
		require.NoError(t, err)
		_, err = Deserialize(b)
		require.ErrorIs(t, err, ErrMalformedCell)
	})

	t.Run("unknown command", func(t *testing.T) {
		b, err := encMode.Marshal(map[string]interface{}{
			"CIRCID":  5,
			"CMD":     200,
			"PAYLOAD": cbor.RawMessage(payload),
		})
		require.NoError(t, err)
		_, err = Deserialize(b)
		require.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("inconsistent length", func(t *testing.T) {
		c := BuildCreateCell(HandshakeNtor, []byte("skin"), 1)
		c.Payload.(*Create2Payload).HLen = 99
		_, err := Serialize(c)
		require.ErrorIs(t, err, ErrMalformedCell)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := Deserialize([]byte{0xff, 0x00, 0x13})
		require.ErrorIs(t, err, ErrMalformedCell)
	})

	t.Run("payload mismatch", func(t *testing.T) {
		_, err := Serialize(&Cell{CircID: 1, Command: CmdCreate2, Payload: &DestroyPayload{}})
		require.ErrorIs(t, err, ErrMalformedCell)
	})
}
