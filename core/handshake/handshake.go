// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/onion/core/cell"
)

const (
	ntorProtoID = "katzenpost-onion-ntor-x25519-kem-blake2b-1"
	tapProtoID  = "katzenpost-onion-tap-x25519-kem-chacha20poly1305-1"

	authLength = KeyLength
)

// Supported returns true iff htype is a handshake type this package
// implements.
func Supported(htype cell.HandshakeType) bool {
	return htype == cell.HandshakeNtor || htype == cell.HandshakeTAP
}

// ReplayTag returns the tag under which a CREATE2 onion skin is recorded
// in a router's replay filter.
func ReplayTag(p *cell.Create2Payload) [32]byte {
	b := make([]byte, 2, 2+len(p.HData))
	binary.BigEndian.PutUint16(b, uint16(p.HType))
	return hash.Sum256(append(b, p.HData...))
}

// ClientHandshake is the onion proxy side of a single hop handshake.
type ClientHandshake struct {
	htype    cell.HandshakeType
	onionKey kem.PublicKey
	keypair  *Keypair

	kemCT []byte
	kemSS []byte

	onionSkin []byte
	done      bool
}

// NewClientHandshake generates a fresh ephemeral key pair and the onion
// skin for a hop whose onion key is onionKey.
func NewClientHandshake(htype cell.HandshakeType, onionKey kem.PublicKey) (*ClientHandshake, error) {
	if !Supported(htype) {
		return nil, newError(StageOnionSkin, nil, "unsupported handshake type %v", htype)
	}
	if onionKey == nil {
		return nil, newError(StageOnionSkin, nil, "no onion key")
	}

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, newError(StageOnionSkin, err, "failed to generate ephemeral key")
	}
	ct, ss, err := onionKey.Scheme().Encapsulate(onionKey)
	if err != nil {
		kp.Reset()
		return nil, newError(StageOnionSkin, err, "failed to encapsulate to onion key")
	}

	h := &ClientHandshake{
		htype:    htype,
		onionKey: onionKey,
		keypair:  kp,
		kemCT:    ct,
		kemSS:    ss,
	}
	switch htype {
	case cell.HandshakeNtor:
		h.onionSkin = append(kp.PublicBytes(), ct...)
	case cell.HandshakeTAP:
		sealed, err := tapSeal(ss, ct, kp.PublicBytes())
		if err != nil {
			h.Reset()
			return nil, newError(StageOnionSkin, err, "failed to seal onion skin")
		}
		h.onionSkin = append(append([]byte{}, ct...), sealed...)
	}
	return h, nil
}

// Type returns the handshake type.
func (h *ClientHandshake) Type() cell.HandshakeType {
	return h.htype
}

// OnionSkin returns the HDATA to send in a CREATE2 or EXTEND2.
func (h *ClientHandshake) OnionSkin() []byte {
	return h.onionSkin
}

// ProcessCreatedCell completes the handshake from the reply carried in a
// CREATED2 cell on circuit circID.
func (h *ClientHandshake) ProcessCreatedCell(c *cell.Cell, circID uint32) (*SessionKey, error) {
	if c.CircID != circID {
		return nil, newError(StageReply, nil, "reply for circuit %d, expected %d", c.CircID, circID)
	}
	p, err := cell.ParseCreatedCell(c)
	if err != nil {
		return nil, newError(StageReply, err, "invalid CREATED2")
	}
	return h.complete(p.HData)
}

// ProcessExtendedCell completes the handshake from the reply carried in a
// RELAY_EXTENDED2 cell on circuit circID.
func (h *ClientHandshake) ProcessExtendedCell(c *cell.Cell, circID uint32) (*SessionKey, error) {
	if c.CircID != circID {
		return nil, newError(StageReply, nil, "reply for circuit %d, expected %d", c.CircID, circID)
	}
	b, err := cell.ParseExtendedCell(c)
	if err != nil {
		return nil, newError(StageReply, err, "invalid EXTENDED2")
	}
	return h.complete(b.HData)
}

// Reset wipes the ephemeral secrets.  It is called once the handshake
// completes, successfully or not.
func (h *ClientHandshake) Reset() {
	h.keypair.Reset()
	clear(h.kemSS)
	h.done = true
}

func (h *ClientHandshake) complete(reply []byte) (*SessionKey, error) {
	if h.done {
		return nil, newError(StageReply, nil, "handshake already completed")
	}
	defer h.Reset()

	pubLen := nikeScheme.PublicKeySize()
	if len(reply) != pubLen+authLength {
		return nil, newError(StageReply, nil, "reply is %d bytes, expected %d", len(reply), pubLen+authLength)
	}
	y, auth := reply[:pubLen], reply[pubLen:]

	dh, err := SharedSecret(h.keypair, y)
	if err != nil {
		return nil, err
	}
	defer clear(dh)

	var kh *[KeyLength]byte
	var key *SessionKey
	var expected []byte
	switch h.htype {
	case cell.HandshakeNtor:
		b, err := h.onionKey.MarshalBinary()
		if err != nil {
			return nil, newError(StageReply, err, "failed to serialize onion key")
		}
		t := ntorTranscript(h.keypair.PublicBytes(), y, b, h.kemCT)
		if kh, key, err = ntorKeys(dh, h.kemSS, t); err != nil {
			return nil, newError(StageReply, err, "key derivation failed")
		}
		expected = mac(kh[:], t, []byte("server"))
	case cell.HandshakeTAP:
		if kh, key, err = expandKeys(dh, nil, []byte(tapProtoID)); err != nil {
			return nil, newError(StageReply, err, "key derivation failed")
		}
		expected = kh[:]
	}

	if !hmac.Equal(expected, auth) {
		key.Reset()
		return nil, newError(StageAuth, nil, "reply authenticator mismatch")
	}
	return key, nil
}

// ServerHandshake is the onion router side of a single hop handshake.
type ServerHandshake struct {
	htype     cell.HandshakeType
	onionKey  kem.PrivateKey
	peer      []byte
	kemCT     []byte
	kemSS     []byte
	responded bool
}

// ProcessCreateCell recovers the initiator's ephemeral public key from a
// CREATE2 cell using the router's onion private key.
func ProcessCreateCell(c *cell.Cell, onionKey kem.PrivateKey) ([]byte, *ServerHandshake, error) {
	p, err := cell.ParseCreateCell(c)
	if err != nil {
		return nil, nil, newError(StageOnionSkin, err, "invalid CREATE2")
	}
	return NewServerHandshake(p.HType, p.HData, onionKey)
}

// NewServerHandshake recovers the initiator's ephemeral public key from
// raw handshake data of the given type.
func NewServerHandshake(htype cell.HandshakeType, hdata []byte, onionKey kem.PrivateKey) ([]byte, *ServerHandshake, error) {
	if !Supported(htype) {
		return nil, nil, newError(StageOnionSkin, nil, "unsupported handshake type %v", htype)
	}
	scheme := onionKey.Scheme()
	ctLen := scheme.CiphertextSize()
	pubLen := nikeScheme.PublicKeySize()

	h := &ServerHandshake{
		htype:    htype,
		onionKey: onionKey,
	}
	switch htype {
	case cell.HandshakeNtor:
		if len(hdata) != pubLen+ctLen {
			return nil, nil, newError(StageOnionSkin, nil, "onion skin is %d bytes, expected %d", len(hdata), pubLen+ctLen)
		}
		h.peer = append([]byte{}, hdata[:pubLen]...)
		h.kemCT = append([]byte{}, hdata[pubLen:]...)
	case cell.HandshakeTAP:
		if len(hdata) != ctLen+pubLen+chacha20poly1305.Overhead {
			return nil, nil, newError(StageOnionSkin, nil, "onion skin is %d bytes, expected %d", len(hdata), ctLen+pubLen+chacha20poly1305.Overhead)
		}
		h.kemCT = append([]byte{}, hdata[:ctLen]...)
	}

	ss, err := scheme.Decapsulate(onionKey, h.kemCT)
	if err != nil {
		return nil, nil, newError(StageDecapsulate, err, "failed to decapsulate onion skin")
	}
	h.kemSS = ss

	if htype == cell.HandshakeTAP {
		peer, err := tapOpen(ss, h.kemCT, hdata[ctLen:])
		if err != nil {
			h.Reset()
			return nil, nil, newError(StageDecrypt, err, "failed to open onion skin")
		}
		h.peer = peer
	}
	if _, err := nikeScheme.UnmarshalBinaryPublicKey(h.peer); err != nil {
		h.Reset()
		return nil, nil, newError(StagePeerKey, err, "invalid initiator public key")
	}
	return append([]byte{}, h.peer...), h, nil
}

// Type returns the handshake type.
func (h *ServerHandshake) Type() cell.HandshakeType {
	return h.htype
}

// Respond generates the router's ephemeral key pair, and returns the
// reply HDATA for the CREATED2 cell and the router's session key.  The
// ephemeral private key does not outlive the call.
func (h *ServerHandshake) Respond() ([]byte, *SessionKey, error) {
	if h.responded {
		return nil, nil, newError(StageRespond, nil, "handshake already answered")
	}
	defer h.Reset()

	kp, err := GenerateKeypair()
	if err != nil {
		return nil, nil, newError(StageRespond, err, "failed to generate ephemeral key")
	}
	defer kp.Reset()

	dh, err := SharedSecret(kp, h.peer)
	if err != nil {
		return nil, nil, err
	}
	defer clear(dh)

	y := kp.PublicBytes()
	switch h.htype {
	case cell.HandshakeNtor:
		b, err := h.onionKey.Public().MarshalBinary()
		if err != nil {
			return nil, nil, newError(StageRespond, err, "failed to serialize onion key")
		}
		t := ntorTranscript(h.peer, y, b, h.kemCT)
		kh, key, err := ntorKeys(dh, h.kemSS, t)
		if err != nil {
			return nil, nil, newError(StageRespond, err, "key derivation failed")
		}
		return append(y, mac(kh[:], t, []byte("server"))...), key, nil
	default:
		kh, key, err := expandKeys(dh, nil, []byte(tapProtoID))
		if err != nil {
			return nil, nil, newError(StageRespond, err, "key derivation failed")
		}
		return append(y, kh[:]...), key, nil
	}
}

// Reset wipes the handshake secrets.
func (h *ServerHandshake) Reset() {
	clear(h.kemSS)
	h.responded = true
}

func ntorTranscript(x, y, b, ct []byte) []byte {
	t := make([]byte, 0, len(x)+len(y)+len(b)+len(ct)+len(ntorProtoID))
	t = append(t, x...)
	t = append(t, y...)
	t = append(t, b...)
	t = append(t, ct...)
	return append(t, ntorProtoID...)
}

func ntorKeys(dh, ss, transcript []byte) (*[KeyLength]byte, *SessionKey, error) {
	secret := make([]byte, 0, len(dh)+len(ss))
	secret = append(append(secret, dh...), ss...)
	defer clear(secret)
	return expandKeys(secret, []byte(ntorProtoID), transcript)
}

func tapSkinKey(ss, ct []byte) ([]byte, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(newHash, ss, ct, []byte(tapProtoID+":onion_skin"))
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, err
	}
	return k, nil
}

func tapSeal(ss, ct, pub []byte) ([]byte, error) {
	k, err := tapSkinKey(ss, ct)
	if err != nil {
		return nil, err
	}
	defer clear(k)
	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, err
	}
	nonce := [chacha20poly1305.NonceSize]byte{}
	return aead.Seal(nil, nonce[:], pub, ct), nil
}

func tapOpen(ss, ct, sealed []byte) ([]byte, error) {
	k, err := tapSkinKey(ss, ct)
	if err != nil {
		return nil, err
	}
	defer clear(k)
	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, err
	}
	nonce := [chacha20poly1305.NonceSize]byte{}
	pub, err := aead.Open(nil, nonce[:], sealed, ct)
	if err != nil {
		return nil, fmt.Errorf("onion skin: %w", err)
	}
	return pub, nil
}
