// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake implements the per-hop circuit handshakes.
//
// Every hop of a circuit shares a SessionKey with the onion proxy, derived
// from an ephemeral X25519 exchange bound to the hop's long term onion
// KEM key.  Two handshake types are supported: the legacy TAP handshake
// and the authenticated ntor handshake, which is the default.
package handshake

import (
	"crypto/subtle"
	"hash"
	"io"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// KeyLength is the length of each of the symmetric session keys.
const KeyLength = 32

var nikeScheme nike.Scheme = x25519.Scheme(rand.Reader)

// NIKEScheme returns the NIKE used for the ephemeral key exchange.
func NIKEScheme() nike.Scheme {
	return nikeScheme
}

// Keypair is an ephemeral key pair, used for exactly one hop.
type Keypair struct {
	priv nike.PrivateKey
	pub  nike.PublicKey
}

// GenerateKeypair generates a fresh ephemeral key pair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := nikeScheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// Public returns the public half of the key pair.
func (k *Keypair) Public() nike.PublicKey {
	return k.pub
}

// PublicBytes returns the serialized public key.
func (k *Keypair) PublicBytes() []byte {
	return k.pub.Bytes()
}

// PrivateBytes returns the serialized private key.
func (k *Keypair) PrivateBytes() []byte {
	return k.priv.Bytes()
}

// Reset wipes the private key.
func (k *Keypair) Reset() {
	if k.priv != nil {
		k.priv.Reset()
	}
}

// SessionKey is the symmetric key material shared by the onion proxy and
// a single hop.
type SessionKey struct {
	Forward        [KeyLength]byte
	Backward       [KeyLength]byte
	ForwardDigest  [KeyLength]byte
	BackwardDigest [KeyLength]byte
}

// Equal compares two session keys in constant time.
func (k *SessionKey) Equal(other *SessionKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	eq := subtle.ConstantTimeCompare(k.Forward[:], other.Forward[:])
	eq &= subtle.ConstantTimeCompare(k.Backward[:], other.Backward[:])
	eq &= subtle.ConstantTimeCompare(k.ForwardDigest[:], other.ForwardDigest[:])
	eq &= subtle.ConstantTimeCompare(k.BackwardDigest[:], other.BackwardDigest[:])
	return eq == 1
}

// Reset wipes the key material.
func (k *SessionKey) Reset() {
	clear(k.Forward[:])
	clear(k.Backward[:])
	clear(k.ForwardDigest[:])
	clear(k.BackwardDigest[:])
}

// SharedSecret computes the Diffie-Hellman shared secret between k and
// the serialized peer public key.  SharedSecret(a, B) equals
// SharedSecret(b, A).
func SharedSecret(k *Keypair, peerPublic []byte) ([]byte, error) {
	peer, err := nikeScheme.UnmarshalBinaryPublicKey(peerPublic)
	if err != nil {
		return nil, newError(StagePeerKey, err, "invalid peer public key")
	}
	return nikeScheme.DeriveSecret(k.priv, peer), nil
}

// DeriveSessionKey applies the KDF to the shared secret between k and
// the serialized peer public key.  Both ends of an exchange derive the
// same key.
func DeriveSessionKey(k *Keypair, peerPublic []byte) (*SessionKey, error) {
	secret, err := SharedSecret(k, peerPublic)
	if err != nil {
		return nil, err
	}
	defer clear(secret)
	_, key, err := expandKeys(secret, nil, []byte(kdfInfo))
	return key, err
}

const kdfInfo = "katzenpost-onion-v1:key_expand"

func newHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

// expandKeys derives the handshake verification key followed by the
// session keys from secret.
func expandKeys(secret, salt, info []byte) (*[KeyLength]byte, *SessionKey, error) {
	r := hkdf.New(newHash, secret, salt, info)

	kh := new([KeyLength]byte)
	key := new(SessionKey)
	for _, dst := range [][]byte{kh[:], key.Forward[:], key.Backward[:], key.ForwardDigest[:], key.BackwardDigest[:]} {
		if _, err := io.ReadFull(r, dst); err != nil {
			return nil, nil, err
		}
	}
	return kh, key, nil
}

// mac computes a BLAKE2b-256 MAC keyed with key over the concatenation
// of msgs.
func mac(key []byte, msgs ...[]byte) []byte {
	h, err := blake2b.New256(key)
	if err != nil {
		panic(err)
	}
	for _, m := range msgs {
		h.Write(m)
	}
	return h.Sum(nil)
}
