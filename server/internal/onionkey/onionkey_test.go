// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package onionkey

import (
	"os"
	"path/filepath"
	"testing"

	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
)

func TestOnionKey(t *testing.T) {
	require := require.New(t)

	dataDir := t.TempDir()
	scheme := schemes.ByName("X25519")
	require.NotNil(scheme)

	k, err := New(dataDir, scheme)
	require.NoError(err, "New() initial")

	pub := k.PublicKey()
	onDisk, err := kempem.FromPublicPEMFile(filepath.Join(dataDir, PublicKeyFile), scheme)
	require.NoError(err, "public key file")
	require.True(pub.Equal(onDisk))

	var tags [][]byte
	for i := 0; i < 64; i++ {
		tag := make([]byte, TagLength)
		_, err := rand.Reader.Read(tag)
		require.NoError(err)
		tags = append(tags, tag)
		require.False(k.IsReplay(tag), "IsReplay() new: %d", i)
	}
	for i, tag := range tags {
		require.True(k.IsReplay(tag), "IsReplay() seen: %d", i)
	}
	require.True(k.IsReplay([]byte{0x01}), "IsReplay() malformed")
	k.Close()

	// Reopen, the key and the replay state must persist.
	k, err = New(dataDir, scheme)
	require.NoError(err, "New() load")
	defer k.Close()
	require.True(pub.Equal(k.PublicKey()), "reloaded public key")
	require.True(k.PrivateKey().Public().Equal(pub))
	for i, tag := range tags {
		require.True(k.IsReplay(tag), "IsReplay() reloaded: %d", i)
	}
}

func TestOnionKeySchemeMismatch(t *testing.T) {
	dataDir := t.TempDir()

	k, err := New(dataDir, schemes.ByName("X25519"))
	require.NoError(t, err)
	k.Close()

	_, err = New(dataDir, schemes.ByName("MLKEM768"))
	require.Error(t, err)
}

func TestOnionKeyBadDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "missing")
	_, err := New(dataDir, schemes.ByName("X25519"))
	require.Error(t, err)
	_, statErr := os.Stat(dataDir)
	require.True(t, os.IsNotExist(statErr))
}
