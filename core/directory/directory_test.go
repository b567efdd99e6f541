// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package directory

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/katzenpost/hpqc/kem"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/stretchr/testify/require"
)

func genKey(t *testing.T) kem.PublicKey {
	pub, _, err := schemes.ByName(DefaultKEMScheme).GenerateKeyPair()
	require.NoError(t, err)
	return pub
}

func testDirectory(t *testing.T, n int) ([]byte, []kem.PublicKey) {
	buf := new(bytes.Buffer)
	var keys []kem.PublicKey
	for i := 0; i < n; i++ {
		pub := genKey(t)
		keys = append(keys, pub)
		b, err := NewNodeEntry(fmt.Sprintf("Hop%d", i+1), fmt.Sprintf("127.0.0.1:%d", 9001+i), pub).Marshal()
		require.NoError(t, err)
		buf.Write(b)
	}
	return buf.Bytes(), keys
}

func TestLoad(t *testing.T) {
	require := require.New(t)

	b, keys := testDirectory(t, 4)
	d, err := Load(b, "")
	require.NoError(err)
	require.Len(d.Nodes(), 4)

	n, err := d.Node("HOP2")
	require.NoError(err)
	require.Equal("hop2", n.Identifier)
	require.Equal("127.0.0.1:9002", n.LinkSpecifier())
	require.True(keys[1].Equal(n.OnionKey))

	path, err := d.Path("hop1", "hop3", "hop4")
	require.NoError(err)
	require.Equal("hop4", path[2].Identifier)

	_, err = d.Path("hop1", "hop1", "hop2")
	require.Error(err)
	_, err = d.Node("hop9")
	require.ErrorIs(err, ErrUnknownNode)
}

func TestRandomPath(t *testing.T) {
	require := require.New(t)

	b, _ := testDirectory(t, 3)
	d, err := Load(b, "")
	require.NoError(err)

	for i := 0; i < 20; i++ {
		path, err := d.RandomPath(3)
		require.NoError(err)
		seen := make(map[string]bool)
		for _, n := range path {
			require.False(seen[n.Identifier])
			seen[n.Identifier] = true
		}
	}
	_, err = d.RandomPath(4)
	require.ErrorIs(err, ErrNotEnoughNodes)
}

func TestLoadFile(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	pub := genKey(t)
	require.NoError(kempem.PublicKeyToFile(filepath.Join(dir, "hop1.pem"), pub))

	f := filepath.Join(dir, "directory.toml")
	require.NoError(os.WriteFile(f, []byte(`
KEMScheme = "X25519"

[[Node]]
  Identifier = "hop1"
  Address = "bücher.example:9001"
  OnionKeyFile = "hop1.pem"
`), 0600))

	d, err := LoadFile(f)
	require.NoError(err)
	n, err := d.Node("hop1")
	require.NoError(err)
	require.Equal("xn--bcher-kva.example", n.Host)
	require.True(pub.Equal(n.OnionKey))
}

func TestLoadInvalid(t *testing.T) {
	pem := kempem.ToPublicPEMString(genKey(t))

	for name, doc := range map[string]string{
		"empty":          ``,
		"unknown scheme": "KEMScheme = \"rot13\"\n[[Node]]\nIdentifier = \"a\"\nAddress = \"127.0.0.1:1\"\nOnionKey = '''" + pem + "'''\n",
		"no key":         "[[Node]]\nIdentifier = \"a\"\nAddress = \"127.0.0.1:1\"\n",
		"bad address":    "[[Node]]\nIdentifier = \"a\"\nAddress = \"127.0.0.1\"\nOnionKey = '''" + pem + "'''\n",
		"undecoded":      "Bogus = 1\n[[Node]]\nIdentifier = \"a\"\nAddress = \"127.0.0.1:1\"\nOnionKey = '''" + pem + "'''\n",
		"duplicate": "[[Node]]\nIdentifier = \"a\"\nAddress = \"127.0.0.1:1\"\nOnionKey = '''" + pem + "'''\n" +
			"[[Node]]\nIdentifier = \"A\"\nAddress = \"127.0.0.1:2\"\nOnionKey = '''" + pem + "'''\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(doc), "")
			require.Error(t, err)
		})
	}
}
