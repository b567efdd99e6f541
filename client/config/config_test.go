// config_test.go - Onion proxy configuration tests.
// Copyright (C) 2018  Yawning Angel, David Stainton.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/core/cell"
)

func TestConfig(t *testing.T) {
	require := require.New(t)

	cfg, err := Load([]byte(`
[Proxy]
DirectoryFile = "directory.toml"
`))
	require.NoError(err)
	require.Equal(HandshakeNtor, cfg.Proxy.Handshake)
	require.Equal(cell.HandshakeNtor, cfg.Proxy.HandshakeType())
	require.Equal("tcp", cfg.Proxy.Transport)
	require.Equal("NOTICE", cfg.Logging.Level)
	require.Equal(10*time.Second, cfg.Debug.HandshakeTimeoutDuration())
	require.Equal(30*time.Second, cfg.Debug.StreamTimeoutDuration())
	require.Equal("directory.toml", cfg.DirectoryPath())

	p := cfg.Debug.RetryPolicy()
	require.Equal(defaultRetryAttempts, p.MaxAttempts)
	require.Equal(250*time.Millisecond, p.BaseDelay)

	dir := t.TempDir()
	f := filepath.Join(dir, "proxy.toml")
	require.NoError(os.WriteFile(f, []byte(`
[Proxy]
DirectoryFile = "directory.toml"
Path = [ "Hop1", "hop2", "hop3" ]
Handshake = "TAP"
Transport = "quic"

[Logging]
Level = "debug"

[Debug]
ConnectTimeout = 1500
RetryAttempts = 5
`), 0600))
	cfg, err = LoadFile(f)
	require.NoError(err)
	require.Equal([]string{"hop1", "hop2", "hop3"}, cfg.Proxy.Path)
	require.Equal(cell.HandshakeTAP, cfg.Proxy.HandshakeType())
	require.Equal("quic", cfg.Proxy.Transport)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(1500*time.Millisecond, cfg.Debug.ConnectTimeoutDuration())
	require.Equal(5, cfg.Debug.RetryPolicy().MaxAttempts)
	require.Equal(filepath.Join(dir, "directory.toml"), cfg.DirectoryPath())
}

func TestInvalidConfig(t *testing.T) {
	for name, body := range map[string]string{
		"no proxy block": `
[Logging]
Level = "DEBUG"
`,
		"no directory": `
[Proxy]
Handshake = "ntor"
`,
		"short path": `
[Proxy]
DirectoryFile = "directory.toml"
Path = [ "hop1", "hop2" ]
`,
		"bad handshake": `
[Proxy]
DirectoryFile = "directory.toml"
Handshake = "noise"
`,
		"bad transport": `
[Proxy]
DirectoryFile = "directory.toml"
Transport = "udp"
`,
		"bad level": `
[Proxy]
DirectoryFile = "directory.toml"

[Logging]
Level = "LOUD"
`,
		"undecoded key": `
[Proxy]
DirectoryFile = "directory.toml"
Hops = 4
`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load([]byte(body))
			require.Error(t, err)
		})
	}
}
