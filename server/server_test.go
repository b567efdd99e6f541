// server_test.go - Onion router tests.
// Copyright (C) 2017  Yawning Angel.
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

package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	kempem "github.com/katzenpost/hpqc/kem/pem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/onion/client"
	cConfig "github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/server/config"
	"github.com/katzenpost/onion/server/internal/onionkey"
)

const routerConfig = `
[Server]
Identifier = %q
Addresses = [ "tcp://127.0.0.1:0" ]
DataDir = %q

[Logging]
Disable = true
Level = "DEBUG"

[Debug]
ConnectTimeout = 2000
HandshakeTimeout = 5000
GenerateOnly = %v
%s`

func loadRouterConfig(t *testing.T, id, dataDir string, generateOnly bool, extra string) *config.Config {
	cfg, err := config.Load([]byte(fmt.Sprintf(routerConfig, id, dataDir, generateOnly, extra)))
	require.NoError(t, err)
	return cfg
}

func startRouter(t *testing.T, id, extra string) *Server {
	dataDir := filepath.Join(t.TempDir(), id)
	s, err := New(loadRouterConfig(t, id, dataDir, false, extra))
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func startEcho(t *testing.T) uint16 {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(l.Addr().(*net.TCPAddr).Port)
}

func writeDirectory(t *testing.T, routers ...*Server) string {
	var buf bytes.Buffer
	for _, s := range routers {
		b, err := os.ReadFile(filepath.Join(s.cfg.Server.DataDir, NodeEntryFile))
		require.NoError(t, err)
		buf.Write(b)
		buf.WriteString("\n")
	}
	f := filepath.Join(t.TempDir(), "directory.toml")
	require.NoError(t, os.WriteFile(f, buf.Bytes(), 0600))
	return f
}

func newProxy(t *testing.T, dirFile string, path ...string) *client.Client {
	cfg, err := cConfig.Load([]byte(fmt.Sprintf(`
[Proxy]
DirectoryFile = %q
Path = [ %q, %q, %q ]

[Logging]
Disable = true

[Debug]
HandshakeTimeout = 5000
StreamTimeout = 5000
`, dirFile, path[0], path[1], path[2])))
	require.NoError(t, err)
	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestCircuitThroughRouters(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoPort := startEcho(t)
	hop1 := startRouter(t, "hop1", "")
	hop2 := startRouter(t, "hop2", "")
	hop3 := startRouter(t, "hop3", fmt.Sprintf("\n[Exit]\nAllowPrivateAddresses = true\nAllowedPorts = [ %d ]\n", echoPort))
	routers := []*Server{hop1, hop2, hop3}
	dirFile := writeDirectory(t, routers...)

	proxy := newProxy(t, dirFile, "hop1", "hop2", "hop3")
	require.Len(proxy.Directory().Nodes(), 3)
	node, err := proxy.Directory().Node("hop1")
	require.NoError(err)
	require.Equal(hop1.ListenAddrs()[0].String(), node.LinkSpecifier())

	circ, err := proxy.NewCircuit(ctx)
	require.NoError(err)
	require.Equal(client.StateHop3Keyed, circ.State())
	for _, s := range routers {
		require.Equal(1, s.NumCircuits())
	}

	connected, err := circ.SendRelayBegin(ctx, "127.0.0.1", echoPort)
	require.NoError(err)
	require.Equal("127.0.0.1", connected.Addr)
	require.Equal(client.StateStreamOpen, circ.State())

	msg := []byte("onion routed echo")
	require.NoError(circ.Write(ctx, msg))
	var got []byte
	for len(got) < len(msg) {
		b, err := circ.Read(ctx)
		require.NoError(err)
		got = append(got, b...)
	}
	require.Equal(msg, got)

	// DESTROY propagates down the whole circuit.
	proxy.CloseCircuit(circ)
	require.Eventually(func() bool {
		for _, s := range routers {
			if s.NumCircuits() != 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 10*time.Millisecond)
}

func TestNonExitRefusesBegin(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	echoPort := startEcho(t)
	routers := []*Server{startRouter(t, "hop1", ""), startRouter(t, "hop2", ""), startRouter(t, "hop3", "")}
	proxy := newProxy(t, writeDirectory(t, routers...), "hop3", "hop1", "hop2")

	circ, err := proxy.NewCircuit(ctx)
	require.NoError(err)
	_, err = circ.SendRelayBegin(ctx, "127.0.0.1", echoPort)
	require.ErrorIs(err, client.ErrStreamRefused)
	require.Equal(client.StateHop3Keyed, circ.State())
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)

	dataDir := filepath.Join(t.TempDir(), "hop1")
	_, err := New(loadRouterConfig(t, "hop1", dataDir, true, ""))
	require.ErrorIs(err, ErrGenerateOnly)
	require.FileExists(filepath.Join(dataDir, NodeEntryFile))

	scheme := schemes.ByName("X25519")
	pub, err := kempem.FromPublicPEMFile(filepath.Join(dataDir, onionkey.PublicKeyFile), scheme)
	require.NoError(err)

	// The onion key survives a restart.
	s, err := New(loadRouterConfig(t, "hop1", dataDir, false, ""))
	require.NoError(err)
	require.True(pub.Equal(s.OnionPublicKey()))
	require.Len(s.ListenAddrs(), 1)
	_, port, err := net.SplitHostPort(s.ListenAddrs()[0].String())
	require.NoError(err)
	n, err := strconv.Atoi(port)
	require.NoError(err)
	require.NotZero(n)
	s.RotateLog()
	s.Shutdown()
	s.Wait()
}

func TestInvalidDataDir(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "hop1")
	require.NoError(t, os.Mkdir(dataDir, 0755))
	require.NoError(t, os.Chmod(dataDir, 0755))
	_, err := New(loadRouterConfig(t, "hop1", dataDir, false, ""))
	require.Error(t, err)
}
