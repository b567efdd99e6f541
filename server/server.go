// server.go - Onion router.
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

// Package server provides the onion router.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/server/config"
	"github.com/katzenpost/onion/server/internal/circuit"
	"github.com/katzenpost/onion/server/internal/glue"
	"github.com/katzenpost/onion/server/internal/incoming"
	"github.com/katzenpost/onion/server/internal/instrument"
	"github.com/katzenpost/onion/server/internal/onionkey"
	"github.com/katzenpost/onion/server/internal/profiling"
)

// NodeEntryFile is the name of the directory entry written to the data
// directory, ready to be appended to the onion proxy's directory file.
const NodeEntryFile = "node.toml"

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is an onion router instance.
type Server struct {
	cfg *config.Config

	onionKey   *onionkey.OnionKey
	dispatcher *circuit.Dispatcher
	listeners  []glue.Listener
	metrics    *http.Server

	logBackend *log.Backend
	log        *logging.Logger

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config {
	return g.s.cfg
}

func (g *serverGlue) LogBackend() *log.Backend {
	return g.s.logBackend
}

func (g *serverGlue) Dispatcher() glue.Dispatcher {
	return g.s.dispatcher
}

func (g *serverGlue) Listeners() []glue.Listener {
	return g.s.listeners
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

func (s *Server) writeNodeEntry(addr string) error {
	b, err := directory.NewNodeEntry(s.cfg.Server.Identifier, addr, s.onionKey.PublicKey()).Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.cfg.Server.DataDir, NodeEntryFile), b, 0600)
}

// OnionPublicKey returns the router's onion public key.
func (s *Server) OnionPublicKey() kem.PublicKey {
	return s.onionKey.PublicKey()
}

// ListenAddrs returns the addresses the router is listening on.
func (s *Server) ListenAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// NumCircuits returns the number of circuits through the router.
func (s *Server) NumCircuits() int {
	return s.dispatcher.Table().Len()
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	// Stop accepting connections, then tear down the circuits.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}
	if s.dispatcher != nil {
		s.dispatcher.Halt()
		s.dispatcher = nil
	}
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		s.metrics.Shutdown(ctx)
		cancel()
		s.metrics = nil
	}
	if s.onionKey != nil {
		s.onionKey.Close()
		s.onionKey = nil
	}

	close(s.fatalErrCh)
	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

// New returns a new Server instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})
	goo := &serverGlue{s: s}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Noticef("Katzenpost onion router '%v'", s.cfg.Server.Identifier)
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Debug logging is enabled.")
	}

	// Initialize the onion key.
	scheme := schemes.ByName(s.cfg.Server.OnionKEM)
	if scheme == nil {
		return nil, fmt.Errorf("server: KEM scheme '%v' not found in registry", s.cfg.Server.OnionKEM)
	}
	var err error
	if s.onionKey, err = onionkey.New(s.cfg.Server.DataDir, scheme); err != nil {
		s.log.Errorf("Failed to initialize onion key: %v", err)
		return nil, err
	}
	if err = s.writeNodeEntry(s.cfg.Server.LinkSpecifier()); err != nil {
		s.onionKey.Close()
		return nil, err
	}
	s.log.Noticef("Onion key (%v) ready, directory entry written to %v", scheme.Name(), NodeEntryFile)

	if s.cfg.Debug.GenerateOnly {
		s.onionKey.Close()
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.cfg.Debug.EnableProfiling {
		if err := profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Server.Identifier); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}
	if s.cfg.Server.MetricsAddress != "" {
		s.metrics = instrument.StartPrometheusListener(s.cfg.Server.MetricsAddress, s.logBackend.GetLogger("metrics"))
	}

	// Initialize the circuit dispatcher.
	dialer, err := channel.NewDialer(s.cfg.Server.OutgoingTransport)
	if err != nil {
		return nil, err
	}
	dCfg := &circuit.Config{
		OnionKey:              s.onionKey,
		Dialer:                dialer,
		ConnectTimeout:        time.Duration(s.cfg.Debug.ConnectTimeout) * time.Millisecond,
		HandshakeTimeout:      time.Duration(s.cfg.Debug.HandshakeTimeout) * time.Millisecond,
		QueueLength:           s.cfg.Debug.CircuitQueueLength,
		MaxCircuitsPerChannel: s.cfg.Debug.MaxCircuitsPerConn,
		LogBackend:            s.logBackend,
	}
	if s.cfg.Exit != nil {
		dCfg.Exit = s.cfg.Exit
		s.log.Noticef("Exit enabled, allowed ports: %v", s.cfg.Exit.AllowedPorts)
	}
	if s.dispatcher, err = circuit.New(dCfg); err != nil {
		s.log.Errorf("Failed to initialize circuit dispatcher: %v", err)
		return nil, err
	}

	// Start up the listeners.
	for i, addr := range s.cfg.Server.Addresses {
		l, err := incoming.New(goo, i, addr)
		if err != nil {
			continue
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		s.log.Errorf("Failed to start all listeners.")
		return nil, fmt.Errorf("server: failed to start all listeners")
	}

	// An ephemeral port is only known once the first listener is up.
	if _, port, err := net.SplitHostPort(s.cfg.Server.LinkSpecifier()); err == nil && port == "0" {
		if err = s.writeNodeEntry(s.listeners[0].Addr().String()); err != nil {
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
