// client.go - Onion proxy.
// Copyright (C) 2018  David Stainton.
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

// Package client provides the onion proxy: it builds 3 hop circuits
// through onion routers listed in a node directory, and opens a stream
// through the exit.
package client

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/onion/client/config"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/log"
)

// Client is an onion proxy instance.
type Client struct {
	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	dir *directory.Directory
	cm  *ConnectionManager

	circuits     map[*Circuit]struct{}
	circuitMutex sync.Mutex
	haltOnce     sync.Once
}

// GetConfig returns the client configuration
func (c *Client) GetConfig() *config.Config {
	return c.cfg
}

// GetBackendLog returns the log backend.
func (c *Client) GetBackendLog() *log.Backend {
	return c.logBackend
}

// Directory returns the node directory.
func (c *Client) Directory() *directory.Directory {
	return c.dir
}

// New creates a new Client with the provided configuration.
func New(cfg *config.Config) (*Client, error) {
	c := new(Client)
	c.cfg = cfg
	c.circuits = make(map[*Circuit]struct{})

	if err := c.initLogging(); err != nil {
		return nil, err
	}

	var err error
	if c.dir, err = directory.LoadFile(cfg.DirectoryPath()); err != nil {
		c.log.Errorf("Failed to load directory: %v", err)
		return nil, err
	}
	c.log.Noticef("Loaded %d routers, onion key scheme %v", len(c.dir.Nodes()), c.dir.Scheme().Name())

	dialer, err := channel.NewDialer(cfg.Proxy.Transport)
	if err != nil {
		return nil, err
	}
	c.cm = NewConnectionManager(cfg, dialer, c.logBackend)
	return c, nil
}

func (c *Client) initLogging() error {
	f := c.cfg.Logging.File
	if !c.cfg.Logging.Disable && c.cfg.Logging.File != "" {
		if !filepath.IsAbs(f) {
			return errors.New("log file path must be absolute path")
		}
	}

	var err error
	c.logBackend, err = log.New(f, c.cfg.Logging.Level, c.cfg.Logging.Disable)
	if err == nil {
		c.log = c.logBackend.GetLogger("client")
	}
	return err
}

// Path returns the configured path, or a fresh random one.
func (c *Client) Path() ([]*directory.Node, error) {
	if len(c.cfg.Proxy.Path) != 0 {
		return c.dir.Path(c.cfg.Proxy.Path...)
	}
	return c.dir.RandomPath(config.PathLength)
}

// NewCircuit selects a path and builds a circuit over it.  The returned
// circuit is in the HOP3_KEYED state.
func (c *Client) NewCircuit(ctx context.Context) (*Circuit, error) {
	path, err := c.Path()
	if err != nil {
		return nil, err
	}
	circ, err := c.cm.NewCircuit(path)
	if err != nil {
		return nil, err
	}
	if err = circ.Build(ctx); err != nil {
		circ.Close()
		return nil, err
	}

	c.circuitMutex.Lock()
	c.circuits[circ] = struct{}{}
	c.circuitMutex.Unlock()
	c.log.Noticef("Circuit %d built: %v -> %v -> %v", circ.ID(), path[0], path[1], path[2])
	return circ, nil
}

// CloseCircuit tears down a circuit returned by NewCircuit.
func (c *Client) CloseCircuit(circ *Circuit) {
	c.circuitMutex.Lock()
	delete(c.circuits, circ)
	c.circuitMutex.Unlock()
	circ.Close()
}

// Shutdown cleanly shuts down a given Client instance, tearing down every
// open circuit.
func (c *Client) Shutdown() {
	c.haltOnce.Do(func() { c.halt() })
}

func (c *Client) halt() {
	c.log.Noticef("Starting graceful shutdown.")
	c.circuitMutex.Lock()
	for circ := range c.circuits {
		circ.Close()
	}
	c.circuits = make(map[*Circuit]struct{})
	c.circuitMutex.Unlock()
}
