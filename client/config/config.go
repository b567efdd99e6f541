// config.go - Onion proxy configuration.
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

// Package config implements the configuration for the onion proxy.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/onion/core/cell"
	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/log"
	"github.com/katzenpost/onion/core/retry"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultConnectTimeout   = 10 * 1000 // 10 sec.
	defaultHandshakeTimeout = 10 * 1000 // 10 sec.
	defaultStreamTimeout    = 30 * 1000 // 30 sec.
	defaultRetryAttempts    = retry.DefaultMaxAttempts
	defaultRetryBaseDelay   = 250  // 250 ms.
	defaultRetryMaxDelay    = 5000 // 5 sec.

	// PathLength is the number of hops of a circuit.
	PathLength = 3

	// HandshakeNtor and HandshakeTAP are the accepted Proxy.Handshake
	// values.
	HandshakeNtor = "ntor"
	HandshakeTAP  = "tap"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if !log.ValidLevel(lCfg.Level) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level) // Force uppercase.
	return nil
}

// Proxy is the onion proxy configuration.
type Proxy struct {
	// DirectoryFile is the path of the TOML node directory.  Relative paths
	// are resolved against the directory of the configuration file.
	DirectoryFile string

	// Path optionally pins the identifiers of the entry, middle and exit
	// routers, in that order.  If omitted a random path is selected for
	// each circuit.
	Path []string

	// Handshake is the circuit handshake, "ntor" (default) or "tap".
	Handshake string

	// Transport is the transport used to reach the entry router, "tcp"
	// or "quic".
	Transport string
}

func (pCfg *Proxy) validate() error {
	if pCfg.DirectoryFile == "" {
		return errors.New("config: Proxy: DirectoryFile is not set")
	}
	if len(pCfg.Path) != 0 {
		if len(pCfg.Path) != PathLength {
			return fmt.Errorf("config: Proxy: Path must list exactly %d routers", PathLength)
		}
		for i, v := range pCfg.Path {
			id, err := directory.NormalizeIdentifier(v)
			if err != nil {
				return fmt.Errorf("config: Proxy: Path: %v", err)
			}
			pCfg.Path[i] = id
		}
	}

	switch strings.ToLower(pCfg.Handshake) {
	case "", HandshakeNtor:
		pCfg.Handshake = HandshakeNtor
	case HandshakeTAP:
		pCfg.Handshake = HandshakeTAP
	default:
		return fmt.Errorf("config: Proxy: Handshake '%v' is invalid", pCfg.Handshake)
	}

	switch pCfg.Transport {
	case "":
		pCfg.Transport = channel.TransportTCP
	case channel.TransportTCP, channel.TransportQUIC:
	default:
		return fmt.Errorf("config: Proxy: Transport '%v' is invalid", pCfg.Transport)
	}
	return nil
}

// HandshakeType returns the cell handshake type selected by Handshake.
func (pCfg *Proxy) HandshakeType() cell.HandshakeType {
	if pCfg.Handshake == HandshakeTAP {
		return cell.HandshakeTAP
	}
	return cell.HandshakeNtor
}

// Debug is the debug configuration.  All durations are in milliseconds.
type Debug struct {
	// ConnectTimeout is the maximum time a connection attempt to the
	// entry router may take.
	ConnectTimeout int

	// HandshakeTimeout is the maximum time to wait for a CREATED2 or
	// RELAY_EXTENDED2 reply.
	HandshakeTimeout int

	// StreamTimeout is the maximum time to wait for RELAY_CONNECTED.
	StreamTimeout int

	// RetryAttempts is the number of attempts made to connect to the
	// entry router.
	RetryAttempts int

	// RetryBaseDelay and RetryMaxDelay bound the exponential backoff
	// between connection attempts.
	RetryBaseDelay int
	RetryMaxDelay  int
}

func (d *Debug) fixup() {
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = defaultConnectTimeout
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = defaultHandshakeTimeout
	}
	if d.StreamTimeout <= 0 {
		d.StreamTimeout = defaultStreamTimeout
	}
	if d.RetryAttempts <= 0 {
		d.RetryAttempts = defaultRetryAttempts
	}
	if d.RetryBaseDelay <= 0 {
		d.RetryBaseDelay = defaultRetryBaseDelay
	}
	if d.RetryMaxDelay <= 0 {
		d.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// ConnectTimeoutDuration returns ConnectTimeout as a time.Duration.
func (d *Debug) ConnectTimeoutDuration() time.Duration {
	return time.Duration(d.ConnectTimeout) * time.Millisecond
}

// HandshakeTimeoutDuration returns HandshakeTimeout as a time.Duration.
func (d *Debug) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(d.HandshakeTimeout) * time.Millisecond
}

// StreamTimeoutDuration returns StreamTimeout as a time.Duration.
func (d *Debug) StreamTimeoutDuration() time.Duration {
	return time.Duration(d.StreamTimeout) * time.Millisecond
}

// RetryPolicy returns the backoff policy for connecting to the entry
// router.
func (d *Debug) RetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = d.RetryAttempts
	p.BaseDelay = time.Duration(d.RetryBaseDelay) * time.Millisecond
	p.MaxDelay = time.Duration(d.RetryMaxDelay) * time.Millisecond
	return p
}

// Config is the top level onion proxy configuration.
type Config struct {
	Proxy   *Proxy
	Logging *Logging
	Debug   *Debug

	baseDir string
}

// DirectoryPath returns the absolute or working directory relative path
// of the node directory.
func (c *Config) DirectoryPath() string {
	if filepath.IsAbs(c.Proxy.DirectoryFile) || c.baseDir == "" {
		return c.Proxy.DirectoryFile
	}
	return filepath.Join(c.baseDir, c.Proxy.DirectoryFile)
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if c.Proxy == nil {
		return errors.New("config: No Proxy block was present")
	}
	if c.Logging == nil {
		l := defaultLogging
		c.Logging = &l
	}
	if c.Debug == nil {
		c.Debug = &Debug{}
	}
	c.Debug.fixup()

	// Validate/fixup the various sections.
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return c.Proxy.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(b)
	if err != nil {
		return nil, err
	}
	cfg.baseDir = filepath.Dir(f)
	return cfg, nil
}
