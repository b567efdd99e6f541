// config.go - Onion router configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the onion router configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/kem/schemes"

	"github.com/katzenpost/onion/core/channel"
	"github.com/katzenpost/onion/core/directory"
	"github.com/katzenpost/onion/core/log"
)

const (
	defaultLogLevel           = "NOTICE"
	defaultConnectTimeout     = 10 * 1000 // 10 sec.
	defaultHandshakeTimeout   = 10 * 1000 // 10 sec.
	defaultCircuitQueueLength = 64
	defaultMaxCircuitsPerConn = 4096
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the onion router configuration.
type Server struct {
	// Identifier is the human readable identifier for the node, as listed
	// in the directory.
	Identifier string

	// OnionKEM is the KEM scheme of the onion key.
	OnionKEM string

	// Addresses are the listener addresses, as URLs ("tcp://host:port"
	// or "quic://host:port").
	Addresses []string

	// OutgoingTransport is the transport used to extend circuits to the
	// next router, "tcp" or "quic".
	OutgoingTransport string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// DataDir is the absolute path to the router's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	id, err := directory.NormalizeIdentifier(sCfg.Identifier)
	if err != nil {
		return fmt.Errorf("config: Server: %v", err)
	}
	sCfg.Identifier = id

	if sCfg.OnionKEM == "" {
		sCfg.OnionKEM = directory.DefaultKEMScheme
	}
	if schemes.ByName(sCfg.OnionKEM) == nil {
		return fmt.Errorf("config: Server: OnionKEM '%v' is not supported", sCfg.OnionKEM)
	}

	if len(sCfg.Addresses) == 0 {
		return errors.New("config: Server: Addresses is not set")
	}
	for _, v := range sCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", channel.TransportQUIC:
		default:
			return fmt.Errorf("config: Server: Address '%v' has unsupported scheme", v)
		}
		if u.Port() == "" {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}

	switch sCfg.OutgoingTransport {
	case "":
		sCfg.OutgoingTransport = channel.TransportTCP
	case channel.TransportTCP, channel.TransportQUIC:
	default:
		return fmt.Errorf("config: Server: OutgoingTransport '%v' is invalid", sCfg.OutgoingTransport)
	}

	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(sCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Server: MetricsAddress '%v' is invalid: %v", sCfg.MetricsAddress, err)
		}
	}
	return nil
}

// LinkSpecifier returns the "host:port" other routers and proxies use to
// reach the first listener.
func (sCfg *Server) LinkSpecifier() string {
	u, err := url.Parse(sCfg.Addresses[0])
	if err != nil {
		return ""
	}
	return u.Host
}

// Exit is the exit configuration.  Routers without an Exit block refuse
// RELAY_BEGIN.
type Exit struct {
	// AllowedPorts restricts the destination ports streams may be opened
	// to.  Every port is allowed if empty.
	AllowedPorts []uint16

	// AllowPrivateAddresses allows streams to loopback and private
	// addresses.  This option should only be used for testing.
	AllowPrivateAddresses bool
}

// Allowed returns true iff the exit policy permits a stream to host:port.
func (eCfg *Exit) Allowed(host string, port uint16) bool {
	if len(eCfg.AllowedPorts) != 0 {
		ok := false
		for _, p := range eCfg.AllowedPorts {
			if p == port {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if eCfg.AllowPrivateAddresses {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast())
	}
	return !strings.EqualFold(host, "localhost")
}

// Debug is the onion router debug configuration.
type Debug struct {
	// ConnectTimeout specifies the maximum time a connection to the next
	// router or an exit destination may take to establish, in
	// milliseconds.
	ConnectTimeout int

	// HandshakeTimeout specifies the maximum time to wait for the next
	// router's CREATED2 when extending a circuit, in milliseconds.
	HandshakeTimeout int

	// CircuitQueueLength is the number of cells that may be queued for a
	// single circuit before the connection reader blocks.
	CircuitQueueLength int

	// MaxCircuitsPerConn bounds the number of circuits a single upstream
	// connection may create.
	MaxCircuitsPerConn int

	// EnableProfiling starts the pyroscope profiler, configured from the
	// PYROSCOPE_* environment variables.
	EnableProfiling bool

	// GenerateOnly halts and cleans up the router right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.CircuitQueueLength <= 0 {
		dCfg.CircuitQueueLength = defaultCircuitQueueLength
	}
	if dCfg.MaxCircuitsPerConn <= 0 {
		dCfg.MaxCircuitsPerConn = defaultMaxCircuitsPerConn
	}
}

// Logging is the onion router logging configuration.
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
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Config is the top level onion router configuration.
type Config struct {
	Server  *Server
	Exit    *Exit
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No nil buffer as config file")
	}

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

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
