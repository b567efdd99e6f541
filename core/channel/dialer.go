// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package channel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"

	keepAliveInterval = 3 * time.Minute
)

// NetDialer is a Dialer over TCP or QUIC.
type NetDialer struct {
	// Transport is TransportTCP or TransportQUIC.
	Transport string
}

// NewDialer returns a NetDialer for the named transport.
func NewDialer(transport string) (*NetDialer, error) {
	switch transport {
	case TransportTCP, TransportQUIC:
	case "":
		transport = TransportTCP
	default:
		return nil, fmt.Errorf("channel: unsupported transport '%v'", transport)
	}
	return &NetDialer{Transport: transport}, nil
}

// Dial connects to host:port.
func (d *NetDialer) Dial(ctx context.Context, host string, port uint16) (Channel, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	var conn net.Conn
	var err error
	switch d.Transport {
	case TransportQUIC:
		conn, err = dialQUIC(ctx, addr)
	default:
		dialer := net.Dialer{KeepAlive: keepAliveInterval}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Op: "connect", Addr: addr, Err: err}
	}
	return New(conn), nil
}

// Listen starts a listener for an address URL such as "tcp://[::1]:9001"
// or "quic://127.0.0.1:9001".
func Listen(addr string) (net.Listener, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		return net.Listen(u.Scheme, u.Host)
	case TransportQUIC:
		return listenQUIC(u.Host)
	default:
		return nil, fmt.Errorf("channel: unsupported listener scheme '%v'", addr)
	}
}

// SplitLinkSpecifier splits a "host:port" link specifier.
func SplitLinkSpecifier(lspec string) (string, uint16, error) {
	host, p, err := net.SplitHostPort(lspec)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("channel: invalid port in '%v': %v", lspec, err)
	}
	return host, uint16(port), nil
}
