// quic.go - QUIC transport for onion router channels.
// Copyright (C) 2023  Masala.
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

package channel

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// quicConn carries a channel over the single bidirectional stream of a
// QUIC connection, and implements net.Conn.
type quicConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (q *quicConn) LocalAddr() net.Addr                { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr               { return q.conn.RemoteAddr() }
func (q *quicConn) SetDeadline(t time.Time) error      { return q.stream.SetDeadline(t) }
func (q *quicConn) SetReadDeadline(t time.Time) error  { return q.stream.SetReadDeadline(t) }
func (q *quicConn) SetWriteDeadline(t time.Time) error { return q.stream.SetWriteDeadline(t) }
func (q *quicConn) Read(b []byte) (int, error)         { return q.stream.Read(b) }
func (q *quicConn) Write(b []byte) (int, error)        { return q.stream.Write(b) }

// Close closes the stream and tears down the QUIC connection, as there is
// exactly one channel per connection.
func (q *quicConn) Close() error {
	err := q.stream.Close()
	q.conn.CloseWithError(0, "")
	return err
}

// quicListener implements net.Listener, yielding one net.Conn per accepted
// QUIC connection.
type quicListener struct {
	l *quic.Listener

	ctx    context.Context
	cancel context.CancelFunc
}

func (l *quicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.l.Accept(l.ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			if l.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			continue
		}
		return &quicConn{conn: conn, stream: stream}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.l.Close()
}

func listenQUIC(addr string) (net.Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	ql, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{l: ql, ctx: ctx, cancel: cancel}, nil
}

func dialQUIC(ctx context.Context, addr string) (net.Conn, error) {
	// Routers are authenticated by their onion keys during the circuit
	// handshake, not by the link certificate.
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// generateTLSConfig returns a bare-bones TLS config with an ephemeral self
// signed certificate.
func generateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	// ALPN is visible in the QUIC client and server hello, so use a
	// common protocol rather than something unique to this network.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}, nil
}
