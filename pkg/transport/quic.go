package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// dchatALPN is the QUIC ALPN protocol id negotiated during the TLS
// handshake. Peer authentication happens one layer up, in pkg/session's
// Noise-XX handshake over the resulting stream; the TLS certificate here
// only satisfies QUIC's requirement that every connection be encrypted,
// so it is self-signed and not validated against any CA.
const dchatALPN = "dchat/1"

// QUICBackend is the QUIC transport backend of spec §6, used for
// hole-punched and direct UDP-reachable peers.
type QUICBackend struct {
	tlsConf *tls.Config
}

// NewQUICBackend creates a QUIC Backend with a fresh ephemeral self-signed
// certificate. The certificate carries no identity of its own — it exists
// only to satisfy QUIC's mandatory TLS 1.3 layer, not to authenticate the
// peer, which is the Noise-XX handshake's job.
func NewQUICBackend() (*QUICBackend, error) {
	cert, err := generateEphemeralCert()
	if err != nil {
		return nil, fmt.Errorf("transport: generate quic certificate: %w", err)
	}
	return &QUICBackend{
		tlsConf: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			NextProtos:         []string{dchatALPN},
			InsecureSkipVerify: true,
		},
	}, nil
}

func (b *QUICBackend) Name() string { return "quic" }

func (b *QUICBackend) DialDirect(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, b.tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("transport: quic open stream to %s: %w", addr, err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (b *QUICBackend) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := quic.ListenAddr(addr, b.tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

// quicConn adapts a single QUIC stream, plus the connection it belongs to,
// into net.Conn so it can travel through the same seams (nat.Dialer,
// session.Handshake) as a plain TCP connection.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(b []byte) (int, error)  { return c.stream.Read(b) }
func (c *quicConn) Write(b []byte) (int, error) { return c.stream.Write(b) }

func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// generateEphemeralCert creates a throwaway self-signed TLS certificate
// for a single process's lifetime.
func generateEphemeralCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "dchat"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}
