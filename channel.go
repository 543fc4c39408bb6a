package tlsecho

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SecureChannel is an encrypted, ordered byte stream
// to one peer. The Session only ever talks to this
// interface; tlsChannel (TLS over TCP) and quicChannel
// (one QUIC stream) implement it.
//
// Read returns (0, io.EOF) on orderly shutdown by the
// peer, and a *ChannelError on abrupt failure or after
// Close. Close is idempotent and may be called from any
// goroutine; an in-flight Read or Write then fails
// promptly rather than hanging.
type SecureChannel interface {
	Handshake(ctx context.Context) error
	Read(p []byte) (n int, err error)
	Write(p []byte) (n int, err error)
	SetWriteDeadline(t time.Time) error
	Close() error
	Identity() Identity
	State() ChannelState
}

// ChannelState describes what the handshake negotiated.
type ChannelState struct {
	Network           string
	Version           string
	CipherSuite       string
	HandshakeComplete bool

	// Mutual is true when the peer presented a
	// certificate that we verified.
	Mutual          bool
	PeerSubjects    []string
	PeerFingerprint string

	// PeerTag is a short base58 label for log lines;
	// "anon" without a peer certificate.
	PeerTag string
}

func stateFromTLS(network string, cs *tls.ConnectionState) (r ChannelState) {
	r.Network = network
	r.PeerTag = shortTag(nil)
	r.HandshakeComplete = cs.HandshakeComplete
	if !cs.HandshakeComplete {
		return
	}
	r.Version = tls.VersionName(cs.Version)
	r.CipherSuite = tls.CipherSuiteName(cs.CipherSuite)
	r.Mutual = len(cs.PeerCertificates) > 0
	for _, cert := range cs.PeerCertificates {
		r.PeerSubjects = append(r.PeerSubjects, cert.Subject.String())
	}
	if r.Mutual {
		r.PeerFingerprint = Fingerprint(cs.PeerCertificates[0].Raw)
		r.PeerTag = shortTag(cs.PeerCertificates[0].Raw)
	}
	return
}

// tlsChannel is TLS over a TCP connection.
type tlsChannel struct {
	conn *tls.Conn
	id   Identity

	closeOnce sync.Once
	closeErr  error

	// broken is set once a Write fails. The record
	// stream is then cut mid-record and the socket
	// buffer may be full, so Close skips close_notify.
	broken atomic.Bool
}

// newServerTLSChannel takes the server role on raw.
// Nothing is exchanged until Handshake.
func newServerTLSChannel(raw net.Conn, conf *tls.Config) *tlsChannel {
	return &tlsChannel{
		conn: tls.Server(raw, conf),
		id:   identityOf("tcp", raw.RemoteAddr()),
	}
}

// newClientTLSChannel takes the client role on raw;
// conf.RootCAs/InsecureSkipVerify is the peer
// validation policy.
func newClientTLSChannel(raw net.Conn, conf *tls.Config) *tlsChannel {
	return &tlsChannel{
		conn: tls.Client(raw, conf),
		id:   identityOf("tcp", raw.RemoteAddr()),
	}
}

func (c *tlsChannel) Identity() Identity { return c.id }

func (c *tlsChannel) Handshake(ctx context.Context) error {
	if err := c.conn.HandshakeContext(ctx); err != nil {
		return &HandshakeError{Remote: c.id, Err: err}
	}
	return nil
}

func (c *tlsChannel) Read(p []byte) (n int, err error) {
	n, err = c.conn.Read(p)
	if err != nil && err != io.EOF {
		err = &ChannelError{Op: "read", Remote: c.id, Err: err}
	}
	return
}

func (c *tlsChannel) Write(p []byte) (n int, err error) {
	n, err = c.conn.Write(p)
	if err != nil {
		c.broken.Store(true)
		err = &ChannelError{Op: "write", Remote: c.id, Err: err}
	}
	return
}

func (c *tlsChannel) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Close sends close_notify when it can, and always
// closes the TCP connection. After a failed Write the
// alert could wait up to 5s on a peer that is not
// reading, so then the TCP connection is closed
// directly. crypto/tls also skips the alert while a
// Write is in flight.
func (c *tlsChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.broken.Load() {
			c.closeErr = c.conn.NetConn().Close()
		} else {
			c.closeErr = c.conn.Close()
		}
		if errors.Is(c.closeErr, net.ErrClosed) {
			c.closeErr = nil
		}
	})
	return c.closeErr
}

func (c *tlsChannel) State() ChannelState {
	cs := c.conn.ConnectionState()
	return stateFromTLS("tcp", &cs)
}

// isDeadline reports a write that timed out on its deadline.
func isDeadline(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
