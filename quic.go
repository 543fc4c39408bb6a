package tlsecho

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is offered by both ends; QUIC refuses
// to handshake without an agreed protocol.
const quicALPN = "tlsecho"

// quicChannel carries the echo stream over the first
// bidirectional stream of a QUIC connection.
type quicChannel struct {
	conn     quic.EarlyConnection
	id       Identity
	isClient bool

	// transport is non-nil when we dialed it ourselves
	// and so must close it along with conn.
	transport *quic.Transport

	// ctx is cancelled by Close so a server blocked
	// in AcceptStream gives up.
	ctx    context.Context
	cancel context.CancelFunc

	mut    sync.Mutex
	stream quic.Stream

	closeOnce sync.Once
}

func newQUICChannel(conn quic.EarlyConnection, isClient bool) *quicChannel {
	ctx, cancel := context.WithCancel(context.Background())
	return &quicChannel{
		conn:     conn,
		id:       identityOf("quic", conn.RemoteAddr()),
		isClient: isClient,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (q *quicChannel) Identity() Identity { return q.id }

// Handshake waits for the 1-RTT handshake to finish.
// The client then opens its stream. The server defers
// AcceptStream to the first Read, since the stream is
// invisible to it until the client sends.
func (q *quicChannel) Handshake(ctx context.Context) error {
	select {
	case <-q.conn.HandshakeComplete():
	case <-q.conn.Context().Done():
		return &HandshakeError{Remote: q.id, Err: context.Cause(q.conn.Context())}
	case <-ctx.Done():
		return &HandshakeError{Remote: q.id, Err: ctx.Err()}
	case <-q.ctx.Done():
		return &HandshakeError{Remote: q.id, Err: net.ErrClosed}
	}
	if !q.isClient {
		return nil
	}
	stream, err := q.conn.OpenStreamSync(ctx)
	if err != nil {
		return &HandshakeError{Remote: q.id, Err: err}
	}
	q.mut.Lock()
	q.stream = stream
	q.mut.Unlock()
	return nil
}

func (q *quicChannel) getStream(op string) (quic.Stream, error) {
	q.mut.Lock()
	stream := q.stream
	q.mut.Unlock()
	if stream != nil {
		return stream, nil
	}
	if q.isClient || op != "read" {
		return nil, &ChannelError{Op: op, Remote: q.id, Err: fmt.Errorf("no stream open")}
	}
	stream, err := q.conn.AcceptStream(q.ctx)
	if err != nil {
		// a client that closes without ever sending
		// is an orderly, empty session.
		if peerClosedCleanly(err) {
			return nil, io.EOF
		}
		return nil, &ChannelError{Op: op, Remote: q.id, Err: err}
	}
	q.mut.Lock()
	if q.stream == nil {
		q.stream = stream
	}
	stream = q.stream
	q.mut.Unlock()
	return stream, nil
}

func (q *quicChannel) Read(p []byte) (n int, err error) {
	stream, err := q.getStream("read")
	if err != nil {
		return 0, err
	}
	n, err = stream.Read(p)
	switch {
	case err == nil, err == io.EOF:
	case peerClosedCleanly(err):
		err = io.EOF
	default:
		err = &ChannelError{Op: "read", Remote: q.id, Err: err}
	}
	return
}

// peerClosedCleanly is true when the remote closed the
// whole connection with application code 0, which is
// how our client hangs up.
func peerClosedCleanly(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0
}

func (q *quicChannel) Write(p []byte) (n int, err error) {
	stream, err := q.getStream("write")
	if err != nil {
		return 0, err
	}
	n, err = stream.Write(p)
	if err != nil {
		err = &ChannelError{Op: "write", Remote: q.id, Err: err}
	}
	return
}

func (q *quicChannel) SetWriteDeadline(t time.Time) error {
	q.mut.Lock()
	stream := q.stream
	q.mut.Unlock()
	if stream == nil {
		return nil
	}
	return stream.SetWriteDeadline(t)
}

// Close finishes our side of the stream and closes the
// connection with application code 0.
func (q *quicChannel) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.mut.Lock()
		stream := q.stream
		q.mut.Unlock()
		if stream != nil {
			stream.Close()
		}
		q.conn.CloseWithError(0, "")
		if q.transport != nil {
			q.transport.Close()
		}
	})
	return nil
}

func (q *quicChannel) State() ChannelState {
	cs := q.conn.ConnectionState().TLS
	return stateFromTLS("quic", &cs)
}

func newQUICConfig(cfg *Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.HandshakeTimeout,

		// the session's own idle timer must win the race.
		MaxIdleTimeout:    cfg.IdleTimeout + 5*time.Second,
		InitialPacketSize: 1200,
	}
}

func quicTLSConfig(conf *tls.Config) *tls.Config {
	if conf == nil {
		conf = &tls.Config{}
	} else {
		conf = conf.Clone()
	}
	conf.NextProtos = []string{quicALPN}
	return conf
}

// quicListener owns the UDP socket and the transport above it.
type quicListener struct {
	udpConn   *net.UDPConn
	transport *quic.Transport
	lsn       *quic.EarlyListener
}

func listenQUIC(cfg *Config, tlsConf *tls.Config) (*quicListener, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve QUIC address '%v': %w", cfg.ServerAddr, err)
	}
	udpConn, err := net.ListenUDP("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("bind UDP '%v': %w", serverAddr, err)
	}
	transport := &quic.Transport{
		Conn:               udpConn,
		ConnectionIDLength: 20,
	}
	lsn, err := transport.ListenEarly(quicTLSConfig(tlsConf), newQUICConfig(cfg))
	if err != nil {
		transport.Close()
		udpConn.Close()
		return nil, fmt.Errorf("start QUIC listener: %w", err)
	}
	return &quicListener{udpConn: udpConn, transport: transport, lsn: lsn}, nil
}

func (l *quicListener) Addr() net.Addr { return l.lsn.Addr() }

func (l *quicListener) Close() error {
	err := l.lsn.Close()
	l.transport.Close()
	l.udpConn.Close()
	return err
}

// quicAcceptLoop is the QUIC counterpart of acceptLoop.
// Each connection carries one session on its first stream.
func (s *Server) quicAcceptLoop(ql *quicListener) {
	defer close(s.acceptDone)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		conn, err := ql.lsn.Accept(ctx)
		if err != nil {
			if s.halt.ReqStop.IsClosed() {
				return
			}
			alwaysPrintf("QUIC accept error, accept loop exiting: '%v'", err)
			return
		}
		if s.halt.ReqStop.IsClosed() {
			conn.CloseWithError(0, "shutting down")
			return
		}
		s.spawn(newQUICChannel(conn, false))
	}
}

func dialQUIC(ctx context.Context, cfg *Config, tlsConf *tls.Config) (*quicChannel, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve QUIC address '%v': %w", cfg.ServerAddr, err)
	}
	localAddr := &net.UDPAddr{IP: net.IPv4zero}
	if serverAddr.IP.To4() == nil {
		localAddr = &net.UDPAddr{IP: net.IPv6zero}
	}
	udpConn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("bind UDP client: %w", err)
	}
	transport := &quic.Transport{Conn: udpConn}
	conn, err := transport.DialEarly(ctx, serverAddr, quicTLSConfig(tlsConf), newQUICConfig(cfg))
	if err != nil {
		transport.Close()
		udpConn.Close()
		return nil, &HandshakeError{Remote: identityOf("quic", serverAddr), Err: err}
	}
	q := newQUICChannel(conn, true)
	q.transport = transport
	return q, nil
}
