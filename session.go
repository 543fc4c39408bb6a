package tlsecho

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glycerine/idem"
	"github.com/glycerine/loquet"
)

// SessionState moves strictly forward:
// Handshaking -> Active -> Draining -> Closed.
// A failed handshake goes straight to Closed.
type SessionState int32

const (
	Handshaking SessionState = iota
	Active
	Draining
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Handshaking:
		return "Handshaking"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// Session serves one accepted connection: handshake,
// then echo until the peer leaves, the idle timer
// fires, or the server stops. Reads and echoes are
// half-duplex; the echo of one read is fully written
// before the next read starts.
type Session struct {
	id  Identity
	ch  SecureChannel
	srv *Server
	cfg *Config

	state atomic.Int32

	// halt.ReqStop is a child of the server's,
	// so Server.Stop reaches every session.
	halt *idem.Halter

	// finished is closed after teardown has run.
	finished *loquet.Chan[ExitReason]
	reason   ExitReason
	exitErr  error

	// c belongs to the session goroutine
	// until teardown folds it into Stats.
	c counters

	teardownOnce  sync.Once
	readerStarted bool
	readerDone    chan struct{}
}

type readResult struct {
	n   int
	err error
}

func newSession(srv *Server, ch SecureChannel) *Session {
	s := &Session{
		id:         ch.Identity(),
		ch:         ch,
		srv:        srv,
		cfg:        srv.cfg,
		halt:       idem.NewHalterNamed(fmt.Sprintf("Session(%v)", ch.Identity())),
		readerDone: make(chan struct{}),
	}
	s.finished = loquet.NewChan(&s.reason)
	s.state.Store(int32(Handshaking))
	return s
}

// Identity is the registry key for this session.
func (s *Session) Identity() Identity { return s.id }

// State is safe to call from any goroutine.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Channel gives access to what the handshake negotiated.
func (s *Session) Channel() SecureChannel { return s.ch }

// Finished is closed once the session is fully torn down.
func (s *Session) Finished() <-chan struct{} {
	return s.finished.WhenClosed()
}

// Reason blocks until the session is finished.
func (s *Session) Reason() ExitReason {
	<-s.finished.WhenClosed()
	return s.reason
}

// advance moves to next only if that is forward.
func (s *Session) advance(next SessionState) {
	for {
		cur := s.state.Load()
		if cur >= int32(next) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Session) run() {
	err := s.handshake()
	if err == nil {
		s.advance(Active)
		st := s.ch.State()
		vv("session %v [%v] active: %v %v, mutual=%v", s.id, st.PeerTag, st.Version, st.CipherSuite, st.Mutual)
		err = s.echoLoop()
	}
	s.teardown(err)
}

func (s *Session) handshake() error {
	if s.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	err := s.ch.Handshake(ctx)
	if err != nil && s.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	return err
}

// reader performs one Read each time the echo loop
// asks on want. Since it never reads until asked, and
// the loop only asks after the previous echo is
// written, buf is never read into while being written
// from. got has room for one result so reader never
// blocks on it.
func (s *Session) reader(buf []byte, want <-chan struct{}, got chan<- readResult) {
	defer close(s.readerDone)
	for {
		select {
		case <-want:
		case <-s.halt.ReqStop.Chan:
			return
		}
		n, err := s.ch.Read(buf)
		got <- readResult{n: n, err: err}
		if err != nil {
			return
		}
	}
}

// echoLoop reads, echoes, and repeats until the peer
// leaves, the idle timer fires, or we are halted.
func (s *Session) echoLoop() error {
	buf := make([]byte, s.cfg.BufferSize)
	want := make(chan struct{}, 1)
	got := make(chan readResult, 1)
	s.readerStarted = true
	go s.reader(buf, want, got)

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		r, err := s.readOrIdle(idle, want, got)
		if err != nil {
			return err
		}
		if r.n > 0 {
			s.c.readOps++
			s.c.bytesIn += uint64(r.n)
			idle.Reset(s.cfg.IdleTimeout)

			if err := s.echo(buf[:r.n]); err != nil {
				return err
			}
			idle.Reset(s.cfg.IdleTimeout)
		}
		switch {
		case r.err == io.EOF:
			return nil
		case r.err != nil:
			if s.halt.ReqStop.IsClosed() {
				return ErrShutdown
			}
			return r.err
		case r.n == 0:
			// zero-length read: end of stream.
			return nil
		}
	}
}

// readOrIdle asks the reader for one Read and races it
// against the idle timer and the halt signal. If the
// read loses, it stays blocked until teardown closes
// the channel under it.
func (s *Session) readOrIdle(idle *time.Timer, want chan<- struct{}, got <-chan readResult) (r readResult, err error) {
	want <- struct{}{}
	select {
	case r = <-got:
		return r, nil
	case <-idle.C:
		return r, ErrIdleTimeout
	case <-s.halt.ReqStop.Chan:
		return r, ErrShutdown
	}
}

// echo writes all of p back. The write is not raced
// against the idle timer, but a peer that stops
// reading cannot stall us past IdleTimeout either.
func (s *Session) echo(p []byte) error {
	if err := s.ch.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
		if s.halt.ReqStop.IsClosed() {
			return ErrShutdown
		}
		return &ChannelError{Op: "write", Remote: s.id, Err: err}
	}
	n, err := s.ch.Write(p)
	if n > 0 {
		s.c.writeOps++
		s.c.bytesOut += uint64(n)
	}
	switch {
	case err == nil:
		return nil
	case s.halt.ReqStop.IsClosed():
		return ErrShutdown
	case isDeadline(err):
		return fmt.Errorf("echo to '%v' stalled: %w", s.id, ErrIdleTimeout)
	}
	return err
}

// ForceClose is how Server.Stop ends a session: the
// channel is closed under whatever read or write is in
// flight, and the session leaves the Registry at once.
// The session goroutine then runs the usual teardown.
// Safe to call any number of times, from any goroutine,
// concurrently with a natural exit.
func (s *Session) ForceClose() {
	s.halt.ReqStop.CloseWithReason(ErrShutdown)
	s.ch.Close()
	s.srv.reg.removeSession(s.id, s)
}

// teardown runs exactly once per session, whatever the
// exit path. It folds the counters into Stats once, and
// unregisters; both are idempotent against ForceClose.
func (s *Session) teardown(err error) {
	s.teardownOnce.Do(func() {
		// only a session that got past its handshake drains.
		if s.State() != Handshaking {
			s.advance(Draining)
		}
		s.exitErr = err
		s.reason = exitReasonFor(err)

		s.halt.ReqStop.Close()
		s.ch.Close()
		s.waitReader()

		s.srv.stats.fold(&s.c, s.reason)
		s.srv.reg.removeSession(s.id, s)

		switch s.reason {
		case ExitPeerClosed, ExitIdleTimeout, ExitCancelled:
			vv("session %v done: %v (err='%v')", s.id, s.reason, err)
		default:
			alwaysPrintf("session %v ended: %v: '%v'", s.id, s.reason, err)
		}

		s.advance(Closed)
		s.srv.halt.ReqStop.RemoveChild(s.halt.ReqStop)
		s.halt.Done.Close()
		s.finished.Close()
		s.srv.sessions.Done()
	})
}

// waitReader is a no-op if the reader never started.
func (s *Session) waitReader() {
	if !s.readerStarted {
		return
	}
	<-s.readerDone
}

// Err is the error that ended the session, if any.
// Valid once Finished is closed.
func (s *Session) Err() error {
	<-s.finished.WhenClosed()
	if errors.Is(s.exitErr, ErrShutdown) || errors.Is(s.exitErr, ErrIdleTimeout) {
		return nil
	}
	return s.exitErr
}
