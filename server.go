package tlsecho

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// Server accepts TLS (or QUIC) connections and echoes
// back whatever each peer sends, one Session per
// connection.
type Server struct {
	cfg     *Config
	tlsConf *tls.Config

	reg   *Registry
	stats Stats

	// halt.ReqStop is the server-wide cancellation
	// signal; halt.Done closes once the accept loop
	// and every session have exited.
	halt *idem.Halter

	mut     sync.Mutex
	started bool
	lsn     net.Listener
	limiter *limitListener
	qlsn    *quicListener
	addr    net.Addr

	sessions   sync.WaitGroup
	acceptDone chan struct{}
	stopOnce   sync.Once
}

// NewServer checks cfg and prepares a server that will
// present tlsConf's certificate. tlsConf.ClientCAs is
// the pool client certificates must chain to when
// cfg.ClientCertRequired is set.
func NewServer(cfg *Config, tlsConf *tls.Config) (*Server, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tlsConf == nil || (len(tlsConf.Certificates) == 0 && tlsConf.GetCertificate == nil) {
		return nil, fmt.Errorf("NewServer: tls.Config must carry the server certificate")
	}
	cfg = cfg.clone()
	return &Server{
		cfg:        cfg,
		tlsConf:    serverTLSConfig(cfg, tlsConf),
		reg:        NewRegistry(cfg.ShardCount),
		halt:       idem.NewHalterNamed("tlsecho.Server"),
		acceptDone: make(chan struct{}),
	}, nil
}

// serverTLSConfig applies the client certificate
// policy. Certificate revocation is not consulted.
func serverTLSConfig(cfg *Config, in *tls.Config) *tls.Config {
	conf := in.Clone()
	if cfg.ClientCertRequired {
		conf.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if conf.MinVersion == 0 {
		conf.MinVersion = tls.VersionTLS12
	}
	return conf
}

// Start binds and listens, then serves in the
// background. Bind and listen errors come back
// here; later accept failures are only logged.
// It returns the bound address, useful when
// ServerAddr asked for port 0.
func (s *Server) Start() (net.Addr, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.started {
		return nil, ErrAlreadyStarted
	}
	if s.halt.ReqStop.IsClosed() {
		return nil, ErrShutdown
	}

	if s.cfg.UseQUIC {
		ql, err := listenQUIC(s.cfg, s.tlsConf)
		if err != nil {
			return nil, err
		}
		s.qlsn = ql
		s.addr = ql.Addr()
		s.started = true
		go s.quicAcceptLoop(ql)
		go s.reap()
		alwaysPrintf("tlsecho server listening on quic://%v", s.addr)
		return s.addr, nil
	}

	lsn, err := listenBacklog(s.cfg.ServerAddr, s.cfg.Backlog)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxConns > 0 {
		s.limiter = newLimitListener(lsn, s.cfg.MaxConns)
		lsn = s.limiter
	}
	s.lsn = lsn
	s.addr = lsn.Addr()
	s.started = true
	go s.acceptLoop(lsn)
	go s.reap()
	alwaysPrintf("tlsecho server listening on tcp://%v (backlog %v, max conns %v, client certs required: %v)",
		s.addr, s.cfg.Backlog, s.cfg.MaxConns, s.cfg.ClientCertRequired)
	return s.addr, nil
}

// Addr is nil before Start.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.addr
}

func (s *Server) acceptLoop(lsn net.Listener) {
	defer close(s.acceptDone)
	var tempDelay time.Duration
	for {
		conn, err := lsn.Accept()
		if err != nil {
			if s.halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			// back off on EMFILE and friends, as net/http does.
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			alwaysPrintf("accept error: '%v'; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-s.halt.ReqStop.Chan:
				return
			}
			continue
		}
		tempDelay = 0
		if s.halt.ReqStop.IsClosed() {
			conn.Close()
			return
		}
		s.spawn(newServerTLSChannel(conn, s.tlsConf))
	}
}

// spawn registers and starts the session for ch.
// Only the accept loop calls it.
func (s *Server) spawn(ch SecureChannel) {
	sess := newSession(s, ch)
	if err := s.reg.Add(sess.id, sess); err != nil {
		alwaysPrintf("rejecting connection: '%v'", err)
		ch.Close()
		s.stats.fold(&counters{}, ExitRejected)
		return
	}
	s.halt.ReqStop.AddChild(sess.halt.ReqStop)
	if s.halt.ReqStop.IsClosed() {
		// Stop raced us, and its snapshot may have missed sess.
		sess.ForceClose()
	}
	s.sessions.Add(1)
	go sess.run()
}

// reap closes halt.Done once nothing is left running.
func (s *Server) reap() {
	<-s.acceptDone
	s.sessions.Wait()
	s.halt.Done.Close()
}

// Stop signals cancellation, force-closes every live
// session, and closes the listener. It does not wait
// for sessions to finish tearing down; see Wait.
// Calling Stop more than once, or before Start, is fine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.halt.ReqStop.CloseWithReason(ErrShutdown)

		for _, id := range s.reg.Snapshot() {
			if sess, ok := s.reg.Get(id); ok {
				sess.ForceClose()
			}
		}

		s.mut.Lock()
		started := s.started
		lsn, qlsn := s.lsn, s.qlsn
		s.mut.Unlock()

		if !started {
			s.halt.Done.Close()
			return
		}
		if lsn != nil {
			if err := lsn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				alwaysPrintf("closing listener: '%v'", err)
			}
		}
		if qlsn != nil {
			qlsn.Close()
		}
		// so no session can be spawned after we return.
		<-s.acceptDone
		vv("Stop done; %v sessions still tearing down", s.reg.Count())
	})
}

// Wait blocks until every session has finished tearing
// down after Stop, or ctx is done. Returns ctx.Err()
// in the latter case, and ErrNotStarted if the server
// was neither started nor stopped, as nothing would
// ever finish.
func (s *Server) Wait(ctx context.Context) error {
	s.mut.Lock()
	started := s.started
	s.mut.Unlock()
	if !started && !s.halt.ReqStop.IsClosed() {
		return ErrNotStarted
	}
	select {
	case <-s.halt.Done.Chan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats snapshots the aggregate counters.
func (s *Server) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Registry exposes the live session table.
func (s *Server) Registry() *Registry {
	return s.reg
}

// Count is the number of registered sessions.
func (s *Server) Count() int {
	return s.reg.Count()
}

// Halt lets callers watch for shutdown.
func (s *Server) Halt() *idem.Halter {
	return s.halt
}
