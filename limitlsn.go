package tlsecho

// Adapted from golang.org/x/net/netutil/listen.go.
// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

import (
	"net"
	"sync"
	"sync/atomic"
)

// newLimitListener admits at most n live connections.
// While full it simply stops calling Accept, so further
// connectors queue in the kernel backlog until a live
// connection closes, or are refused once that fills.
func newLimitListener(l net.Listener, n int) *limitListener {
	return &limitListener{
		Listener: l,
		sem:      make(chan struct{}, n),
		done:     make(chan struct{}),
	}
}

type limitListener struct {
	net.Listener
	sem       chan struct{}
	closeOnce sync.Once
	done      chan struct{} // closed by Close

	// waits counts Accepts that found the limit reached.
	waits atomic.Int64
}

// acquire reports false if the listener closed first.
func (l *limitListener) acquire() bool {
	select {
	case l.sem <- struct{}{}:
		return true
	default:
	}
	l.waits.Add(1)
	select {
	case <-l.done:
		return false
	case l.sem <- struct{}{}:
		return true
	}
}

func (l *limitListener) release() { <-l.sem }

// live is how many admitted connections are still open.
func (l *limitListener) live() int { return len(l.sem) }

func (l *limitListener) Accept() (net.Conn, error) {
	if !l.acquire() {
		// closed: Accept should fail at once. Should a
		// buggy listener hand back a conn anyway, drop it.
		for {
			c, err := l.Listener.Accept()
			if err != nil {
				return nil, err
			}
			c.Close()
		}
	}
	c, err := l.Listener.Accept()
	if err != nil {
		l.release()
		return nil, err
	}
	return &limitListenerConn{Conn: c, release: l.release}, nil
}

func (l *limitListener) Close() error {
	err := l.Listener.Close()
	l.closeOnce.Do(func() { close(l.done) })
	return err
}

// limitListenerConn gives its slot back on first Close.
// tls.Conn.Close closes it, so the slot frees when
// the session's channel does.
type limitListenerConn struct {
	net.Conn
	releaseOnce sync.Once
	release     func()
}

func (l *limitListenerConn) Close() error {
	err := l.Conn.Close()
	l.releaseOnce.Do(l.release)
	return err
}
