package tlsecho

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// Dial connects to cfg.ServerAddr in the client role
// and completes the handshake within
// cfg.HandshakeTimeout. tlsConf carries our certificate
// (for mutual TLS) and the RootCAs we trust the server
// against; cfg.SkipVerifyKeys waives the latter.
func Dial(ctx context.Context, cfg *Config, tlsConf *tls.Config) (SecureChannel, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg = cfg.clone()
	if cfg.SkipVerifyKeys {
		if tlsConf == nil {
			tlsConf = &tls.Config{}
		} else {
			tlsConf = tlsConf.Clone()
		}
		tlsConf.InsecureSkipVerify = true
	}
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	if cfg.UseQUIC {
		q, err := dialQUIC(hctx, cfg, tlsConf)
		if err != nil {
			return nil, err
		}
		if err := q.Handshake(hctx); err != nil {
			q.Close()
			return nil, err
		}
		return q, nil
	}

	d := &net.Dialer{KeepAlive: 30 * time.Second}
	raw, err := d.DialContext(hctx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial '%v': %w", cfg.ServerAddr, err)
	}
	ch := newClientTLSChannel(raw, tlsConf)
	if err := ch.Handshake(hctx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// RoundTrip writes msg and reads back exactly len(msg)
// bytes of echo into reply, which must be at least
// that long. The echo may arrive in several pieces.
func RoundTrip(ch SecureChannel, msg, reply []byte) error {
	if len(reply) < len(msg) {
		return fmt.Errorf("RoundTrip: reply buffer %v bytes, need %v", len(reply), len(msg))
	}
	if _, err := ch.Write(msg); err != nil {
		return err
	}
	_, err := io.ReadFull(ch, reply[:len(msg)])
	return err
}
