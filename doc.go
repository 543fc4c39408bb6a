/*
Package tlsecho is a TLS echo service: each client
that completes a (by default mutual) TLS handshake
gets back exactly the bytes it sends, in order, until
it hangs up, goes idle, or the server is stopped.

Quick start:

	selfy -k node -nopass    # CA plus the server's key pair
	selfy -k client -nopass  # a client pair from the same CA
	echosrv                  # listens on 127.0.0.1:8443
	echocli -n 1000 -c 10    # 10 connections, 1000 round trips each

In code:

	srv, err := tlsecho.NewServer(cfg, serverTLSConf)
	addr, err := srv.Start()
	...
	srv.Stop()
	srv.Wait(ctx) // optional: join on session teardown

Each accepted connection runs as one Session, which
moves Handshaking -> Active -> Draining -> Closed. An
Active session reads at most Config.BufferSize bytes,
writes them all back, and only then reads again. Every
read races Config.IdleTimeout and the server's stop
signal; the loser is abandoned by closing the channel.

Sessions are tracked in a sharded Registry keyed by
Identity (network plus peer address). Each one folds
its read/write tallies into the server's Stats exactly
once, at teardown, whatever the exit path.

Config.Backlog sets the kernel accept queue. On Linux,
connectors beyond it see their SYNs dropped and their
dials time out; BSDs refuse them outright. Either way
they never reach TLS. Config.MaxConns holds Accept
back while that many sessions are live, so the backlog
is what a busy server presents to new clients.

Setting Config.UseQUIC serves the same echo over the
first bidirectional stream of each QUIC connection.
*/
package tlsecho
