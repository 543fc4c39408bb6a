package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "net/http/pprof" // for web based profiling while running

	"github.com/glycerine/ipaddr"
	"github.com/glycerine/tlsecho"
	"github.com/glycerine/tlsecho/selfcert"
)

func main() {

	tlsecho.Exit1IfVersionReq()

	fmt.Printf("%v", tlsecho.GetCodeVersion("echosrv"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	certdir := tlsecho.GetCertsDir()

	var addr = flag.String("s", tlsecho.DefaultServerAddr, "server address to bind and listen on. Use 0.0.0.0:8443 for all interfaces.")
	var backlog = flag.Int("backlog", tlsecho.DefaultBacklog, "kernel queue depth of connections not yet accepted. 0 means the system maximum.")
	var idle = flag.Duration("idle", tlsecho.DefaultIdleTimeout, "close a connection after this long without traffic.")
	var hsTimeout = flag.Duration("hs", tlsecho.DefaultHandshakeTimeout, "give up on a TLS handshake after this long.")
	var bufSize = flag.Int("buf", tlsecho.DefaultBufferSize, "per-connection read buffer size in bytes.")
	var noClientCert = flag.Bool("nocert", false, "do not require clients to present a certificate. (Presented ones are still verified.)")
	var maxConns = flag.Int("max", 0, "cap on simultaneous connections. 0 means no cap.")
	var quic = flag.Bool("q", false, "use QUIC instead of TCP/TLS")

	var useName = flag.String("k", "node", "name of the key pair to present (certs/name.crt and certs/name.key).")
	var certPath = flag.String("certs", certdir, "directory holding ca.crt and the key pair.")
	var bootstrap = flag.Bool("bootstrap", false, "create an unprotected CA and key pair on first run if none exist.")

	var seconds = flag.Int("sec", 0, "run for this many seconds, then stop. 0 means until Ctrl-C.")
	var grace = flag.Duration("grace", 5*time.Second, "after stopping, wait this long for connections to finish tearing down.")
	var statsEvery = flag.Duration("stats", 0, "print aggregate statistics as JSON at this interval. 0 means only at exit.")

	var profile = flag.String("prof", "", "host:port to start web profiler on. host can be empty for all localhost interfaces")
	var maxprocs = flag.Int("maxprocs", 0, "set runtime.GOMAXPROCS to this value.")
	var verbose = flag.Bool("v", false, "verbose per-connection logging")
	var quiet = flag.Bool("quiet", false, "log nothing but errors")
	var logtz = flag.String("tz", "UTC", "timezone for log timestamps, e.g. America/Chicago")
	var cfgPath = flag.String("config", "", "YAML file of server settings. Flags given explicitly override it.")

	flag.Parse()

	tlsecho.Verbose = *verbose
	tlsecho.Quiet = *quiet
	if err := tlsecho.SetLogTimezone(*logtz); err != nil {
		log.Fatalf("bad -tz '%v': %v", *logtz, err)
	}

	if *maxprocs > 0 {
		runtime.GOMAXPROCS(*maxprocs)
	}

	if *profile != "" {
		fmt.Printf("webprofile starting at '%v'...\n", *profile)
		go func() {
			http.ListenAndServe(*profile, nil)
		}()
	}

	cfg := tlsecho.NewConfig()
	if *cfgPath != "" {
		var err error
		cfg, err = tlsecho.LoadConfigFile(*cfgPath)
		if err != nil {
			log.Fatalf("%v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "s":
			cfg.ServerAddr = *addr
		case "backlog":
			cfg.Backlog = *backlog
		case "idle":
			cfg.IdleTimeout = *idle
		case "hs":
			cfg.HandshakeTimeout = *hsTimeout
		case "buf":
			cfg.BufferSize = *bufSize
		case "nocert":
			cfg.ClientCertRequired = !*noClientCert
		case "max":
			cfg.MaxConns = *maxConns
		case "q":
			cfg.UseQUIC = *quic
		case "certs":
			cfg.CertPath = *certPath
		case "k":
			cfg.KeyPairName = *useName
		}
	})
	if cfg.CertPath == "" {
		cfg.CertPath = certdir
	}

	if *bootstrap {
		err := selfcert.Bootstrap(tlsecho.GetPrivateCertificateAuthDir(), cfg.CertPath, cfg.KeyPairName)
		if err != nil {
			log.Fatalf("could not bootstrap certificates in '%v': %v", cfg.CertPath, err)
		}
	}

	tlsConf, err := selfcert.LoadServerTLSConfig(cfg.CertPath, cfg.KeyPairName, selfcert.TerminalPassphrase)
	if err != nil {
		log.Fatalf("could not load server key pair '%v' from '%v': %v\n(hint: run 'selfy -k %v -nopass', or echosrv -bootstrap)", cfg.KeyPairName, cfg.CertPath, err, cfg.KeyPairName)
	}

	srv, err := tlsecho.NewServer(cfg, tlsConf)
	if err != nil {
		log.Fatalf("bad server config: %v", err)
	}
	serverAddr, err := srv.Start()
	if err != nil {
		log.Fatalf("could not start echo server on '%v': %v", cfg.ServerAddr, err)
	}
	log.Printf("echosrv listening on '%v'; this host's external IP is %v", serverAddr, ipaddr.GetExternalIP())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var deadline <-chan time.Time
	if *seconds > 0 {
		deadline = time.After(time.Second * time.Duration(*seconds))
	}
	var tick <-chan time.Time
	if *statsEvery > 0 {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		tick = ticker.C
	}

	t0 := time.Now()
wait:
	for {
		select {
		case <-tick:
			printStats(srv, "periodic")
		case sig := <-sigChan:
			log.Printf("echosrv got %v; stopping", sig)
			break wait
		case <-deadline:
			log.Printf("echosrv -sec %v elapsed; stopping", *seconds)
			break wait
		}
	}

	srv.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), *grace)
	defer cancel()
	if err := srv.Wait(ctx); err != nil {
		log.Printf("%v connections still tearing down after %v grace", srv.Count(), *grace)
	}
	log.Printf("echosrv ran %v", time.Since(t0))
	printStats(srv, "final")
}

func printStats(srv *tlsecho.Server, label string) {
	by, err := srv.Stats().JSON()
	if err != nil {
		log.Printf("could not render stats: %v", err)
		return
	}
	fmt.Printf("%v stats (live=%v): %s\n", label, srv.Count(), by)
}
