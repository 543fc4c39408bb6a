package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	mathrand "math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apoorvam/goterminal"
	tdigest "github.com/caio/go-tdigest"
	"github.com/glycerine/tlsecho"
	"github.com/glycerine/tlsecho/selfcert"
	"golang.org/x/term"
)

func main() {
	tlsecho.Exit1IfVersionReq()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var dest = flag.String("s", tlsecho.DefaultServerAddr, "server address to send echo requests to.")
	var quic = flag.Bool("q", false, "use QUIC instead of TCP/TLS")
	var skipVerify = flag.Bool("skip-verify", false, "accept any server certificate.")
	var useName = flag.String("k", "client", "name of the key pair to present (certs/name.crt and certs/name.key).")
	var certPath = flag.String("certs", tlsecho.GetCertsDir(), "directory holding ca.crt and the key pair.")

	var n = flag.Int("n", 1, "round trips per connection")
	var conns = flag.Int("c", 1, "concurrent connections")
	var size = flag.Int("size", 0, "payload size in bytes. 0 means send -msg.")
	var msg = flag.String("msg", "Man", "payload to echo when -size is 0")
	var random = flag.Bool("random", false, "send random payloads of 1..100 bytes instead of -msg or -size")
	var wait = flag.Duration("wait", 10*time.Second, "give up on a connection after this long")
	var quiet = flag.Bool("quiet", false, "operate quietly")

	flag.Parse()

	tlsConf, err := selfcert.LoadClientTLSConfig(*certPath, *useName, selfcert.TerminalPassphrase, *skipVerify)
	if err != nil {
		log.Fatalf("could not load client key pair '%v' from '%v': %v", *useName, *certPath, err)
	}

	cfg := tlsecho.NewConfig()
	cfg.ServerAddr = *dest
	cfg.UseQUIC = *quic
	cfg.SkipVerifyKeys = *skipVerify
	cfg.KeyPairName = *useName
	cfg.CertPath = *certPath

	payload := []byte(*msg)
	if *size > 0 {
		payload = make([]byte, *size)
		for i := range payload {
			payload[i] = byte('a' + i%26)
		}
	}

	// compression of 100 still gives good accuracy at the tails.
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	var tdMut sync.Mutex
	var done, failed atomic.Int64

	total := int64(*n) * int64(*conns)
	stopProgress := showProgress(*quiet, total, &done)

	t0 := time.Now()
	var wg sync.WaitGroup
	for c := 0; c < *conns; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), *wait)
			defer cancel()
			ch, err := tlsecho.Dial(ctx, cfg, tlsConf)
			if err != nil {
				log.Printf("conn %v: %v", c, err)
				failed.Add(1)
				return
			}
			defer ch.Close()
			if c == 0 && !*quiet {
				log.Printf("connected: %+v", ch.State())
			}
			ch.SetWriteDeadline(time.Now().Add(*wait))
			replyBuf := make([]byte, 100+len(payload))
			for i := 0; i < *n; i++ {
				send := payload
				if *random {
					send = randomPayload()
				}
				reply := replyBuf[:len(send)]
				t1 := time.Now()
				if err := tlsecho.RoundTrip(ch, send, reply); err != nil {
					log.Printf("conn %v round trip %v: %v", c, i, err)
					failed.Add(1)
					return
				}
				elap := float64(time.Since(t1))
				if !bytes.Equal(reply, send) {
					log.Printf("conn %v round trip %v: echo mismatch", c, i)
					failed.Add(1)
					return
				}
				tdMut.Lock()
				td.Add(elap)
				tdMut.Unlock()
				done.Add(1)
			}
		}(c)
	}
	wg.Wait()
	stopProgress()
	elap := time.Since(t0)

	log.Printf("%v of %v round trips in %v; %v connections failed; q50=%v q99=%v q999=%v",
		done.Load(), total, elap, failed.Load(),
		time.Duration(td.Quantile(0.50)),
		time.Duration(td.Quantile(0.99)),
		time.Duration(td.Quantile(0.999)))
	if !*quiet && !*random && len(payload) <= 64 {
		log.Printf("echoed: '%v'", string(payload))
	}
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// randomPayload is 1..100 printable bytes.
func randomPayload() []byte {
	p := make([]byte, 1+mathrand.IntN(100))
	for i := range p {
		p[i] = byte('!' + mathrand.IntN(94))
	}
	return p
}

// showProgress redraws a one line meter while on a terminal.
func showProgress(quiet bool, total int64, done *atomic.Int64) (stop func()) {
	if quiet || total < 2 || !term.IsTerminal(int(os.Stdout.Fd())) {
		return func() {}
	}
	halt := make(chan struct{})
	finished := make(chan struct{})
	w := goterminal.New(os.Stdout)
	go func() {
		defer close(finished)
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				w.Clear()
				fmt.Fprintf(w, "%v / %v round trips\n", done.Load(), total)
				w.Print()
			case <-halt:
				w.Clear()
				return
			}
		}
	}()
	return func() {
		close(halt)
		<-finished
	}
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
