package tlsecho

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
	gjson "github.com/goccy/go-json"
)

func Test301_stats_fold_and_json(t *testing.T) {

	cv.Convey("Folding sessions adds their counters and tallies exit reasons; the JSON form carries both.", t, func() {

		var s Stats
		s.fold(&counters{readOps: 2, writeOps: 2, bytesIn: 10, bytesOut: 10}, ExitPeerClosed)
		s.fold(&counters{readOps: 1, writeOps: 1, bytesIn: 3, bytesOut: 3}, ExitIdleTimeout)
		s.fold(&counters{}, ExitHandshakeFailure)

		snap := s.Snapshot()
		cv.So(snap.ReadOps, cv.ShouldEqual, 3)
		cv.So(snap.WriteOps, cv.ShouldEqual, 3)
		cv.So(snap.BytesIn, cv.ShouldEqual, 13)
		cv.So(snap.BytesOut, cv.ShouldEqual, 13)
		cv.So(snap.Sessions, cv.ShouldEqual, 3)
		cv.So(snap.Exits, cv.ShouldResemble, map[string]uint64{
			"PeerClosed":       1,
			"IdleTimeout":      1,
			"HandshakeFailure": 1,
		})

		by, err := snap.JSON()
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(by), cv.ShouldContainSubstring, `"bytesIn":13`)

		var back StatsSnapshot
		cv.So(gjson.Unmarshal(by, &back), cv.ShouldBeNil)
		cv.So(back, cv.ShouldResemble, snap)
		cv.So(snap.String(), cv.ShouldContainSubstring, "sessions: 3")
	})
}

func Test302_exit_reasons_classify_errors(t *testing.T) {

	cv.Convey("Session exit errors map onto the reasons the stats report.", t, func() {

		hs := &HandshakeError{Remote: "tcp://a:1", Err: errors.New("bad certificate")}
		ce := &ChannelError{Op: "read", Remote: "tcp://a:1", Err: io.ErrUnexpectedEOF}

		cv.So(exitReasonFor(nil), cv.ShouldEqual, ExitPeerClosed)
		cv.So(exitReasonFor(ErrIdleTimeout), cv.ShouldEqual, ExitIdleTimeout)
		cv.So(exitReasonFor(fmt.Errorf("echo stalled: %w", ErrIdleTimeout)), cv.ShouldEqual, ExitIdleTimeout)
		cv.So(exitReasonFor(ErrShutdown), cv.ShouldEqual, ExitCancelled)
		cv.So(exitReasonFor(hs), cv.ShouldEqual, ExitHandshakeFailure)
		cv.So(exitReasonFor(ce), cv.ShouldEqual, ExitChannelFailure)

		cv.So(IsHandshakeError(fmt.Errorf("wrapped: %w", hs)), cv.ShouldBeTrue)
		cv.So(IsChannelError(hs), cv.ShouldBeFalse)
		cv.So(IsChannelError(ce), cv.ShouldBeTrue)
		cv.So(errors.Is(ce, io.ErrUnexpectedEOF), cv.ShouldBeTrue)
		cv.So(ce.Error(), cv.ShouldContainSubstring, "read on 'tcp://a:1'")

		cv.So(ExitReason(99).String(), cv.ShouldEqual, "Unknown")
		cv.So(SessionState(9).String(), cv.ShouldEqual, "SessionState(9)")
	})
}

func Test303_config_defaults_and_validation(t *testing.T) {

	cv.Convey("NewConfig carries the service defaults, and Validate rejects nonsense.", t, func() {

		cfg := NewConfig()
		cv.So(cfg.ServerAddr, cv.ShouldEqual, "127.0.0.1:8443")
		cv.So(cfg.Backlog, cv.ShouldEqual, 10)
		cv.So(cfg.IdleTimeout, cv.ShouldEqual, 240*time.Second)
		cv.So(cfg.BufferSize, cv.ShouldEqual, 1024)
		cv.So(cfg.ClientCertRequired, cv.ShouldBeTrue)
		cv.So(cfg.Validate(), cv.ShouldBeNil)

		bad := *cfg
		bad.IdleTimeout = 0
		cv.So(bad.Validate(), cv.ShouldNotBeNil)
		bad = *cfg
		bad.BufferSize = -1
		cv.So(bad.Validate(), cv.ShouldNotBeNil)
		bad = *cfg
		bad.Backlog = -1
		cv.So(bad.Validate(), cv.ShouldNotBeNil)

		zeroed := *cfg
		zeroed.ShardCount = 0
		zeroed.HandshakeTimeout = 0
		c2 := zeroed.clone()
		cv.So(c2.ShardCount, cv.ShouldEqual, DefaultShardCount)
		cv.So(c2.HandshakeTimeout, cv.ShouldEqual, DefaultHandshakeTimeout)
		cv.So(zeroed.ShardCount, cv.ShouldEqual, 0)
	})

	cv.Convey("Certificate directories live under XDG_CONFIG_HOME when it is set.", t, func() {
		xdg := os.Getenv("XDG_CONFIG_HOME")
		cv.So(xdg, cv.ShouldNotEqual, "")
		dir := GetCertsDir()
		cv.So(dir, cv.ShouldEqual, filepath.Join(xdg, "tlsecho", "certs"))
		fi, err := os.Stat(dir)
		cv.So(err, cv.ShouldBeNil)
		cv.So(fi.IsDir(), cv.ShouldBeTrue)
		cv.So(strings.HasSuffix(GetPrivateCertificateAuthDir(), "my-keep-private-dir"), cv.ShouldBeTrue)
	})
}

func Test304_fingerprints(t *testing.T) {

	cv.Convey("Certificate fingerprints are stable blake3 digests in base64url, with a short base58 tag for logs.", t, func() {
		der := testPKI.client.Cert.Raw
		fp := Fingerprint(der)
		cv.So(fp, cv.ShouldStartWith, "blake3.33B-")
		cv.So(len(fp), cv.ShouldEqual, len("blake3.33B-")+44)
		cv.So(Fingerprint(der), cv.ShouldEqual, fp)
		cv.So(Fingerprint(testPKI.server.Cert.Raw), cv.ShouldNotEqual, fp)

		cv.So(shortTag(der), cv.ShouldNotEqual, "")
		cv.So(shortTag(nil), cv.ShouldEqual, "anon")
	})
}

func Test305_log_timezone(t *testing.T) {

	cv.Convey("Log timestamps can be switched to a named zone.", t, func() {
		cv.So(SetLogTimezone("America/Chicago"), cv.ShouldBeNil)
		cv.So(SetLogTimezone("Not/AZone"), cv.ShouldNotBeNil)
		cv.So(SetLogTimezone("UTC"), cv.ShouldBeNil)
		cv.So(ts(), cv.ShouldContainSubstring, "UTC")
	})
}

func Test306_config_from_yaml(t *testing.T) {

	cv.Convey("A YAML config overlays the defaults; explicit zeros and falses stick, and typos are refused.", t, func() {

		cfg, err := parseConfigYAML([]byte(`
server_addr: 0.0.0.0:9443
backlog: 0
idle_timeout: 90s
client_cert_required: false
max_conns: 50
`))
		cv.So(err, cv.ShouldBeNil)
		cv.So(cfg.ServerAddr, cv.ShouldEqual, "0.0.0.0:9443")
		cv.So(cfg.Backlog, cv.ShouldEqual, 0)
		cv.So(cfg.IdleTimeout, cv.ShouldEqual, 90*time.Second)
		cv.So(cfg.ClientCertRequired, cv.ShouldBeFalse)
		cv.So(cfg.MaxConns, cv.ShouldEqual, 50)
		cv.So(cfg.BufferSize, cv.ShouldEqual, DefaultBufferSize)
		cv.So(cfg.HandshakeTimeout, cv.ShouldEqual, DefaultHandshakeTimeout)

		empty, err := parseConfigYAML(nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(empty, cv.ShouldResemble, NewConfig())

		_, err = parseConfigYAML([]byte("idel_timeout: 5s\n"))
		cv.So(err, cv.ShouldNotBeNil)
		_, err = parseConfigYAML([]byte("idle_timeout: soon\n"))
		cv.So(err, cv.ShouldNotBeNil)
		_, err = parseConfigYAML([]byte("buffer_size: -4\n"))
		cv.So(err, cv.ShouldNotBeNil)

		path := filepath.Join(t.TempDir(), "echosrv.yaml")
		cv.So(os.WriteFile(path, []byte("key_pair_name: edge\nquic: true\n"), 0600), cv.ShouldBeNil)
		fromFile, err := LoadConfigFile(path)
		cv.So(err, cv.ShouldBeNil)
		cv.So(fromFile.KeyPairName, cv.ShouldEqual, "edge")
		cv.So(fromFile.UseQUIC, cv.ShouldBeTrue)

		_, err = LoadConfigFile(path + ".missing")
		cv.So(err, cv.ShouldNotBeNil)
	})
}
