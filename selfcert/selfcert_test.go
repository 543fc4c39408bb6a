package selfcert

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

// tiny Argon2id settings, so tests stay fast.
var testParams = &EncryptionParameters{
	Time:        1,
	Memory:      8 * 1024,
	Threads:     1,
	KeyLength:   32,
	CipherSuite: "AES-GCM",
}

func Test101_certificate_signing_check(t *testing.T) {

	cv.Convey("A certificate signed by a different CA should fail to verify.", t, func() {

		ca0, err := NewCA("ca0", time.Hour)
		cv.So(err, cv.ShouldBeNil)
		ca1, err := NewCA("ca1", time.Hour)
		cv.So(err, cv.ShouldBeNil)

		client0, err := ca0.Issue("client0", "client0@example.com", time.Hour)
		cv.So(err, cv.ShouldBeNil)
		client1, err := ca1.Issue("client1", "", time.Hour)
		cv.So(err, cv.ShouldBeNil)

		cv.So(VerifySignedBy(client0.Cert, ca0.Cert), cv.ShouldBeNil)
		cv.So(VerifySignedBy(client1.Cert, ca1.Cert), cv.ShouldBeNil)

		cv.So(VerifySignedBy(client0.Cert, ca1.Cert), cv.ShouldNotBeNil)
		cv.So(VerifySignedBy(client1.Cert, ca0.Cert), cv.ShouldNotBeNil)

		cv.So(client0.Cert.EmailAddresses, cv.ShouldResemble, []string{"client0@example.com"})
		cv.So(client0.Cert.VerifyHostname(ServerName), cv.ShouldBeNil)
		cv.So(client0.Cert.VerifyHostname("127.0.0.1"), cv.ShouldBeNil)
	})
}

func Test102_save_and_load_round_trip(t *testing.T) {

	cv.Convey("A saved CA and node pair load back into working tls.Configs.", t, func() {

		tmp := t.TempDir()
		caDir := filepath.Join(tmp, "private")
		certDir := filepath.Join(tmp, "certs")

		ca, err := NewCA("test-ca", time.Hour)
		cv.So(err, cv.ShouldBeNil)
		cv.So(ca.Save(caDir, nil, nil), cv.ShouldBeNil)

		node, err := ca.Issue("node", "", time.Hour, "echo.example.com", "10.1.2.3")
		cv.So(err, cv.ShouldBeNil)
		cv.So(node.Save(certDir, ca, nil, nil), cv.ShouldBeNil)

		fi, err := os.Stat(filepath.Join(certDir, "node.key"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(fi.Mode().Perm(), cv.ShouldEqual, os.FileMode(0600))

		ca2, err := LoadCA(caDir, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(ca2.Cert.Equal(ca.Cert), cv.ShouldBeTrue)
		cv.So(ca2.Key.Equal(ca.Key), cv.ShouldBeTrue)

		srvConf, err := LoadServerTLSConfig(certDir, "node", nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(srvConf.Certificates), cv.ShouldEqual, 1)
		cv.So(srvConf.ClientCAs, cv.ShouldNotBeNil)

		cliConf, err := LoadClientTLSConfig(certDir, "node", nil, false)
		cv.So(err, cv.ShouldBeNil)
		cv.So(cliConf.ServerName, cv.ShouldEqual, ServerName)
		cv.So(cliConf.InsecureSkipVerify, cv.ShouldBeFalse)

		cv.So(node.Cert.VerifyHostname("echo.example.com"), cv.ShouldBeNil)
		cv.So(node.Cert.VerifyHostname("10.1.2.3"), cv.ShouldBeNil)
	})
}

func Test103_passphrase_protected_keys(t *testing.T) {

	cv.Convey("A key written under a passphrase needs that passphrase to load.", t, func() {

		tmp := t.TempDir()
		ca, err := NewCA("test-ca", time.Hour)
		cv.So(err, cv.ShouldBeNil)
		kp, err := ca.Issue("client", "", time.Hour)
		cv.So(err, cv.ShouldBeNil)

		pw := []byte("correct horse")
		cv.So(kp.Save(tmp, ca, pw, testParams), cv.ShouldBeNil)

		keyPEM, err := os.ReadFile(filepath.Join(tmp, "client.key"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(keyPEM), cv.ShouldContainSubstring, "ENCRYPTED PRIVATE KEY")
		cv.So(string(keyPEM), cv.ShouldContainSubstring, "Argon2id.Salt")

		_, err = LoadKeyPair(tmp, "client", nil)
		cv.So(err, cv.ShouldNotBeNil)

		_, err = LoadKeyPair(tmp, "client", StaticPassphrase([]byte("wrong")))
		cv.So(err, cv.ShouldNotBeNil)

		back, err := LoadKeyPair(tmp, "client", StaticPassphrase(pw))
		cv.So(err, cv.ShouldBeNil)
		cv.So(back.Key.Equal(kp.Key), cv.ShouldBeTrue)
	})
}

func Test104_bootstrap_is_idempotent(t *testing.T) {

	cv.Convey("Bootstrap creates a CA and pair once, then leaves them alone.", t, func() {

		tmp := t.TempDir()
		caDir := filepath.Join(tmp, "private")
		certDir := filepath.Join(tmp, "certs")

		cv.So(Bootstrap(caDir, certDir, "node"), cv.ShouldBeNil)
		first, err := os.ReadFile(filepath.Join(certDir, "node.crt"))
		cv.So(err, cv.ShouldBeNil)

		cv.So(Bootstrap(caDir, certDir, "node"), cv.ShouldBeNil)
		second, err := os.ReadFile(filepath.Join(certDir, "node.crt"))
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(second), cv.ShouldEqual, string(first))

		// a second name is issued by the same CA.
		cv.So(Bootstrap(caDir, certDir, "client"), cv.ShouldBeNil)
		_, err = LoadClientTLSConfig(certDir, "client", nil, false)
		cv.So(err, cv.ShouldBeNil)
	})
}
