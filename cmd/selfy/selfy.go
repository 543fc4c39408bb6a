package main

import (
	"crypto/ed25519"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glycerine/tlsecho"
	"github.com/glycerine/tlsecho/selfcert"

	// for the base58 (version-checked) encoding of public keys
	"github.com/glycerine/base58"
)

type SelfCertConfig struct {
	OdirCerts              string
	OdirCA_privateKey      string
	CreateCA               bool
	CreateKeyPairNamed     string
	Viewpath               string
	Email                  string
	Hosts                  string
	Quiet                  bool
	SkipEncryptPrivateKeys bool

	// verify that cert was signed by the CA
	// in OdirCA_privateKey/ca.crt
	VerifySignatureOnCertPath string

	AuthorityValidForDur time.Duration
	CertValidForDur      time.Duration

	// raw flag values, so we can support d (day), and y (year)
	certValidForDurStr      string
	authorityValidForDurStr string
}

func (c *SelfCertConfig) DefineFlags(fs *flag.FlagSet) {

	certdir := tlsecho.GetCertsDir()
	cadir := tlsecho.GetPrivateCertificateAuthDir()

	fs.StringVar(&c.OdirCA_privateKey, "p", cadir, "directory holding the CA. With -ca, the new CA private key is saved here. With -k, the CA here signs the new pair.")

	fs.StringVar(&c.OdirCerts, "o", certdir, "directory to save newly created key pairs into. echosrv and echocli read from here by default.")

	fs.StringVar(&c.CreateKeyPairNamed, "k", "", "create a new ed25519 key pair {name}.crt and {name}.key in the -o directory, signed by the CA in -p. A CA is made first if none exists. Use 'node' for the server and 'client' for clients.")

	fs.StringVar(&c.Viewpath, "v", "", "path to a cert to summarize, including its blake3 fingerprint.")

	fs.StringVar(&c.Email, "e", "", "email to write into the certificate, naming who to contact about it. Defaults to name@host.")

	fs.StringVar(&c.Hosts, "host", "", "comma separated extra DNS names or IP addresses for the certificate. localhost, 127.0.0.1 and ::1 are always included.")

	fs.BoolVar(&c.CreateCA, "ca", false, "create a new self-signed certificate authority in the -p directory.")

	fs.BoolVar(&c.Quiet, "quiet", false, "don't log actions taken as we go")
	fs.BoolVar(&c.SkipEncryptPrivateKeys, "nopass", false, "by default we ask for a passphrase and use it with Argon2id to encrypt the private key file. -nopass writes the key unencrypted, which a server started unattended needs.")

	fs.StringVar(&c.VerifySignatureOnCertPath, "verify", "", "verify this certificate was signed by the CA in -p {dir}/ca.crt")

	fs.StringVar(&c.certValidForDurStr, "cert-validfor", "", "lifetime of a new key pair's certificate. Empty means (effectively) never expires. Supports suffixes d and y for days and years (m is minutes!)")

	fs.StringVar(&c.authorityValidForDurStr, "ca-validfor", "", "lifetime of a new CA. Empty means (effectively) never expires. Supports suffixes d and y.")
}

// ValidateConfig finishes filling the config
// from the flags, just after fs.Parse().
func (c *SelfCertConfig) ValidateConfig(fs *flag.FlagSet) (err error) {
	host, _ := os.Hostname()
	if c.CreateKeyPairNamed != "" && c.Email == "" {
		c.Email = fmt.Sprintf("%v@%v", c.CreateKeyPairNamed, host)
		fmt.Fprintf(os.Stderr, "selfy: no -e email given; using '%v'\n", c.Email)
	}
	if c.VerifySignatureOnCertPath != "" && !FileExists(c.VerifySignatureOnCertPath) {
		return fmt.Errorf("selfy -verify path not found: '%v'", c.VerifySignatureOnCertPath)
	}
	c.CertValidForDur, err = ParseDurationDaysYearsToo(c.certValidForDurStr)
	if err != nil {
		return fmt.Errorf("bad -cert-validfor '%v': %v", c.certValidForDurStr, err)
	}
	c.AuthorityValidForDur, err = ParseDurationDaysYearsToo(c.authorityValidForDurStr)
	if err != nil {
		return fmt.Errorf("bad -ca-validfor '%v': %v", c.authorityValidForDurStr, err)
	}
	return nil
}

func main() {
	tlsecho.Exit1IfVersionReq()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	c := &SelfCertConfig{}
	fs := flag.NewFlagSet("selfy", flag.ExitOnError)
	c.DefineFlags(fs)
	fs.Parse(os.Args[1:])
	if err := c.ValidateConfig(fs); err != nil {
		log.Fatalf("selfy: %v", err)
	}
	logf := func(format string, a ...any) {
		if !c.Quiet {
			log.Printf(format, a...)
		}
	}

	var ca *selfcert.CA
	var err error

	if c.CreateCA {
		if FileExists(filepath.Join(c.OdirCA_privateKey, "ca.key")) {
			log.Fatalf("selfy -ca: refusing to overwrite existing CA in '%v'", c.OdirCA_privateKey)
		}
		ca = makeCA(c)
		logf("CA private key and self-signed certificate written to '%v'", c.OdirCA_privateKey)
	}

	if c.CreateKeyPairNamed != "" {
		if ca == nil {
			if FileExists(filepath.Join(c.OdirCA_privateKey, "ca.key")) {
				ca, err = selfcert.LoadCA(c.OdirCA_privateKey, selfcert.TerminalPassphrase)
				if err != nil {
					log.Fatalf("selfy could not load CA from '%v': '%v'", c.OdirCA_privateKey, err)
				}
			} else {
				logf("no CA in '%v'; making one first.", c.OdirCA_privateKey)
				ca = makeCA(c)
			}
		}
		// keep the cert's lifetime within the CA's.
		goodFor := c.CertValidForDur
		if left := time.Until(ca.Cert.NotAfter); goodFor == 0 || goodFor > left {
			goodFor = left
		}
		var hosts []string
		if c.Hosts != "" {
			hosts = strings.Split(c.Hosts, ",")
		}
		kp, err := ca.Issue(c.CreateKeyPairNamed, c.Email, goodFor, hosts...)
		if err != nil {
			log.Fatalf("selfy could not issue '%v': '%v'", c.CreateKeyPairNamed, err)
		}
		pass := askPass(c, fmt.Sprintf("key pair '%v'", c.CreateKeyPairNamed))
		if err := kp.Save(c.OdirCerts, ca, pass, nil); err != nil {
			log.Fatalf("selfy could not save '%v' in '%v': '%v'", c.CreateKeyPairNamed, c.OdirCerts, err)
		}
		logf("key pair '%v' written to '%v'; fingerprint %v", c.CreateKeyPairNamed, c.OdirCerts, tlsecho.Fingerprint(kp.Cert.Raw))
	}

	if c.Viewpath != "" {
		view(c.Viewpath)
	}

	if c.VerifySignatureOnCertPath != "" {
		_, caCert, err := selfcert.LoadCertificate(filepath.Join(c.OdirCA_privateKey, "ca.crt"))
		if err != nil {
			log.Fatalf("selfy -verify: %v", err)
		}
		_, cert, err := selfcert.LoadCertificate(c.VerifySignatureOnCertPath)
		if err != nil {
			log.Fatalf("selfy -verify: %v", err)
		}
		if err := selfcert.VerifySignedBy(cert, caCert); err != nil {
			fmt.Printf("'%v' is NOT signed by the CA in '%v': %v\n", c.VerifySignatureOnCertPath, c.OdirCA_privateKey, err)
			os.Exit(1)
		}
		fmt.Printf("'%v' is signed by the CA in '%v'.\n", c.VerifySignatureOnCertPath, c.OdirCA_privateKey)
	}
}

func makeCA(c *SelfCertConfig) *selfcert.CA {
	ca, err := selfcert.NewCA("tlsecho-ca", c.AuthorityValidForDur)
	if err != nil {
		log.Fatalf("selfy could not make a CA: '%v'", err)
	}
	pass := askPass(c, "the CA private key")
	if err := ca.Save(c.OdirCA_privateKey, pass, nil); err != nil {
		log.Fatalf("selfy could not save CA in '%v': '%v'", c.OdirCA_privateKey, err)
	}
	return ca
}

func askPass(c *SelfCertConfig, what string) []byte {
	if c.SkipEncryptPrivateKeys {
		return nil
	}
	pass, err := selfcert.NewPassphrase(what)
	if err != nil {
		log.Fatalf("selfy: %v (use -nopass to skip key encryption)", err)
	}
	return pass
}

func view(path string) {
	_, cert, err := selfcert.LoadCertificate(path)
	if err != nil {
		log.Fatalf("Error loading '%v': %v", path, err)
	}
	fmt.Printf("subject:     %v\n", cert.Subject)
	fmt.Printf("issuer:      %v\n", cert.Issuer)
	fmt.Printf("is CA:       %v\n", cert.IsCA)
	fmt.Printf("not before:  %v\n", cert.NotBefore.UTC())
	fmt.Printf("not after:   %v\n", cert.NotAfter.UTC())
	fmt.Printf("DNS names:   %v\n", cert.DNSNames)
	fmt.Printf("IPs:         %v\n", cert.IPAddresses)
	fmt.Printf("emails:      %v\n", cert.EmailAddresses)
	fmt.Printf("fingerprint: %v\n", tlsecho.Fingerprint(cert.Raw))

	if ed, ok := cert.PublicKey.(ed25519.PublicKey); ok {
		fmt.Printf("public key (hex):          %x\n", []byte(ed))
		fmt.Printf("public key (base58-check): %v\n", toBase58Check(ed))
	} else {
		fmt.Printf("public key type: %T\n", cert.PublicKey)
	}
}

// we always use 255, which is -1 in 8-bit 2's complement.
const VersionByteBase58Checked byte = 255

func toBase58Check(by []byte) string {
	return base58.CheckEncode(by, VersionByteBase58Checked)
}

func ParseDurationDaysYearsToo(s string) (dur time.Duration, err error) {
	if s == "" {
		return
	}
	if strings.HasSuffix(s, "y") {
		years, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, err
		}
		// 365.25 days to account for leap years
		return time.Duration(years * 365.25 * 24 * float64(time.Hour)), nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err != nil {
			return 0, err
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}
