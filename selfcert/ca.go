// Package selfcert makes and loads the small private PKI
// the echo service runs on: one ed25519 certificate
// authority, and ed25519 key pairs it signs for servers
// and clients.
package selfcert

import (
	"crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	country      = "US"
	organization = "tlsecho"
	orgUnit      = "echo"

	// ForeverDur is the lifetime used when none is given.
	ForeverDur = 36600 * 24 * time.Hour
)

// CA is a certificate authority: a self-signed
// certificate and the key that signs leaf certificates.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     ed25519.PrivateKey
}

// NewCA makes a fresh self-signed CA valid for validFor
// (ForeverDur if zero).
func NewCA(commonName string, validFor time.Duration) (*CA, error) {
	if validFor <= 0 {
		validFor = ForeverDur
	}
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Country:            []string{country},
			Organization:       []string{organization},
			OrganizationalUnit: []string{orgUnit},
			CommonName:         commonName,
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(cryrand.Reader, tmpl, tmpl, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &CA{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     priv,
	}, nil
}

// Pool trusts just this CA.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return pool
}

// Save writes dir/ca.crt and dir/ca.key. A non-nil pass
// protects the key with Argon2id and AES-GCM.
func (ca *CA) Save(dir string, pass []byte, params *EncryptionParameters) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	ownerOnly(dir)
	if err := writeFileOwnerOnly(filepath.Join(dir, "ca.crt"), ca.CertPEM); err != nil {
		return err
	}
	return WriteKeyFile(filepath.Join(dir, "ca.key"), ca.Key, pass, params)
}

// LoadCA reads dir/ca.crt and dir/ca.key, asking pass
// for the passphrase only if the key is protected.
func LoadCA(dir string, pass PassphraseFunc) (*CA, error) {
	certPEM, cert, err := LoadCertificate(filepath.Join(dir, "ca.crt"))
	if err != nil {
		return nil, err
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("'%v' is not a CA certificate", filepath.Join(dir, "ca.crt"))
	}
	key, err := ReadKeyFile(filepath.Join(dir, "ca.key"), pass)
	if err != nil {
		return nil, err
	}
	return &CA{Cert: cert, CertPEM: certPEM, Key: key}, nil
}

// LoadCertificate reads one PEM certificate.
func LoadCertificate(path string) (certPEM []byte, cert *x509.Certificate, err error) {
	certPEM, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read certificate '%v': %w", path, err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("no CERTIFICATE PEM block in '%v'", path)
	}
	cert, err = x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate '%v': %w", path, err)
	}
	return
}

// VerifySignedBy checks that cert chains to ca.
func VerifySignedBy(cert, ca *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

func randSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 127)
	n, err := cryrand.Int(cryrand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("serial number: %w", err)
	}
	return n, nil
}

func ownerOnly(path string) {
	fi, err := os.Stat(path)
	if err != nil {
		return
	}
	if fi.IsDir() {
		os.Chmod(path, 0700)
	} else {
		os.Chmod(path, 0600)
	}
}

func writeFileOwnerOnly(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write '%v': %w", path, err)
	}
	ownerOnly(path)
	return nil
}

func fileExists(name string) bool {
	fi, err := os.Stat(name)
	if err != nil {
		return false
	}
	return !fi.IsDir()
}
