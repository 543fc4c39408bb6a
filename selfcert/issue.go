package selfcert

import (
	"crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// KeyPair is an ed25519 key and the certificate
// our CA issued for it.
type KeyPair struct {
	Name    string
	Cert    *x509.Certificate
	CertPEM []byte
	Key     ed25519.PrivateKey
}

// Issue makes a new key pair named name, signed by ca.
// The certificate is good for both server and client
// authentication, and names localhost and the loopback
// addresses so local tests can verify it. Extra hosts
// (DNS names or IPs) are added as SANs.
func (ca *CA) Issue(name, email string, validFor time.Duration, hosts ...string) (*KeyPair, error) {
	if validFor <= 0 {
		validFor = ForeverDur
	}
	pub, priv, err := ed25519.GenerateKey(cryrand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for '%v': %w", name, err)
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
			CommonName:         name,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(validFor),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if email != "" {
		tmpl.EmailAddresses = []string{email}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(cryrand.Reader, tmpl, ca.Cert, pub, ca.Key)
	if err != nil {
		return nil, fmt.Errorf("sign certificate for '%v': %w", name, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &KeyPair{
		Name:    name,
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     priv,
	}, nil
}

// TLSCertificate is the pair in the form crypto/tls wants.
func (kp *KeyPair) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{kp.Cert.Raw},
		PrivateKey:  kp.Key,
		Leaf:        kp.Cert,
	}
}

// Save writes dir/name.crt, dir/name.key, and a copy of
// the issuing CA's certificate as dir/ca.crt, which is
// all a node needs to run.
func (kp *KeyPair) Save(dir string, ca *CA, pass []byte, params *EncryptionParameters) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	ownerOnly(dir)
	if err := writeFileOwnerOnly(filepath.Join(dir, kp.Name+".crt"), kp.CertPEM); err != nil {
		return err
	}
	if err := WriteKeyFile(filepath.Join(dir, kp.Name+".key"), kp.Key, pass, params); err != nil {
		return err
	}
	if ca != nil {
		return writeFileOwnerOnly(filepath.Join(dir, "ca.crt"), ca.CertPEM)
	}
	return nil
}

// LoadKeyPair reads dir/name.crt and dir/name.key.
func LoadKeyPair(dir, name string, pass PassphraseFunc) (*KeyPair, error) {
	certPEM, cert, err := LoadCertificate(filepath.Join(dir, name+".crt"))
	if err != nil {
		return nil, err
	}
	key, err := ReadKeyFile(filepath.Join(dir, name+".key"), pass)
	if err != nil {
		return nil, err
	}
	if !key.Public().(ed25519.PublicKey).Equal(cert.PublicKey) {
		return nil, fmt.Errorf("key '%v' does not match certificate '%v'",
			filepath.Join(dir, name+".key"), filepath.Join(dir, name+".crt"))
	}
	return &KeyPair{Name: name, Cert: cert, CertPEM: certPEM, Key: key}, nil
}
