package selfcert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"path/filepath"
)

// ServerName is what clients verify the server
// certificate against; Issue always includes it.
const ServerName = "localhost"

// ServerTLSConfig presents kp and trusts client
// certificates from pool. Whether a client certificate
// is demanded is left to the server's own policy.
func ServerTLSConfig(kp *KeyPair, pool *x509.CertPool) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{kp.TLSCertificate()},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig presents kp (which may be nil, for
// a client with no certificate) and trusts servers
// signed by pool.
func ClientTLSConfig(kp *KeyPair, pool *x509.CertPool) *tls.Config {
	conf := &tls.Config{
		RootCAs:    pool,
		ServerName: ServerName,
		MinVersion: tls.VersionTLS12,
	}
	if kp != nil {
		conf.Certificates = []tls.Certificate{kp.TLSCertificate()}
	}
	return conf
}

// LoadServerTLSConfig reads certDir/ca.crt and the
// certDir/name.{crt,key} pair.
func LoadServerTLSConfig(certDir, name string, pass PassphraseFunc) (*tls.Config, error) {
	kp, pool, err := loadNode(certDir, name, pass)
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(kp, pool), nil
}

// LoadClientTLSConfig is LoadServerTLSConfig for the
// client side. skipVerify accepts any server certificate.
func LoadClientTLSConfig(certDir, name string, pass PassphraseFunc, skipVerify bool) (*tls.Config, error) {
	kp, pool, err := loadNode(certDir, name, pass)
	if err != nil {
		return nil, err
	}
	conf := ClientTLSConfig(kp, pool)
	conf.InsecureSkipVerify = skipVerify
	return conf, nil
}

func loadNode(certDir, name string, pass PassphraseFunc) (*KeyPair, *x509.CertPool, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	_, caCert, err := LoadCertificate(caPath)
	if err != nil {
		return nil, nil, err
	}
	kp, err := LoadKeyPair(certDir, name, pass)
	if err != nil {
		return nil, nil, err
	}
	if err := VerifySignedBy(kp.Cert, caCert); err != nil {
		return nil, nil, fmt.Errorf("'%v' is not signed by '%v': %w", filepath.Join(certDir, name+".crt"), caPath, err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	return kp, pool, nil
}

// Bootstrap makes sure certDir holds a usable pair
// named name, creating a CA in caDir and issuing the
// pair on first use. Neither key is protected.
func Bootstrap(caDir, certDir, name string) error {
	if fileExists(filepath.Join(certDir, name+".crt")) &&
		fileExists(filepath.Join(certDir, name+".key")) &&
		fileExists(filepath.Join(certDir, "ca.crt")) {
		return nil
	}
	var ca *CA
	var err error
	if fileExists(filepath.Join(caDir, "ca.key")) {
		ca, err = LoadCA(caDir, nil)
	} else {
		ca, err = NewCA("tlsecho-ca", 0)
		if err == nil {
			err = ca.Save(caDir, nil, nil)
		}
	}
	if err != nil {
		return err
	}
	kp, err := ca.Issue(name, "", 0)
	if err != nil {
		return err
	}
	return kp.Save(certDir, ca, nil, nil)
}
