package selfcert

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	cryrand "crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

// EncryptionParameters are the Argon2id settings that
// turn a passphrase into the AES-GCM key protecting a
// private key file. They travel in the PEM headers.
type EncryptionParameters struct {
	Time        uint32 // iterations
	Memory      uint32 // KiB
	Threads     uint8
	KeyLength   uint32
	CipherSuite string
}

// DefaultEncryptionParameters take about a second
// and 1 GB to derive a key.
var DefaultEncryptionParameters = EncryptionParameters{
	Time:        2,
	Memory:      1024 * 1024,
	Threads:     1,
	KeyLength:   32,
	CipherSuite: "AES-GCM",
}

// PassphraseFunc supplies the passphrase for a protected
// key file at path. Called only when the file is protected.
type PassphraseFunc func(path string) ([]byte, error)

// StaticPassphrase always answers pass.
func StaticPassphrase(pass []byte) PassphraseFunc {
	return func(string) ([]byte, error) { return pass, nil }
}

// TerminalPassphrase prompts on the controlling
// terminal without echo.
func TerminalPassphrase(path string) ([]byte, error) {
	return readPassword(fmt.Sprintf("Enter passphrase for '%v': ", path))
}

// WriteKeyFile stores key at path as PKCS#8 PEM,
// encrypted under pass when pass is non-empty.
// params nil means DefaultEncryptionParameters.
func WriteKeyFile(path string, key ed25519.PrivateKey, pass []byte, params *EncryptionParameters) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	var out []byte
	if len(pass) == 0 {
		out = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	} else {
		out, err = encryptPrivateKey(der, pass, params)
		if err != nil {
			return fmt.Errorf("protect key '%v': %w", path, err)
		}
	}
	return writeFileOwnerOnly(path, out)
}

// ReadKeyFile loads an ed25519 key written by
// WriteKeyFile, consulting pass if it is protected.
func ReadKeyFile(path string, pass PassphraseFunc) (ed25519.PrivateKey, error) {
	keyPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key '%v': %w", path, err)
	}
	if bytes.Contains(keyPEM, []byte("BEGIN ENCRYPTED PRIVATE KEY")) {
		if pass == nil {
			return nil, fmt.Errorf("key '%v' is passphrase protected and no passphrase source was given", path)
		}
		pw, err := pass(path)
		if err != nil {
			return nil, fmt.Errorf("passphrase for '%v': %w", path, err)
		}
		key, err := decryptPrivateKey(keyPEM, pw)
		if err != nil {
			return nil, fmt.Errorf("unlock '%v': %w", path, err)
		}
		return key, nil
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PRIVATE KEY PEM block in '%v'", path)
	}
	return parseEd25519(block.Bytes)
}

func parseEd25519(der []byte) (ed25519.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	edKey, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key: %T", key)
	}
	return edKey, nil
}

func encryptPrivateKey(der, password []byte, params *EncryptionParameters) ([]byte, error) {
	if params == nil {
		params = &DefaultEncryptionParameters
	}
	salt := make([]byte, 16)
	if _, err := cryrand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	aesGCM, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := cryrand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := aesGCM.Seal(nil, nonce, der, nil)

	return pem.EncodeToMemory(&pem.Block{
		Type: "ENCRYPTED PRIVATE KEY",
		Headers: map[string]string{
			"CipherSuite":        strconv.Quote(params.CipherSuite),
			"Argon2id.Time":      strconv.FormatUint(uint64(params.Time), 10),
			"Argon2id.Memory":    strconv.FormatUint(uint64(params.Memory), 10),
			"Argon2id.Threads":   strconv.FormatUint(uint64(params.Threads), 10),
			"Argon2id.KeyLength": strconv.FormatUint(uint64(params.KeyLength), 10),
			"Argon2id.Salt":      hex.EncodeToString(salt),
		},
		Bytes: append(nonce, sealed...),
	}), nil
}

func decryptPrivateKey(encryptedPEM, password []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(encryptedPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if block.Type != "ENCRYPTED PRIVATE KEY" {
		return nil, fmt.Errorf("unexpected PEM type: %s", block.Type)
	}
	params, salt, err := parseEncryptionHeaders(block.Headers)
	if err != nil {
		return nil, err
	}
	if params.CipherSuite != "AES-GCM" {
		return nil, fmt.Errorf("unsupported cipher suite (only AES-GCM accepted): '%v'", params.CipherSuite)
	}
	aesGCM, err := newGCM(password, salt, params)
	if err != nil {
		return nil, err
	}
	ns := aesGCM.NonceSize()
	if len(block.Bytes) < ns {
		return nil, errors.New("ciphertext too short")
	}
	der, err := aesGCM.Open(nil, block.Bytes[:ns], block.Bytes[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("wrong passphrase or corrupt key: %w", err)
	}
	return parseEd25519(der)
}

func newGCM(password, salt []byte, params *EncryptionParameters) (cipher.AEAD, error) {
	key := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func parseEncryptionHeaders(h map[string]string) (p *EncryptionParameters, salt []byte, err error) {
	p = &EncryptionParameters{}
	get := func(k string) (string, error) {
		v, ok := h[k]
		if !ok {
			return "", fmt.Errorf("missing %v header", k)
		}
		return v, nil
	}
	num := func(k string, bits int) (uint64, error) {
		s, err := get(k)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid %v: %w", k, err)
		}
		return n, nil
	}

	cs, err := get("CipherSuite")
	if err != nil {
		return nil, nil, err
	}
	if p.CipherSuite, err = strconv.Unquote(cs); err != nil {
		p.CipherSuite = cs
	}
	t, err := num("Argon2id.Time", 32)
	if err != nil {
		return nil, nil, err
	}
	m, err := num("Argon2id.Memory", 32)
	if err != nil {
		return nil, nil, err
	}
	th, err := num("Argon2id.Threads", 8)
	if err != nil {
		return nil, nil, err
	}
	kl, err := num("Argon2id.KeyLength", 32)
	if err != nil {
		return nil, nil, err
	}
	p.Time, p.Memory, p.Threads, p.KeyLength = uint32(t), uint32(m), uint8(th), uint32(kl)

	saltHex, err := get("Argon2id.Salt")
	if err != nil {
		return nil, nil, err
	}
	salt, err = hex.DecodeString(saltHex)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid Argon2id.Salt: %w", err)
	}
	return p, salt, nil
}

// NewPassphrase prompts twice on the terminal and
// insists both entries match. Empty means no protection.
func NewPassphrase(what string) ([]byte, error) {
	pw1, err := readPassword(fmt.Sprintf("Enter passphrase for %v (empty for no passphrase): ", what))
	if err != nil {
		return nil, err
	}
	if len(pw1) == 0 {
		return nil, nil
	}
	pw2, err := readPassword("Enter same passphrase again: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(pw1, pw2) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return pw1, nil
}

func readPassword(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal; cannot prompt for passphrase")
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	return pw, nil
}
