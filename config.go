package tlsecho

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var sep = string(os.PathSeparator)

// Config says where a server listens (or where a
// client dials), how long connections may sit idle,
// and how strict the TLS posture is.
type Config struct {

	// ServerAddr host:port to bind (server) or
	// to contact (client).
	ServerAddr string

	// Backlog bounds the kernel queue of completed
	// TCP connections that we have not yet accepted.
	// Past it, new connectors are refused or dropped
	// by the kernel; they never reach TLS.
	Backlog int

	// IdleTimeout closes a session that has seen no
	// successful read or write for this long.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake,
	// which can otherwise hang on a silent peer.
	HandshakeTimeout time.Duration

	// BufferSize is the per-session read buffer.
	// Each read returns at most this many bytes,
	// which are echoed before the next read.
	BufferSize int

	// ClientCertRequired true means mutual TLS: the
	// client must present a certificate signed by
	// our CA. false means only the server proves
	// who it is.
	ClientCertRequired bool

	// MaxConns caps simultaneous live sessions. 0 means
	// no cap. While saturated we stop accepting, so the
	// kernel Backlog fills and admits no more.
	MaxConns int

	// ShardCount is the number of independently locked
	// shards in the connection registry.
	ShardCount int

	// UseQUIC serves each QUIC connection's first
	// bidirectional stream instead of TLS over TCP.
	UseQUIC bool

	// CertPath is the directory holding ca.crt and
	// the KeyPairName.crt/.key pair. Empty means
	// GetCertsDir().
	CertPath string

	// KeyPairName picks CertPath/KeyPairName.{crt,key}.
	// Typically "node" on servers, "client" on clients.
	KeyPairName string

	// SkipVerifyKeys (client only) accepts any server
	// certificate. For self-signed test setups that
	// lack the right SANs.
	SkipVerifyKeys bool
}

const (
	DefaultServerAddr       = "127.0.0.1:8443"
	DefaultBacklog          = 10
	DefaultIdleTimeout      = 240 * time.Second
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultBufferSize       = 1024
	DefaultShardCount       = 16
)

// NewConfig returns a Config with the defaults
// the echo service has always used.
func NewConfig() *Config {
	return &Config{
		ServerAddr:         DefaultServerAddr,
		Backlog:            DefaultBacklog,
		IdleTimeout:        DefaultIdleTimeout,
		HandshakeTimeout:   DefaultHandshakeTimeout,
		BufferSize:         DefaultBufferSize,
		ClientCertRequired: true,
		ShardCount:         DefaultShardCount,
		KeyPairName:        "node",
	}
}

// Validate reports the first nonsensical setting.
func (c *Config) Validate() error {
	switch {
	case c.ServerAddr == "":
		return fmt.Errorf("Config.ServerAddr must be set")
	case c.Backlog < 0:
		return fmt.Errorf("Config.Backlog cannot be negative: %v", c.Backlog)
	case c.IdleTimeout <= 0:
		return fmt.Errorf("Config.IdleTimeout must be positive: %v", c.IdleTimeout)
	case c.BufferSize <= 0:
		return fmt.Errorf("Config.BufferSize must be positive: %v", c.BufferSize)
	case c.MaxConns < 0:
		return fmt.Errorf("Config.MaxConns cannot be negative: %v", c.MaxConns)
	}
	return nil
}

// configFile is the YAML form of a Config. Durations
// are strings for time.ParseDuration. Absent keys keep
// the NewConfig defaults; the pointers tell an explicit
// 0 or false apart from absence.
type configFile struct {
	ServerAddr         string `yaml:"server_addr"`
	Backlog            *int   `yaml:"backlog"`
	IdleTimeout        string `yaml:"idle_timeout"`
	HandshakeTimeout   string `yaml:"handshake_timeout"`
	BufferSize         int    `yaml:"buffer_size"`
	ClientCertRequired *bool  `yaml:"client_cert_required"`
	MaxConns           int    `yaml:"max_conns"`
	ShardCount         int    `yaml:"shard_count"`
	UseQUIC            bool   `yaml:"quic"`
	CertPath           string `yaml:"cert_path"`
	KeyPairName        string `yaml:"key_pair_name"`
}

// LoadConfigFile reads a YAML config over the defaults.
// Unknown keys are an error, to catch typos.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config '%v': %w", path, err)
	}
	cfg, err := parseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("config '%v': %w", path, err)
	}
	return cfg, nil
}

func parseConfigYAML(data []byte) (*Config, error) {
	var f configFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	cfg := NewConfig()
	if f.ServerAddr != "" {
		cfg.ServerAddr = f.ServerAddr
	}
	if f.Backlog != nil {
		cfg.Backlog = *f.Backlog
	}
	if f.IdleTimeout != "" {
		d, err := time.ParseDuration(f.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("idle_timeout: %w", err)
		}
		cfg.IdleTimeout = d
	}
	if f.HandshakeTimeout != "" {
		d, err := time.ParseDuration(f.HandshakeTimeout)
		if err != nil {
			return nil, fmt.Errorf("handshake_timeout: %w", err)
		}
		cfg.HandshakeTimeout = d
	}
	if f.BufferSize != 0 {
		cfg.BufferSize = f.BufferSize
	}
	if f.ClientCertRequired != nil {
		cfg.ClientCertRequired = *f.ClientCertRequired
	}
	if f.MaxConns != 0 {
		cfg.MaxConns = f.MaxConns
	}
	if f.ShardCount != 0 {
		cfg.ShardCount = f.ShardCount
	}
	cfg.UseQUIC = f.UseQUIC
	if f.CertPath != "" {
		cfg.CertPath = f.CertPath
	}
	if f.KeyPairName != "" {
		cfg.KeyPairName = f.KeyPairName
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// clone so the caller can keep mutating theirs.
func (c *Config) clone() *Config {
	cp := *c
	if cp.ShardCount <= 0 {
		cp.ShardCount = DefaultShardCount
	}
	if cp.HandshakeTimeout <= 0 {
		cp.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &cp
}

// GetCertsDir tells us where to generate/look
// for certificates and key pairs.
// It also creates the directory if it
// does not exist, and panics if it cannot.
//
// Use $XDG_CONFIG_HOME/tlsecho/certs if
// XDG_CONFIG_HOME is set, else
// $HOME/.config/tlsecho/certs, else ./certs.
func GetCertsDir() (path string) {
	return configSubdir("certs")
}

// GetPrivateCertificateAuthDir says where
// to store the CA private key, which should
// not be distributed with the node key pairs.
func GetPrivateCertificateAuthDir() (path string) {
	return configSubdir("my-keep-private-dir")
}

func configSubdir(base string) (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	switch {
	case dir != "":
		path = dir + sep + "tlsecho" + sep + base
	case home != "":
		path = home + sep + ".config" + sep + "tlsecho" + sep + base
	default:
		path = base
	}
	err := os.MkdirAll(path, 0700)
	panicOn(err)
	return path
}
