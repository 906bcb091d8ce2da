package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the connection descriptor shared by both transports. Security
// mode follows from the flags and certificate material: Insecure means
// plaintext, a CA alone means server-authenticated TLS, CA + client cert +
// client key means mutual TLS, and SkipVerify (without material) means the
// live server certificate is fetched and trusted as-is.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	Insecure   bool `koanf:"insecure"`
	SkipVerify bool `koanf:"skip_verify"`

	// Certificate material referenced by filesystem path. The *PEM fields
	// take precedence and carry inline material for programmatic use.
	CACert     string `koanf:"ca_cert"`
	ClientCert string `koanf:"client_cert"`
	ClientKey  string `koanf:"client_key"`

	CACertPEM     []byte `koanf:"-"`
	ClientCertPEM []byte `koanf:"-"`
	ClientKeyPEM  []byte `koanf:"-"`

	// Timeout is the per-call default applied when the caller's context
	// carries no deadline.
	Timeout time.Duration `koanf:"timeout"`
}

const SupportedSchema = "v1"

// Load merges YAML (if present) with env-vars
// (prefix `CAIKIT_NLP__`, delimiter `__`).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != SupportedSchema {
		return Config{}, fmt.Errorf("client schema_version %q not supported (want %s)", sv, SupportedSchema)
	}

	_ = k.Load(env.Provider("CAIKIT_NLP__", "__", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CAIKIT_NLP__")), "__", ".")
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
}

// Target renders the dial target.
func (c *Config) Target() string {
	return fmt.Sprintf("%s:%d", strings.TrimSpace(c.Host), c.Port)
}

// HasCA reports whether CA material is referenced inline or by path.
func (c *Config) HasCA() bool { return len(c.CACertPEM) > 0 || c.CACert != "" }

// HasClientCert reports whether a client certificate is referenced.
func (c *Config) HasClientCert() bool { return len(c.ClientCertPEM) > 0 || c.ClientCert != "" }

// HasClientKey reports whether a client private key is referenced.
func (c *Config) HasClientKey() bool { return len(c.ClientKeyPEM) > 0 || c.ClientKey != "" }

// HasTLSMaterial reports whether any certificate material is referenced.
func (c *Config) HasTLSMaterial() bool {
	return c.HasCA() || c.HasClientCert() || c.HasClientKey()
}
