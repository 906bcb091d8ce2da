package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromYAML(t *testing.T) {
	path := writeYAML(t, `
schema_version: v1
host: inference.example.com
port: 8085
insecure: true
timeout: 30s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "inference.example.com" || cfg.Port != 8085 {
		t.Fatalf("target = %s", cfg.Target())
	}
	if !cfg.Insecure {
		t.Fatal("insecure flag lost")
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("timeout = %s", cfg.Timeout)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "localhost" {
		t.Fatalf("host = %q", cfg.Host)
	}
	if cfg.Timeout != 10*time.Second {
		t.Fatalf("timeout = %s", cfg.Timeout)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "host: from-file\nport: 1\n")
	t.Setenv("CAIKIT_NLP__HOST", "from-env")
	t.Setenv("CAIKIT_NLP__PORT", "8080")
	t.Setenv("CAIKIT_NLP__SKIP_VERIFY", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "from-env" || cfg.Port != 8080 {
		t.Fatalf("target = %s", cfg.Target())
	}
	if !cfg.SkipVerify {
		t.Fatal("skip_verify env override lost")
	}
}

func TestEnvWithoutYAML(t *testing.T) {
	t.Setenv("CAIKIT_NLP__HOST", "env-only")
	t.Setenv("CAIKIT_NLP__INSECURE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "env-only" || !cfg.Insecure {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestUnsupportedSchemaVersion(t *testing.T) {
	path := writeYAML(t, "schema_version: v999\nhost: h\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected a schema version error")
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "localhost" {
		t.Fatalf("host = %q", cfg.Host)
	}
}

func TestTLSMaterialPredicates(t *testing.T) {
	var cfg Config
	if cfg.HasTLSMaterial() {
		t.Fatal("zero config should reference no material")
	}
	cfg.CACertPEM = []byte("pem")
	if !cfg.HasCA() || !cfg.HasTLSMaterial() {
		t.Fatal("inline CA not detected")
	}
	cfg = Config{ClientCert: "/tls/cert.pem"}
	if !cfg.HasClientCert() || cfg.HasClientKey() {
		t.Fatal("path-based client cert not detected")
	}
}
