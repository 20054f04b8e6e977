package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxRetries != 2 || cfg.MaxConcurrent != 3 {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if cfg.LockTimeout != 5*time.Second || cfg.StaleLockAge != 2*time.Hour || cfg.HistoryLockTimeout != 10*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.MetadataGrace != 10*time.Second || cfg.PollInterval != 100*time.Millisecond || cfg.RenewInterval != 0 {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.Backend != "fs" || cfg.Bus != "none" || len(cfg.KafkaBrokers) != 1 {
		t.Fatalf("unexpected transport settings %+v", cfg)
	}
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.toml")
	data := "max_retries = 5\nlock_timeout = \"1m\"\nbackend = \"redis\"\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("BATON_MAX_CONCURRENT", "7")
	t.Setenv("BATON_LOCK_TIMEOUT", "30s")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxRetries != 5 || cfg.Backend != "redis" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.MaxConcurrent != 7 || cfg.LockTimeout != 30*time.Second {
		t.Fatalf("environment not applied: %+v", cfg)
	}
}

func TestYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baton.yaml")
	if err := os.WriteFile(path, []byte("sweep_limit: 4\nbus: nats\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepLimit != 4 || cfg.Bus != "nats" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "max_retries") {
		t.Fatalf("expected max_retries error, got %v", err)
	}
	cfg = Default()
	cfg.StaleLockAge = -time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected negative duration error")
	}
	cfg = Default()
	cfg.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unknown backend error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriteTOMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.MaxRetries = 9
	cfg.StaleLockAge = 90 * time.Minute
	var buf bytes.Buffer
	if err := cfg.WriteTOML(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.Contains(buf.String(), `stale_lock_age = "1h30m0s"`) {
		t.Fatalf("unexpected output:\n%s", buf.String())
	}
	path := filepath.Join(t.TempDir(), "out.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.MaxRetries != 9 || got.StaleLockAge != 90*time.Minute {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
