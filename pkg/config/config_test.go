package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NATS_URL":              "nats://nats:4222",
		"TYPING_TIMEOUT":        "3s",
		"AUTH_REFRESH_LEAD":     "not-a-duration",
		"NOTIFY_DEDUP_SIZE":     "250",
		"NOTIFY_DELETE_ON_READ": "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	cfg.applyEnv(lookup)

	if cfg.NatsURL != "nats://nats:4222" {
		t.Errorf("NatsURL = %q", cfg.NatsURL)
	}
	if cfg.TypingTimeout != 3*time.Second {
		t.Errorf("TypingTimeout = %v", cfg.TypingTimeout)
	}
	if cfg.AuthRefreshLead != 5*time.Minute {
		t.Errorf("invalid duration should keep default, got %v", cfg.AuthRefreshLead)
	}
	if cfg.NotifyDedupSize != 250 {
		t.Errorf("NotifyDedupSize = %d", cfg.NotifyDedupSize)
	}
	if !cfg.NotifyDeleteOnRead {
		t.Error("NotifyDeleteOnRead should be true")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatsync.yaml")
	data := []byte("nats_url: nats://file:4222\ntyping_timeout: 7s\nnotify_dedup_size: 42\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		t.Fatalf("loadFile: %v", err)
	}
	if cfg.NatsURL != "nats://file:4222" {
		t.Errorf("NatsURL = %q", cfg.NatsURL)
	}
	if cfg.TypingTimeout != 7*time.Second {
		t.Errorf("TypingTimeout = %v", cfg.TypingTimeout)
	}
	if cfg.NotifyDedupSize != 42 {
		t.Errorf("NotifyDedupSize = %d", cfg.NotifyDedupSize)
	}
	if cfg.PresenceLeaseTTL != 45*time.Second {
		t.Errorf("unset field should keep default, got %v", cfg.PresenceLeaseTTL)
	}
}
