package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "persist.json", `{
		"db_file": "/data/store.db",
		"busy_timeout_ms": 2500,
		"journal_mode": "WAL",
		"retry_policy": {
			"enabled": true,
			"max_attempts": 5,
			"initial_delay_ms": 250,
			"max_delay_ms": 8000,
			"backoff_multiplier": 3
		}
	}`)
	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if o.DBFile != "/data/store.db" || o.BusyTimeoutMS != 2500 {
		t.Errorf("basic fields wrong: %+v", o)
	}
	if o.Retry.MaxAttempts != 5 || o.Retry.InitialDelay != 250*time.Millisecond {
		t.Errorf("retry policy wrong: %+v", o.Retry)
	}
	if o.Retry.MaxDelay != 8*time.Second || o.Retry.BackoffMultiplier != 3 {
		t.Errorf("retry policy wrong: %+v", o.Retry)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "persist.json", `{"db_file": "x.db"}`)
	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if o.BusyTimeoutMS != 5000 || o.CommandTimeout != 30 {
		t.Errorf("defaults not applied: %+v", o)
	}
	if o.JournalMode != JournalWAL {
		t.Errorf("journal default = %q", o.JournalMode)
	}
	if !o.Retry.Enabled || o.Retry.MaxAttempts != 3 || o.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("retry defaults wrong: %+v", o.Retry)
	}
}

func TestLoadRetryPreset(t *testing.T) {
	path := writeConfig(t, "persist.json", `{"db_file": "x.db", "retry_preset": "high-contention"}`)
	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if o.Retry.MaxAttempts != 10 || o.Retry.InitialDelay != 50*time.Millisecond {
		t.Errorf("preset not applied: %+v", o.Retry)
	}
}

func TestLoadRejectsMissingDBFile(t *testing.T) {
	path := writeConfig(t, "persist.json", `{"busy_timeout_ms": 100}`)
	if _, err := Load(path); err == nil {
		t.Fatal("config without db_file must fail")
	}
}

func TestLoadRejectsBadJournalMode(t *testing.T) {
	path := writeConfig(t, "persist.json", `{"db_file": "x.db", "journal_mode": "TRUNCATE"}`)
	if _, err := Load(path); err == nil {
		t.Fatal("unknown journal_mode must fail")
	}
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions("a.db")
	if err := o.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if o.CommandDeadline() != 30*time.Second {
		t.Errorf("deadline = %v", o.CommandDeadline())
	}
}
