package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.Mode != ModeStreaming {
		t.Errorf("expected streaming mode by default, got %q", cfg.Chat.Mode)
	}
	if cfg.Refill.PollInterval != 5*time.Minute {
		t.Errorf("expected 5m refill poll, got %s", cfg.Refill.PollInterval)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Errorf("expected sqlite store by default, got %q", cfg.Store.Driver)
	}
	if !cfg.Runtime.Dev {
		t.Error("expected dev flag to be carried into runtime config")
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
chat:
  mode: SYNC
  reconcile_delay: 2s
auth:
  user_id: from-file
store:
  driver: memory
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COMPANION_USER_ID", "from-env")

	cfg, err := LoadConfig(path, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Chat.Mode != ModeSync {
		t.Errorf("mode should be normalized to sync, got %q", cfg.Chat.Mode)
	}
	if cfg.Chat.ReconcileDelay != 2*time.Second {
		t.Errorf("reconcile delay = %s", cfg.Chat.ReconcileDelay)
	}
	if cfg.Auth.UserID != "from-env" {
		t.Errorf("env should override file, got %q", cfg.Auth.UserID)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	cases := map[string]string{
		"bad mode":             "chat:\n  mode: auto\n",
		"bad driver":           "store:\n  driver: etcd\n",
		"redis without url":    "store:\n  driver: redis\n",
		"postgres without url": "store:\n  driver: postgres\n",
		"short state key":      "store:\n  encryption_key: abc\n",
	}
	t.Setenv("DATABASE_URL", "")
	t.Setenv("COMPANION_STATE_KEY", "")
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path, false); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyDefaults_Responder(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	var cfg Config
	cfg.DevServer.Responder.Provider = " Gemini "
	ApplyDefaults(&cfg)

	rc := cfg.DevServer.Responder
	if rc.Provider != "gemini" || rc.APIKey != "g-key" {
		t.Errorf("unexpected responder %+v", rc)
	}
	if rc.HistoryTurns != 20 || rc.MaxOutputTokens != 512 || rc.Persona == "" {
		t.Errorf("defaults not applied: %+v", rc)
	}
	if cfg.UI.Lang != "en" {
		t.Errorf("expected en ui, got %q", cfg.UI.Lang)
	}

	cfg.DevServer.Responder.Provider = "llama"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown provider to fail validation")
	}
}
