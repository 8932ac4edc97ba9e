// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type BackendConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"` // non-streaming requests
	BalancePath      string        `yaml:"balance_path"`
	TransactionsPath string        `yaml:"transactions_path"`
	RefreshPath      string        `yaml:"refresh_path"`
}

type AuthConfig struct {
	UserID       string `yaml:"user_id"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token"`
}

type ChatConfig struct {
	Mode              string        `yaml:"mode"` // streaming | sync
	TurnTimeout       time.Duration `yaml:"turn_timeout"`
	ReconcileDelay    time.Duration `yaml:"reconcile_delay"`
	WelcomeMessage    string        `yaml:"welcome_message"`
	EmptyReplyMessage string        `yaml:"empty_reply_message"`
}

type CreditsConfig struct {
	// DegradedChatAllowance caps the snapshot used while the balance endpoint is failing.
	DegradedChatAllowance int `yaml:"degraded_chat_allowance"`
	DegradedChatCost      int `yaml:"degraded_chat_cost"`
}

type RefillConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollOnStart  bool          `yaml:"poll_on_start"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type StoreConfig struct {
	Driver      string      `yaml:"driver"` // memory | sqlite | redis | postgres
	SQLitePath  string      `yaml:"sqlite_path"`
	Redis       RedisConfig `yaml:"redis"`
	PostgresURL string      `yaml:"postgres_url"`
	// Namespace scopes rows in a shared postgres table.
	Namespace string `yaml:"namespace"`
	// EncryptionKey (16, 24 or 32 bytes) seals stored tokens with AES-GCM when set.
	EncryptionKey string `yaml:"encryption_key"`
}

type UIConfig struct {
	Lang string `yaml:"lang"` // en | fa
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

// ResponderConfig selects how the dev server generates companion replies.
type ResponderConfig struct {
	Provider        string        `yaml:"provider"` // echo | gemini | openai
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	BaseURL         string        `yaml:"base_url"`
	Persona         string        `yaml:"persona"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	HistoryTurns    int           `yaml:"history_turns"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	Timeout         time.Duration `yaml:"timeout"`
}

type DevServerConfig struct {
	Addr           string        `yaml:"addr"`
	ChatCost       int           `yaml:"chat_cost"`
	InitialCredits int           `yaml:"initial_credits"`
	MaxCredits     int           `yaml:"max_credits"`
	RefillInterval time.Duration `yaml:"refill_interval"`
	RefillAmount   int           `yaml:"refill_amount"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	ChunkDelay     time.Duration `yaml:"chunk_delay"`

	Responder ResponderConfig `yaml:"responder"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Backend   BackendConfig   `yaml:"backend"`
	Auth      AuthConfig      `yaml:"auth"`
	Chat      ChatConfig      `yaml:"chat"`
	Credits   CreditsConfig   `yaml:"credits"`
	Refill    RefillConfig    `yaml:"refill"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	UI        UIConfig        `yaml:"ui"`
	DevServer DevServerConfig `yaml:"dev_server"`

	Runtime RuntimeConfig `yaml:"-"`
}

const (
	ModeStreaming = "streaming"
	ModeSync      = "sync"
)

// LoadConfig reads the yaml file at path, applies env overrides and defaults.
// A missing file is not an error; defaults and env still apply.
func LoadConfig(path string, dev bool) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	applyEnv(&cfg)
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COMPANION_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
	if v := os.Getenv("COMPANION_ACCESS_TOKEN"); v != "" {
		cfg.Auth.AccessToken = v
	}
	if v := os.Getenv("COMPANION_REFRESH_TOKEN"); v != "" {
		cfg.Auth.RefreshToken = v
	}
	if v := os.Getenv("COMPANION_LANG"); v != "" {
		cfg.UI.Lang = v
	}
	if v := os.Getenv("COMPANION_STATE_KEY"); v != "" {
		cfg.Store.EncryptionKey = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.PostgresURL = v
	}
	if v := os.Getenv("COMPANION_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
}

// ApplyDefaults fills zero values. Exported so tests and the dev server can build configs in code.
func ApplyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8080"
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 15 * time.Second
	}
	if cfg.Backend.BalancePath == "" {
		cfg.Backend.BalancePath = "/credits/balance"
	}
	if cfg.Backend.TransactionsPath == "" {
		cfg.Backend.TransactionsPath = "/credits/transactions"
	}
	if cfg.Backend.RefreshPath == "" {
		cfg.Backend.RefreshPath = "/auth/refresh"
	}
	cfg.Chat.Mode = strings.ToLower(strings.TrimSpace(cfg.Chat.Mode))
	if cfg.Chat.Mode == "" {
		cfg.Chat.Mode = ModeStreaming
	}
	if cfg.Chat.TurnTimeout <= 0 {
		cfg.Chat.TurnTimeout = 2 * time.Minute
	}
	if cfg.Chat.ReconcileDelay < 0 {
		cfg.Chat.ReconcileDelay = 0
	} else if cfg.Chat.ReconcileDelay == 0 {
		cfg.Chat.ReconcileDelay = 750 * time.Millisecond
	}
	if cfg.Chat.WelcomeMessage == "" {
		cfg.Chat.WelcomeMessage = "Hi! I'm here whenever you want to talk. What's on your mind?"
	}
	if cfg.Chat.EmptyReplyMessage == "" {
		cfg.Chat.EmptyReplyMessage = "Sorry, I couldn't come up with a reply. Could you try again?"
	}
	if cfg.Credits.DegradedChatAllowance <= 0 {
		cfg.Credits.DegradedChatAllowance = 1
	}
	if cfg.Credits.DegradedChatCost <= 0 {
		cfg.Credits.DegradedChatCost = 1
	}
	if cfg.Refill.PollInterval <= 0 {
		cfg.Refill.PollInterval = 5 * time.Minute
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "companion-state.db"
	}
	cfg.Store.Redis.TTL = normalizeTTL(cfg.Store.Redis.TTL)
	if cfg.UI.Lang == "" {
		cfg.UI.Lang = "en"
	}

	ds := &cfg.DevServer
	if ds.Addr == "" {
		ds.Addr = ":8080"
	}
	if ds.ChatCost <= 0 {
		ds.ChatCost = 2
	}
	if ds.InitialCredits == 0 {
		ds.InitialCredits = 20
	}
	if ds.MaxCredits <= 0 {
		ds.MaxCredits = 50
	}
	if ds.RefillInterval <= 0 {
		ds.RefillInterval = 5 * time.Minute
	}
	if ds.RefillAmount <= 0 {
		ds.RefillAmount = 10
	}
	if ds.TokenTTL <= 0 {
		ds.TokenTTL = time.Hour
	}
	if ds.JWTSecret == "" {
		ds.JWTSecret = "companion-dev-secret"
	}
	rc := &ds.Responder
	rc.Provider = strings.ToLower(strings.TrimSpace(rc.Provider))
	if rc.Provider == "" {
		rc.Provider = "echo"
	}
	if rc.APIKey == "" {
		switch rc.Provider {
		case "gemini":
			rc.APIKey = os.Getenv("GEMINI_API_KEY")
		case "openai":
			rc.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if rc.Persona == "" {
		rc.Persona = "You are a warm, attentive companion. Reply briefly and kindly, in the user's language."
	}
	if rc.MaxOutputTokens <= 0 {
		rc.MaxOutputTokens = 512
	}
	if rc.HistoryTurns <= 0 {
		rc.HistoryTurns = 20
	}
	if rc.Timeout <= 0 {
		rc.Timeout = 30 * time.Second
	}
}

// Validate performs minimal validation.
func (c *Config) Validate() error {
	switch c.Chat.Mode {
	case ModeStreaming, ModeSync:
	default:
		return fmt.Errorf("chat.mode must be %q or %q, got %q", ModeStreaming, ModeSync, c.Chat.Mode)
	}
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "redis":
		if c.Store.Redis.URL == "" {
			return errors.New("store.redis.url is required for the redis driver")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.DevServer.Responder.Provider {
	case "echo", "gemini", "openai":
	default:
		return fmt.Errorf("unknown dev_server.responder.provider %q", c.DevServer.Responder.Provider)
	}
	if k := len(c.Store.EncryptionKey); k != 0 && k != 16 && k != 24 && k != 32 {
		return fmt.Errorf("store.encryption_key must be 16, 24 or 32 bytes, got %d", k)
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
