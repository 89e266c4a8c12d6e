package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUserStreamURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{name: "plain https base", base: "https://api.example.com", want: "wss://api.example.com/ws/user"},
		{name: "trailing slash", base: "https://api.example.com/", want: "wss://api.example.com/ws/user"},
		{name: "http downgrades to ws", base: "http://localhost:8080", want: "ws://localhost:8080/ws/user"},
		{name: "already ws suffix", base: "https://api.example.com/ws", want: "wss://api.example.com/ws/user"},
		{name: "already user suffix", base: "https://api.example.com/user", want: "wss://api.example.com/ws/user"},
		{name: "fully qualified", base: "wss://api.example.com/ws/user", want: "wss://api.example.com/ws/user"},
		{name: "nested path", base: "https://api.example.com/v2/desk/", want: "wss://api.example.com/v2/desk/ws/user"},
		{name: "empty", base: "", wantErr: true},
		{name: "bad scheme", base: "ftp://api.example.com", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BackendConfig{BaseURL: tc.base}.UserStreamURL()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("UserStreamURL() error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("UserStreamURL() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Environment != "prod" {
		t.Fatalf("unexpected environment %q", cfg.Environment)
	}
	if cfg.UserStream.ReconnectInterval.Duration != 3*time.Second {
		t.Fatalf("unexpected reconnectInterval %s", cfg.UserStream.ReconnectInterval)
	}
	if cfg.UserStream.MaxReconnectAttempts != 10 {
		t.Fatalf("unexpected maxReconnectAttempts %d", cfg.UserStream.MaxReconnectAttempts)
	}
	if cfg.Ticker.SubscriptionBudget != 60 {
		t.Fatalf("unexpected subscriptionBudget %d", cfg.Ticker.SubscriptionBudget)
	}
	if cfg.Ticker.CoalesceWindow.Duration != 300*time.Millisecond {
		t.Fatalf("unexpected coalesceWindow %s", cfg.Ticker.CoalesceWindow)
	}
}

func TestLoadFromFile(t *testing.T) {
	raw := `
environment: dev
backend:
  baseUrl: https://api.example.com
  token: secret
userStream:
  reconnectInterval: 1s
  maxReconnectInterval: 5s
ticker:
  subscriptionBudget: 25
  preferredQuotes: [USDT]
`
	path := filepath.Join(t.TempDir(), "desk.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Environment != "dev" {
		t.Fatalf("unexpected environment %q", cfg.Environment)
	}
	if cfg.Backend.Token != "secret" {
		t.Fatalf("token not loaded")
	}
	if cfg.UserStream.ReconnectInterval.Duration != time.Second {
		t.Fatalf("unexpected reconnectInterval %s", cfg.UserStream.ReconnectInterval)
	}
	if cfg.UserStream.HeartbeatInterval.Duration != 15*time.Second {
		t.Fatalf("defaults not applied: %s", cfg.UserStream.HeartbeatInterval)
	}
	if cfg.Ticker.SubscriptionBudget != 25 {
		t.Fatalf("unexpected subscriptionBudget %d", cfg.Ticker.SubscriptionBudget)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing baseUrl to fail validation")
	}

	cfg.Backend.BaseURL = "https://api.example.com"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	cfg.Environment = "qa"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unsupported environment to fail validation")
	}

	cfg.Environment = "prod"
	cfg.UserStream.MaxReconnectInterval = Duration{time.Second}
	cfg.UserStream.ReconnectInterval = Duration{5 * time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected inverted backoff bounds to fail validation")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DESK_BACKEND_BASE_URL", "https://override.example.com")
	t.Setenv("DESK_TICKER_BUDGET", "12")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.BaseURL != "https://override.example.com" {
		t.Fatalf("env override not applied: %q", cfg.Backend.BaseURL)
	}
	if cfg.Ticker.SubscriptionBudget != 12 {
		t.Fatalf("env override not applied: %d", cfg.Ticker.SubscriptionBudget)
	}
}
