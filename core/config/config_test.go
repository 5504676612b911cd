package config

import (
	"strings"
	"testing"
)

func baseConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{Token: "123:abc"},
		Access:   AccessConfig{Admins: []int64{42}},
	}
}

func TestNormalizeDefaultsToLongpoll(t *testing.T) {
	cfg := baseConfig()
	if err := Normalize(cfg); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if cfg.Telegram.RunMode != RunModeLongpoll {
		t.Fatalf("run_mode = %q, want %q", cfg.Telegram.RunMode, RunModeLongpoll)
	}
}

func TestNormalizeWebhookRequiresURL(t *testing.T) {
	cfg := baseConfig()
	cfg.Telegram.RunMode = RunModeWebhook
	err := Normalize(cfg)
	if err == nil || !strings.Contains(err.Error(), "webhook.url") {
		t.Fatalf("Normalize = %v, want webhook.url error", err)
	}
}

func TestNormalizeRejectsZeroAdmin(t *testing.T) {
	cfg := baseConfig()
	cfg.Access.Admins = []int64{42, 0}
	if err := Normalize(cfg); err == nil {
		t.Fatal("Normalize accepted zero admin id")
	}
}

func TestAccessAllowed(t *testing.T) {
	a := AccessConfig{Admins: []int64{1, 2, 3}}
	if !a.Allowed(2) {
		t.Fatal("expected 2 to be allowed")
	}
	if a.Allowed(4) {
		t.Fatal("expected 4 to be rejected")
	}
	if (AccessConfig{}).Allowed(0) {
		t.Fatal("empty allow-list must reject everyone")
	}
}
