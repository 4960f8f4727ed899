package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_TOKEN", "123:abc")
	t.Setenv("TG_API_ID", "12345")
	t.Setenv("TG_API_HASH", "hash")
	t.Setenv("TG_PHONE", "+10000000000")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.MTProto.APIID != 12345 || cfg.MTProto.SessionFile != "session.json" {
		t.Fatalf("unexpected mtproto config: %+v", cfg.MTProto)
	}
	if cfg.ReconcileInterval != 300*time.Second || cfg.ReconcilePageSize != 100 {
		t.Fatalf("unexpected reconcile defaults: %s / %d", cfg.ReconcileInterval, cfg.ReconcilePageSize)
	}
	if cfg.QueueSize != 256 || cfg.RecordRetentionHours != 48 {
		t.Fatalf("unexpected defaults: queue=%d retention=%d", cfg.QueueSize, cfg.RecordRetentionHours)
	}
	if !cfg.StartupNoticeEnabled {
		t.Fatal("startup notice should be enabled by default")
	}
	if cfg.ChannelsFile != "channels.yaml" || cfg.MongoDBName != "relay_bot" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RECONCILE_INTERVAL_SECONDS", "60")
	t.Setenv("RECONCILE_PAGE_SIZE", "20")
	t.Setenv("STARTUP_NOTICE_ENABLED", "false")
	t.Setenv("METRICS_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.ReconcileInterval != time.Minute || cfg.ReconcilePageSize != 20 {
		t.Fatalf("unexpected reconcile config: %s / %d", cfg.ReconcileInterval, cfg.ReconcilePageSize)
	}
	if cfg.StartupNoticeEnabled || cfg.MetricsAddr != ":9090" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "missing token", key: "TELEGRAM_TOKEN", val: ""},
		{name: "missing phone", key: "TG_PHONE", val: ""},
		{name: "invalid api id", key: "TG_API_ID", val: "abc"},
		{name: "invalid interval", key: "RECONCILE_INTERVAL_SECONDS", val: "0"},
		{name: "invalid page size", key: "RECONCILE_PAGE_SIZE", val: "x"},
		{name: "invalid bool", key: "STARTUP_NOTICE_ENABLED", val: "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tt.key, tt.val)
			}
		})
	}
}

func writeChannels(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "channels.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write channels file: %v", err)
	}
	return path
}

func TestLoadChannels(t *testing.T) {
	path := writeChannels(t, `
forbidden_words: ["advertisement", "buy now"]
targets:
  - destination_id: -1002547551677
    display_name: EasylionerNews
    sources: [-1001365323499, -1001565746460]
    forbidden_words: ["promo"]
`)

	cfg, err := LoadChannels(path)
	if err != nil {
		t.Fatalf("LoadChannels error: %v", err)
	}
	if len(cfg.ForbiddenWords) != 2 || len(cfg.Targets) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	target := cfg.Targets[0]
	if target.DestinationID != -1002547551677 || target.DisplayName != "EasylionerNews" {
		t.Fatalf("unexpected target: %+v", target)
	}
	if len(target.Sources) != 2 || target.Sources[1] != -1001565746460 {
		t.Fatalf("unexpected sources: %v", target.Sources)
	}
	if len(target.ForbiddenWords) != 1 || target.ForbiddenWords[0] != "promo" {
		t.Fatalf("unexpected target forbidden words: %v", target.ForbiddenWords)
	}
}

func TestLoadChannelsValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no targets", content: "forbidden_words: []\n"},
		{name: "missing display name", content: "targets:\n  - destination_id: -1001\n    sources: [-1002]\n"},
		{name: "missing sources", content: "targets:\n  - destination_id: -1001\n    display_name: a\n"},
		{name: "source mapped twice", content: `
targets:
  - destination_id: -1001
    display_name: a
    sources: [-1003]
  - destination_id: -1002
    display_name: b
    sources: [-1003]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadChannels(writeChannels(t, tt.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if _, err := LoadChannels(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
