package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payprocd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.Live {
		t.Error("default mode must be test")
	}
	if cfg.Daemon.Socket != TestSocket {
		t.Errorf("socket = %q", cfg.Daemon.Socket)
	}
	if cfg.Daemon.TickInterval.Duration != 30*time.Second {
		t.Errorf("tick interval = %v", cfg.Daemon.TickInterval)
	}
	if !cfg.CircuitBreaker.Enabled {
		t.Error("breakers default to enabled")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
daemon:
  live: true
  allowed_uids: [33, 1001]
  admin_uids: [0]
  tick_interval: 10s
stripe:
  secret_key: sk_live_abc
paypal:
  secret_key: "client:secret"
  receiver_email: paypal@example.org
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Daemon.Live || cfg.Daemon.Socket != LiveSocket {
		t.Errorf("live = %v, socket = %q", cfg.Daemon.Live, cfg.Daemon.Socket)
	}
	if len(cfg.Daemon.AllowedUIDs) != 2 || cfg.Daemon.AllowedUIDs[0] != 33 {
		t.Errorf("allowed uids = %v", cfg.Daemon.AllowedUIDs)
	}
	if cfg.Daemon.TickInterval.Duration != 10*time.Second {
		t.Errorf("tick interval = %v", cfg.Daemon.TickInterval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PAYPROC_SOCKET", "/tmp/payproc-test.sock")
	t.Setenv("PAYPROC_STRIPE_SECRET_KEY", "sk_test_env")
	t.Setenv("PAYPROC_ALLOWED_UIDS", "5, 7,bogus,9")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.Socket != "/tmp/payproc-test.sock" {
		t.Errorf("socket = %q", cfg.Daemon.Socket)
	}
	if cfg.Stripe.SecretKey != "sk_test_env" {
		t.Errorf("secret key = %q", cfg.Stripe.SecretKey)
	}
	want := []int{5, 7, 9}
	if len(cfg.Daemon.AllowedUIDs) != len(want) {
		t.Fatalf("allowed uids = %v", cfg.Daemon.AllowedUIDs)
	}
	for i, uid := range want {
		if cfg.Daemon.AllowedUIDs[i] != uid {
			t.Errorf("allowed uids = %v", cfg.Daemon.AllowedUIDs)
		}
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name, yaml, wantErr string
	}{
		{
			"paypal key without colon",
			"paypal:\n  secret_key: nope\n  receiver_email: x@example.org\n",
			"colon delimited",
		},
		{
			"paypal key without receiver",
			"paypal:\n  secret_key: \"a:b\"\n",
			"receiver_email",
		},
		{
			"only one encryption key",
			"keys:\n  database_key: /etc/payproc/db.asc\n",
			"set together",
		},
		{
			"test stripe key in live mode",
			"daemon:\n  live: true\nstripe:\n  secret_key: sk_test_123\n",
			"test key",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationParsing(t *testing.T) {
	path := writeConfig(t, "daemon:\n  tick_interval: 90\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Daemon.TickInterval.Duration != 90*time.Second {
		t.Errorf("bare number = %v, want 90s", cfg.Daemon.TickInterval)
	}
}
