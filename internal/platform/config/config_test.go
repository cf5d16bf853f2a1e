package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYMENT_WINDOW_DAYS", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8086 {
		t.Errorf("Port = %d, want 8086", cfg.Server.Port)
	}
	if cfg.Engine.PaymentWindow != 15*24*time.Hour {
		t.Errorf("PaymentWindow = %v, want 15 days", cfg.Engine.PaymentWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PAYMENT_WINDOW_DAYS", "7")
	t.Setenv("SERVER_REQUEST_TIMEOUT", "5s")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Engine.PaymentWindow != 7*24*time.Hour {
		t.Errorf("PaymentWindow = %v, want 7 days", cfg.Engine.PaymentWindow)
	}
	if cfg.Server.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.Server.RequestTimeout)
	}
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("NATS.URL = %q", cfg.NATS.URL)
	}
}

func TestLoadRejectsNonPositiveWindow(t *testing.T) {
	t.Setenv("PAYMENT_WINDOW_DAYS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero payment window")
	}
}
