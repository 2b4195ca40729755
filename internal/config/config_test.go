package config_test

import (
	"strings"
	"testing"

	"homeline/internal/config"
	"homeline/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("tenant-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Tenant.ID != "tenant-1" {
		t.Fatalf("tenant id %q", cfg.Tenant.ID)
	}
	pm, ok := cfg.Method("standard-mortgage")
	if !ok {
		t.Fatalf("standard-mortgage method missing")
	}
	if len(pm.Phases) != 5 {
		t.Fatalf("expected 5 phases, got %d", len(pm.Phases))
	}
	if !pm.AutoActivate {
		t.Fatalf("standard-mortgage should auto-activate")
	}
	if len(cfg.Events.Channels) != 4 {
		t.Fatalf("expected 4 event channels, got %d", len(cfg.Events.Channels))
	}
	if len(cfg.Handlers) != 2 {
		t.Fatalf("expected 2 handler seeds, got %d", len(cfg.Handlers))
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := config.GenerateDefault("acme")
	cfg, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("generated yaml should parse: %v", err)
	}
	if cfg.Tenant.ID != "acme" {
		t.Fatalf("tenant id %q", cfg.Tenant.ID)
	}
	if cfg.Dispatch.PollIntervalSeconds != 2 || cfg.Dispatch.Batch != 100 {
		t.Fatalf("unexpected dispatch defaults: %+v", cfg.Dispatch)
	}
}

func TestValidateRejectsBrokenTemplates(t *testing.T) {
	base := func() *config.Config { return config.Default("t") }

	cfg := base()
	cfg.PaymentMethods[0].Phases[0].Category = "NOT_A_CATEGORY"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "unknown category") {
		t.Fatalf("expected unknown category error, got %v", err)
	}

	cfg = base()
	for i := range cfg.PaymentMethods[0].Phases {
		ph := &cfg.PaymentMethods[0].Phases[i]
		if ph.Category == domain.CategoryPayment {
			ph.Payment.Percent = ""
			ph.Payment.Amount = ""
			break
		}
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("payment phase without percent or amount should fail")
	}

	cfg = base()
	cfg.Handlers[0].EventType = "NO_SUCH_TYPE"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "unknown event type") {
		t.Fatalf("expected unknown event type error, got %v", err)
	}

	cfg = base()
	cfg.PaymentMethods = append(cfg.PaymentMethods, cfg.PaymentMethods[0])
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "duplicate payment method") {
		t.Fatalf("expected duplicate method error, got %v", err)
	}
}
