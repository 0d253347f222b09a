package config

import (
	"testing"

	"github.com/spf13/viper"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.Set("auth.request_secret", "req-secret")
	v.Set("auth.callback_secret", "cb-secret")
	v.Set("auth.approver_whitelist", []string{"alice"})
	return v
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(newTestViper())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trust.CommandsMax != 20 {
		t.Errorf("expected default commands_max=20, got %d", cfg.Trust.CommandsMax)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("expected default store driver memory, got %s", cfg.StoreDriver)
	}
}

func TestLoadRejectsMissingSecrets(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	if _, err := Load(v); err == nil {
		t.Error("expected validation error for missing secrets")
	}
}

func TestLoadRejectsUnknownStoreDriver(t *testing.T) {
	v := newTestViper()
	v.Set("store.driver", "mongo")
	if _, err := Load(v); err == nil {
		t.Error("expected validation error for unknown store driver")
	}
}

func TestLoadRejectsOversizedGrantTTL(t *testing.T) {
	v := newTestViper()
	v.Set("grant.ttl_max_minutes", 120)
	if _, err := Load(v); err == nil {
		t.Error("expected validation error for grant ttl over 60 minutes")
	}
}
