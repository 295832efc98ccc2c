package app

import (
	"strings"
	"testing"

	"filippo.io/age"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		SessionsDir: t.TempDir(),
		NodeID:      "node-a",
		BridgeURL:   "ws://127.0.0.1:7070/bridge",
	}
}

func TestValidateConfig_PlaintextAllowedByDefault(t *testing.T) {
	t.Parallel()

	if err := ValidateConfig(validConfig(t)); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
}

func TestValidateConfig_RequiredFields(t *testing.T) {
	t.Parallel()

	for _, mutate := range []func(*Config){
		func(c *Config) { c.SessionsDir = " " },
		func(c *Config) { c.NodeID = "" },
		func(c *Config) { c.BridgeURL = "" },
	} {
		cfg := validConfig(t)
		mutate(&cfg)
		if err := ValidateConfig(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestValidateConfig_EncryptionPolicy(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}

	cfg := validConfig(t)
	cfg.RequireArchiveEncryption = true
	err = ValidateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "WAPLEX_ARCHIVE_AGE_RECIPIENTS") {
		t.Fatalf("expected missing recipients error, got %v", err)
	}

	cfg.ArchiveAgeRecipients = []string{id.Recipient().String()}
	err = ValidateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "WAPLEX_ARCHIVE_AGE_IDENTITY") {
		t.Fatalf("expected missing identity error, got %v", err)
	}

	cfg.ArchiveAgeIdentity = id.String()
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
}

func TestValidateConfig_MalformedKeysNeverEchoed(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.ArchiveAgeIdentity = "AGE-SECRET-KEY-1NOTAREALKEY"
	err := ValidateConfig(cfg)
	if err == nil {
		t.Fatalf("expected error for malformed identity")
	}
	if strings.Contains(err.Error(), "NOTAREALKEY") {
		t.Fatalf("identity leaked in error: %v", err)
	}

	cfg = validConfig(t)
	cfg.ArchiveAgeRecipients = []string{"age1bogus"}
	if err := ValidateConfig(cfg); err == nil {
		t.Fatalf("expected error for malformed recipient")
	}
}
