package app

import (
	"errors"
	"fmt"
	"strings"

	"waplex/cmd/internal/archive"
)

// ValidateConfig enforces waplex's startup policy. It fails fast instead of letting a
// misconfigured node upload plaintext credentials or reject its own archives later.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.SessionsDir) == "" {
		return errors.New("config: WAPLEX_SESSIONS_DIR is empty")
	}
	if strings.TrimSpace(cfg.NodeID) == "" {
		return errors.New("config: WAPLEX_NODE_ID is empty")
	}
	if strings.TrimSpace(cfg.BridgeURL) == "" {
		return errors.New("config: WAPLEX_BRIDGE_URL is empty")
	}

	if _, err := newSealer(cfg); err != nil {
		return err
	}

	if !cfg.RequireArchiveEncryption {
		return nil
	}
	if len(cfg.ArchiveAgeRecipients) == 0 {
		return errors.New("security policy: WAPLEX_REQUIRE_ARCHIVE_ENCRYPTION=true but WAPLEX_ARCHIVE_AGE_RECIPIENTS is empty")
	}
	// Without an identity the node could seal archives it can never restore.
	if strings.TrimSpace(cfg.ArchiveAgeIdentity) == "" {
		return errors.New("security policy: WAPLEX_REQUIRE_ARCHIVE_ENCRYPTION=true but WAPLEX_ARCHIVE_AGE_IDENTITY is missing")
	}
	return nil
}

// newSealer returns nil when no age keys are configured.
func newSealer(cfg Config) (*archive.Sealer, error) {
	var identities []string
	if id := strings.TrimSpace(cfg.ArchiveAgeIdentity); id != "" {
		identities = []string{id}
	}
	s, err := archive.NewSealer(cfg.ArchiveAgeRecipients, identities)
	if err != nil {
		return nil, fmt.Errorf("security policy: archive keys: %w", err)
	}
	return s, nil
}
