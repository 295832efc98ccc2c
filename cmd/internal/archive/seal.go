package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ageHeader is the first line of every age v1 file.
var ageHeader = []byte("age-encryption.org/v1\n")

// Sealer encrypts archive payloads to age X25519 recipients and decrypts them with
// identities. Either side may be empty: a node that only restores needs identities, a node
// that only backs up needs recipients.
type Sealer struct {
	recipients []age.Recipient
	identities []age.Identity
}

// NewSealer parses age1... recipients and AGE-SECRET-KEY-1... identities.
// It returns (nil, nil) when both lists are empty so callers can pass the result through.
func NewSealer(recipients, identities []string) (*Sealer, error) {
	s := &Sealer{}

	for _, key := range recipients {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		s.recipients = append(s.recipients, r)
	}

	for _, key := range identities {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		id, err := age.ParseX25519Identity(key)
		if err != nil {
			// Never echo the private key.
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
		s.identities = append(s.identities, id)
	}

	if len(s.recipients) == 0 && len(s.identities) == 0 {
		return nil, nil
	}
	return s, nil
}

// CanSeal reports whether Seal will encrypt.
func (s *Sealer) CanSeal() bool { return s != nil && len(s.recipients) > 0 }

// CanOpen reports whether Open can decrypt.
func (s *Sealer) CanOpen() bool { return s != nil && len(s.identities) > 0 }

// Seal encrypts plaintext to all configured recipients.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if !s.CanSeal() {
		return nil, errors.New("archive: no age recipients configured")
	}

	var out bytes.Buffer
	w, err := age.Encrypt(&out, s.recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return out.Bytes(), nil
}

// Open returns a reader over the decrypted payload.
func (s *Sealer) Open(ciphertext io.Reader) (io.Reader, error) {
	if !s.CanOpen() {
		return nil, fmt.Errorf("%w: sealed archive but no age identity configured", ErrCorrupt)
	}
	r, err := age.Decrypt(ciphertext, s.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting: %v", ErrCorrupt, err)
	}
	return r, nil
}

func isSealed(payload []byte) bool {
	return bytes.HasPrefix(payload, ageHeader)
}
