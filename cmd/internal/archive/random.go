package archive

import (
	"crypto/rand"
	"encoding/hex"
)

// randomHex returns a cryptographically secure random hex string of length 2*nBytes.
// If nBytes <= 0, it defaults to 8 bytes.
func randomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 8
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// Staging names only need to avoid collisions between concurrent restores of the
		// same id, which the manager already serializes.
		return "0"
	}

	return hex.EncodeToString(b)
}
