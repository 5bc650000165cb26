// Package uid provides identifier generation for FileVault.
package uid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewFileID generates a UUIDv4 string for use as a file identifier.
func NewFileID() string {
	return uuid.NewString()
}

// NewOpID generates a 32-character hex string identifying one logical
// operation. Usage application is keyed on this ID so a retried commit is
// applied at most once.
func NewOpID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: timestamp-based ID. Should never happen with crypto/rand.
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
