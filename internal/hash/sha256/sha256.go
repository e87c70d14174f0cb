// Package sha256 names fetched pages by their SHA-256 digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/crawlgrid/internal/tasks"
)

var _ tasks.Hasher = (*Hasher)(nil)

// Hasher implements tasks.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
