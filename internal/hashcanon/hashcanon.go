// Package hashcanon computes the content hash used for import
// deduplication: SHA-256 over the cell's canonical JSON form with
// alphabetically sorted keys. The hash is part of the interchange
// contract — two implementations serializing the same cell must produce
// the same digest.
package hashcanon

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cellmesh/cellmesh/internal/types"
)

// HashCell returns the hex-encoded SHA-256 of the cell's canonical JSON.
func HashCell(c *types.Cell) (string, error) {
	canonical, err := c.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Equal reports whether two cells hash identically, meaning the importer
// may treat the incoming record as unchanged.
func Equal(a, b *types.Cell) (bool, error) {
	ha, err := HashCell(a)
	if err != nil {
		return false, err
	}
	hb, err := HashCell(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
