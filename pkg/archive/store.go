// Package archive stores sealed evidence bundles in content-addressed
// storage. Objects are keyed by the SHA-256 of their bytes, so a stored
// bundle cannot be altered without changing its address. There is no delete.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no object exists for a digest.
var ErrNotFound = errors.New("archive: object not found")

const digestPrefix = "sha256:"

// Store is content-addressed storage for evidence bundles.
type Store interface {
	// Put persists data and returns its digest ("sha256:<hex>"). Putting the
	// same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether digest is stored.
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// objectName validates a digest and returns its hex part, used as the key.
func objectName(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid digest hex: %s", digest)
	}
	return raw, nil
}
