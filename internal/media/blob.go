package media

import (
	"context"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
)

var (
	ErrBlobNotFound = errors.New("media: blob not found")
	ErrInvalidKey   = errors.New("media: invalid content key")
	ErrTooLarge     = errors.New("media: attachment too large")
	ErrEmpty        = errors.New("media: attachment is empty")
)

// BlobStore keeps attachment bytes under their content key.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// URL returns a location clients can fetch the blob from directly, or ""
	// when the blob has to be served by this process.
	URL(ctx context.Context, key string) (string, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, key string) error
}

// ContentKey is the hex blake2b-256 digest of data.
func ContentKey(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether key looks like a ContentKey result.
func ValidKey(key string) bool {
	if len(key) != 2*blake2b.Size256 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
