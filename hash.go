package swcache

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 body digest in bytes.
const HashSize = 32

// Hash is the BLAKE3 digest of a cached response body. Bodies are stored
// content-addressed so identical assets cached under several versions
// share one blob.
type Hash [HashSize]byte

// String returns the hex-encoded digest.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex form for logging.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 digest of everything read from r and
// returns it with the number of bytes consumed.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

const bodyKeyPrefix = "bodies"

// BodyStorageKey returns the backend key for a body blob.
// Format: bodies/{hex[:2]}/{hex}
func BodyStorageKey(h Hash) string {
	hex := h.String()
	return bodyKeyPrefix + "/" + hex[:2] + "/" + hex
}

// ParseBodyStorageKey extracts the digest from a backend body key.
func ParseBodyStorageKey(key string) (Hash, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 || parts[0] != bodyKeyPrefix {
		return Hash{}, fmt.Errorf("invalid body key format: %s", key)
	}
	return ParseHash(parts[2])
}
