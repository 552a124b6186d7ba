package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/mr-tron/base58"

	"github.com/cronicorn/cronicorn/errors"
)

// KeyEncodedPrefix marks encoded cronicorn signing keys.
const KeyEncodedPrefix = "crn_"

// keyBytes is the raw key length. 32 bytes matches the HMAC-SHA256 block
// recommendation.
const keyBytes = 32

// displayPrefixLen is how many characters of the encoded key are stored for
// display after the raw key is discarded.
const displayPrefixLen = 8

// GeneratedKey is the result of key creation. Raw and Encoded exist only in
// memory at create/rotate time; persistence keeps Hash and Prefix.
type GeneratedKey struct {
	Raw     []byte
	Encoded string // crn_<base58>, shown to the operator exactly once
	Prefix  string // first characters of Encoded, safe to display
	Hash    string // hex SHA-256 of Raw
}

// GenerateKey creates a fresh random signing key.
func GenerateKey() (*GeneratedKey, error) {
	raw := make([]byte, keyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.Wrap(err, "failed to generate key material")
	}

	encoded := KeyEncodedPrefix + base58.Encode(raw)
	sum := sha256.Sum256(raw)

	return &GeneratedKey{
		Raw:     raw,
		Encoded: encoded,
		Prefix:  encoded[:displayPrefixLen],
		Hash:    hex.EncodeToString(sum[:]),
	}, nil
}

// DecodeKey reverses the crn_<base58> encoding back to raw key bytes.
func DecodeKey(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, KeyEncodedPrefix) {
		return nil, errors.Newf("signing key must start with %q", KeyEncodedPrefix)
	}

	raw, err := base58.Decode(encoded[len(KeyEncodedPrefix):])
	if err != nil {
		return nil, errors.Wrap(err, "failed to base58-decode signing key")
	}
	if len(raw) != keyBytes {
		return nil, errors.Newf("decoded signing key is %d bytes, expected %d", len(raw), keyBytes)
	}
	return raw, nil
}

// HashKey returns the hex SHA-256 of raw key material, the form persisted in
// the key store.
func HashKey(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
