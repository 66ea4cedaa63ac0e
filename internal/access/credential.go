package access

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// CredentialHasher turns raw bearer tokens into the opaque hashes stored in
// permission events. The pepper is configuration, never part of the log.
type CredentialHasher struct {
	key []byte
}

// NewCredentialHasher creates a hasher keyed by pepper. Peppers longer than the
// blake2b key limit are first reduced to 32 bytes.
func NewCredentialHasher(pepper string) *CredentialHasher {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &CredentialHasher{key: key}
}

// Hash returns hex(blake2b-256_pepper(token)).
func (h *CredentialHasher) Hash(token string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// unreachable: the key length is bounded in NewCredentialHasher
		panic(err)
	}
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
