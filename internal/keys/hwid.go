package keys

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// HardwareHasher turns a raw hardware fingerprint into the keyed digest that
// is persisted and indexed. Raw fingerprints never reach storage.
type HardwareHasher struct {
	key []byte
}

// NewHardwareHasher returns a hasher keyed with secret. Secrets longer than
// the BLAKE2b key limit are compressed first; an empty secret yields an
// unkeyed hash.
func NewHardwareHasher(secret []byte) *HardwareHasher {
	if len(secret) > blake2b.Size {
		sum := blake2b.Sum512(secret)
		secret = sum[:]
	}
	return &HardwareHasher{key: append([]byte(nil), secret...)}
}

func (h *HardwareHasher) Digest(hwid string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// key length is bounded in NewHardwareHasher
		panic(err)
	}
	mac.Write([]byte(strings.TrimSpace(hwid)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches reports whether hwid hashes to digest, in constant time.
func (h *HardwareHasher) Matches(digest, hwid string) bool {
	return subtle.ConstantTimeCompare([]byte(digest), []byte(h.Digest(hwid))) == 1
}
