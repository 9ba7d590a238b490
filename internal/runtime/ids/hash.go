package ids

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadHash returns the hex-encoded SHA-256 digest of payload. It is the
// fallback message id for deliveries without one and the payload_sha256 log field.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ContentKey hashes parts into a stable key. Parts are length-prefixed so
// ("ab", "c") and ("a", "bc") never collide.
func ContentKey(parts ...[]byte) string {
	h := sha256.New()
	var prefix [8]byte
	for _, p := range parts {
		n := uint64(len(p))
		for i := 0; i < 8; i++ {
			prefix[i] = byte(n >> (56 - 8*i))
		}
		h.Write(prefix[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
