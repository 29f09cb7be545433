package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// KeyLength is the length of every cache key in hex characters.
const KeyLength = sha256.Size * 2

// Key derives the cache key for a synthesis request. The text is length
// prefixed so that no (text, voice) pair can be re-split into another.
func Key(text, voice string) string {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(len(text))))
	h.Write([]byte{':'})
	h.Write([]byte(text))
	h.Write([]byte{':'})
	h.Write([]byte(voice))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether s has the shape of a key produced by Key.
func ValidKey(s string) bool {
	if len(s) != KeyLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
