package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier with an entity prefix ("usr", "msg",
// "chn", "srv", "role"). Prefixes keep IDs self-describing in logs and wire
// payloads; an empty prefix yields the bare hex string.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
