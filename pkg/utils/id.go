package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// GenerateConnectionID mints the opaque, stable identifier assigned to a
// transport connection at upgrade time. UUIDs keep the glare tie-break
// (lexicographic comparison) uniform across clients.
func GenerateConnectionID() string {
	return uuid.New().String()
}

// GenerateID generates a random ID with prefix, for ad-hoc identifiers
// (request IDs, synthetic track IDs).
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}
