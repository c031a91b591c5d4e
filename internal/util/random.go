// Package util holds small helpers shared across ScenarioPipe packages: id generation and
// environment parsing.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits, e.g. "job_3fa9...".
// Not for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for range length {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// PublicIDPrefix prefixes customer-facing request identifiers.
const PublicIDPrefix = "REQ-"

// GeneratePublicID generates a short, customer-facing request id such as "REQ-3F2A9C1B".
func GeneratePublicID() string {
	return PublicIDPrefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// GenerateEventID generates an id for inbound events that arrive without a transport message id.
func GenerateEventID() string {
	return "evt_" + uuid.NewString()
}
