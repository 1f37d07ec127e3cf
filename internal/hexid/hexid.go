// Package hexid generates short random hex identifiers.
package hexid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns an 8-character lowercase hex string (4 random bytes).
func New() string {
	return NewSized(4)
}

// NewSized returns a lowercase hex string from n random bytes.
func NewSized(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("hexid: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// NewAgent returns an agent identifier of the form "agent-<12 hex chars>".
// Agent IDs feed branch and directory names, so they stay short and contain
// only [a-z0-9-].
func NewAgent() string {
	return "agent-" + NewSized(6)
}
