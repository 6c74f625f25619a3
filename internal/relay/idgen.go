package relay

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	sessionIDLength = 6
	// no I/O/0/1 for clarity
	sessionIDChars = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

var sessionIDPattern = regexp.MustCompile(`^[23456789A-HJ-NP-Z]{6}$`)

// NewSessionID returns a fresh 6-character id from the reduced alphabet.
// 32^6 values; collisions against live registrations are handled by the
// caller regenerating.
func NewSessionID() string {
	b := make([]byte, sessionIDLength)
	for i := range b {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(sessionIDChars))))
		b[i] = sessionIDChars[idx.Int64()]
	}
	return string(b)
}

// NormalizeSessionID uppercases a candidate id and reports whether it
// matches the id grammar. Ids compare case-insensitively; the canonical
// form is uppercase.
func NormalizeSessionID(s string) (string, bool) {
	up := strings.ToUpper(s)
	return up, sessionIDPattern.MatchString(up)
}
