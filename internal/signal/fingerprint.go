package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// bodyPrefixLen bounds how much of the body participates in the fingerprint,
// so near-duplicate emails with long, divergent tails still collide.
const bodyPrefixLen = 256

// Fingerprint returns a deterministic identifier for a Signal, computed from
// its normalized (source, subject, body-prefix, sender). Two signals with
// the same fingerprint must classify identically when served from cache.
func Fingerprint(s Signal) string {
	subject := normalize(s.Subject)
	sender := normalize(s.Sender)
	body := normalize(s.Body)
	if len(body) > bodyPrefixLen {
		body = body[:bodyPrefixLen]
	}

	h := sha256.New()
	h.Write([]byte(string(s.Source)))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(sender))
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return s
}
