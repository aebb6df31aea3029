// Package preprocess normalizes a raw Signal before classification: it
// lowercases text, strips stopwords to surface keywords, extracts
// email-like and date-like entities, and computes the signal's cache
// fingerprint. It is a pure function package — no I/O, fully deterministic
// — grounded on the teacher's line-scanning, regexp-driven parsing style in
// internal/ingest/markdown.go.
package preprocess

import (
	"regexp"
	"strings"

	"github.com/opscore/reasoning-core/internal/signal"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	datePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4}|(?i:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?,?\s*\d{0,4})\b`)
	wordPattern  = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]*`)
)

// stopwords is a small, fixed set of high-frequency function words
// excluded from keyword extraction. Not exhaustive by design — the goal is
// to surface salient terms for the pattern store, not perfect linguistics.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "if": {}, "then": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "being": {},
	"to": {}, "of": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "that": {}, "this": {}, "these": {}, "those": {}, "it": {},
	"its": {}, "i": {}, "you": {}, "we": {}, "they": {}, "he": {}, "she": {}, "them": {},
	"our": {}, "your": {}, "their": {}, "will": {}, "would": {}, "can": {}, "could": {},
	"should": {}, "have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"not": {}, "no": {}, "so": {}, "than": {}, "just": {}, "please": {}, "thanks": {},
}

// maxKeywords bounds how many distinct keywords a single signal surfaces,
// so a long body does not dominate pattern-store bookkeeping.
const maxKeywords = 25

// Normalized is the deterministic output of preprocessing one Signal.
type Normalized struct {
	Fingerprint     string
	LowerSubject    string
	LowerBody       string
	Keywords        []string
	EmailEntities   []string
	DateEntities    []string
}

// Process normalizes s and extracts entities/keywords. It never mutates s
// and never performs I/O.
func Process(s signal.Signal) Normalized {
	lowerSubject := strings.ToLower(s.Subject)
	lowerBody := strings.ToLower(s.Body)

	combined := s.Subject + " " + s.Body
	return Normalized{
		Fingerprint:   signal.Fingerprint(s),
		LowerSubject:  lowerSubject,
		LowerBody:     lowerBody,
		Keywords:      extractKeywords(combined),
		EmailEntities: dedupe(emailPattern.FindAllString(combined, -1)),
		DateEntities:  dedupe(datePattern.FindAllString(combined, -1)),
	}
}

// extractKeywords lowercases, splits into words, drops stopwords and
// single-character tokens, and returns the first maxKeywords distinct
// terms in order of first appearance.
func extractKeywords(text string) []string {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]struct{}, len(words))
	var out []string
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		low := strings.ToLower(it)
		if _, ok := seen[low]; ok {
			continue
		}
		seen[low] = struct{}{}
		out = append(out, it)
	}
	return out
}
