// Package patterns holds the learned regularities (sender, keyword, time,
// category→action) the classifier and decision engine consult to adjust
// their output. The store is append-only from the feedback tracker's point
// of view: patterns are only ever bulk re-derived from the feedback corpus,
// never hand-edited, and re-deriving from an unchanged corpus is
// idempotent.
package patterns

import (
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/opscore/reasoning-core/internal/signal"
)

// SenderPattern summarizes feedback history for one sender.
type SenderPattern struct {
	Sender          string    `json:"sender"`
	DominantCategory signal.Category `json:"dominant_category"`
	AverageUrgency  float64   `json:"average_urgency"` // encoded 1..4, lower = more urgent
	ActionPreference signal.Action `json:"action_preference"`
	SuccessRate     float64   `json:"success_rate"`
	Support         int       `json:"support"`
	LastSeen        time.Time `json:"last_seen"`
}

// UrgencyKeyword summarizes the measured urgency effect of a term.
type UrgencyKeyword struct {
	Term        string    `json:"term"`
	Occurrences int       `json:"occurrences"`
	SuccessRate float64   `json:"success_rate"`
	UrgencyBoost int      `json:"urgency_boost"` // rank steps to subtract, max 1
	LastSeen    time.Time `json:"last_seen"`
}

// TimePattern summarizes the success rate for an hour-of-day × day-of-week
// bucket relative to baseline.
type TimePattern struct {
	Hour        int       `json:"hour"`
	Weekday     time.Weekday `json:"weekday"`
	SuccessRate float64   `json:"success_rate"`
	Support     int       `json:"support"`
	LastSeen    time.Time `json:"last_seen"`
}

// CategoryActionAffinity summarizes how often an action succeeds for a
// given classification category.
type CategoryActionAffinity struct {
	Category    signal.Category `json:"category"`
	Action      signal.Action   `json:"action"`
	SuccessRate float64         `json:"success_rate"`
	Support     int             `json:"support"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Thresholds configures pattern-detection sensitivity. See §4.E of the
// specification for the rationale behind each default.
type Thresholds struct {
	SenderMinSupport    int
	KeywordMinSupport   int
	TimeMinSupport      int
	TimeMinLift         float64 // e.g. 0.20 for +20pp over baseline
	CategoryActionMinSupport int
	CategoryActionMinRate    float64 // e.g. 0.80
}

// DefaultThresholds matches the configuration surface defaults in §6.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SenderMinSupport:         10,
		KeywordMinSupport:        5,
		TimeMinSupport:           20,
		TimeMinLift:              0.20,
		CategoryActionMinSupport: 10,
		CategoryActionMinRate:    0.80,
	}
}

// Snapshot is an immutable, read-only view of the store handed to the
// classifier and decision engine. Callers never mutate a Snapshot.
type Snapshot struct {
	SenderPatterns         map[string]SenderPattern
	UrgencyKeywords        map[string]UrgencyKeyword
	TimePatterns           map[string]TimePattern
	CategoryActionAffinity map[string]CategoryActionAffinity
	SubjectRegexes         []string
	DerivedAt              time.Time
	SignalsAnalyzed        int
}

// Store is the process-wide shared pattern state. All mutation happens
// through Derive; readers take a Snapshot.
type Store struct {
	mu         sync.RWMutex
	thresholds Thresholds
	snapshot   Snapshot
}

// New creates an empty pattern store.
func New(thresholds Thresholds) *Store {
	return &Store{
		thresholds: thresholds,
		snapshot: Snapshot{
			SenderPatterns:         map[string]SenderPattern{},
			UrgencyKeywords:        map[string]UrgencyKeyword{},
			TimePatterns:           map[string]TimePattern{},
			CategoryActionAffinity: map[string]CategoryActionAffinity{},
		},
	}
}

// Snapshot returns the current read-only pattern view.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Derive rebuilds the store in bulk from a feedback corpus. Deriving from
// an unchanged corpus produces an identical Patterns structure (no hidden
// randomness, no wall-clock-dependent tie-breaks beyond LastSeen which is
// sourced from the records themselves).
func (s *Store) Derive(records []signal.FeedbackRecord) Snapshot {
	senderAggs := map[string]*senderAgg{}
	keywordAggs := map[string]*keywordAgg{}
	timeAggs := map[string]*timeAgg{}
	caAggs := map[string]*caAgg{}

	var totalSuccess, total int

	for _, r := range records {
		total++
		success := r.Outcome == signal.OutcomeSuccess
		if success {
			totalSuccess++
		}

		if r.Sender != "" {
			a := senderAggs[r.Sender]
			if a == nil {
				a = &senderAgg{categories: map[signal.Category]int{}, actions: map[signal.Action]int{}}
				senderAggs[r.Sender] = a
			}
			a.support++
			a.categories[r.Classification.Category]++
			a.actions[r.Decision.Action]++
			a.urgencySum += float64(r.Classification.Urgency.Rank())
			if success {
				a.successes++
			}
			if r.Timestamp.After(a.lastSeen) {
				a.lastSeen = r.Timestamp
			}
		}

		hour, weekday := r.Timestamp.Hour(), r.Timestamp.Weekday()
		tkey := timeKey(hour, weekday)
		ta := timeAggs[tkey]
		if ta == nil {
			ta = &timeAgg{hour: hour, weekday: weekday}
			timeAggs[tkey] = ta
		}
		ta.support++
		if success {
			ta.successes++
		}
		if r.Timestamp.After(ta.lastSeen) {
			ta.lastSeen = r.Timestamp
		}

		ckey := string(r.Classification.Category) + "->" + string(r.Decision.Action)
		ca := caAggs[ckey]
		if ca == nil {
			ca = &caAgg{category: r.Classification.Category, action: r.Decision.Action}
			caAggs[ckey] = ca
		}
		ca.support++
		if success {
			ca.successes++
		}
		if r.Timestamp.After(ca.lastSeen) {
			ca.lastSeen = r.Timestamp
		}
	}

	// Keywords need per-signal term membership, derived from the
	// classification's reasoning text plus suggested actions as a proxy for
	// the signal's extracted keywords (the tracker stores the fingerprint,
	// not the raw body, so reasoning text is the closest durable proxy).
	for _, r := range records {
		terms := keywordsOf(r)
		success := r.Outcome == signal.OutcomeSuccess
		for _, term := range terms {
			a := keywordAggs[term]
			if a == nil {
				a = &keywordAgg{}
				keywordAggs[term] = a
			}
			a.occurrences++
			if success {
				a.successes++
			}
			if r.Timestamp.After(a.lastSeen) {
				a.lastSeen = r.Timestamp
			}
		}
	}

	baseline := 0.0
	if total > 0 {
		baseline = float64(totalSuccess) / float64(total)
	}

	out := Snapshot{
		SenderPatterns:         map[string]SenderPattern{},
		UrgencyKeywords:        map[string]UrgencyKeyword{},
		TimePatterns:           map[string]TimePattern{},
		CategoryActionAffinity: map[string]CategoryActionAffinity{},
		DerivedAt:              latestTimestamp(records),
		SignalsAnalyzed:        total,
	}

	for sender, a := range senderAggs {
		if a.support < s.thresholds.SenderMinSupport {
			continue
		}
		out.SenderPatterns[sender] = SenderPattern{
			Sender:           sender,
			DominantCategory: dominantCategory(a.categories),
			AverageUrgency:   a.urgencySum / float64(a.support),
			ActionPreference: dominantAction(a.actions),
			SuccessRate:      rate(a.successes, a.support),
			Support:          a.support,
			LastSeen:         a.lastSeen,
		}
	}

	for term, a := range keywordAggs {
		if a.occurrences < s.thresholds.KeywordMinSupport {
			continue
		}
		boost := 0
		sr := rate(a.successes, a.occurrences)
		if sr > baseline {
			boost = 1
		}
		out.UrgencyKeywords[term] = UrgencyKeyword{
			Term:         term,
			Occurrences:  a.occurrences,
			SuccessRate:  sr,
			UrgencyBoost: boost,
			LastSeen:     a.lastSeen,
		}
	}

	for key, a := range timeAggs {
		if a.support < s.thresholds.TimeMinSupport {
			continue
		}
		sr := rate(a.successes, a.support)
		if sr < baseline+s.thresholds.TimeMinLift {
			continue
		}
		out.TimePatterns[key] = TimePattern{
			Hour:        a.hour,
			Weekday:     a.weekday,
			SuccessRate: sr,
			Support:     a.support,
			LastSeen:    a.lastSeen,
		}
	}

	for key, a := range caAggs {
		if a.support < s.thresholds.CategoryActionMinSupport {
			continue
		}
		sr := rate(a.successes, a.support)
		if sr < s.thresholds.CategoryActionMinRate {
			continue
		}
		out.CategoryActionAffinity[key] = CategoryActionAffinity{
			Category:    a.category,
			Action:      a.action,
			SuccessRate: sr,
			Support:     a.support,
			LastSeen:    a.lastSeen,
		}
	}

	s.mu.Lock()
	s.snapshot = out
	s.mu.Unlock()
	return out
}

// Adjustment is the bounded classifier-facing effect of sender/keyword
// patterns: at most +1 urgency rank step and +0.1 confidence, with an
// optional category override from the sender's dominant category.
type Adjustment struct {
	UrgencyStepUp     int
	ConfidenceBoost   float64
	CategoryOverride  signal.Category
	HasCategoryOverride bool
}

// maxUrgencyStepUp and maxConfidenceBoost are the hard caps from §4.D: a
// pattern match may raise urgency by at most one step and confidence by at
// most +0.1.
const (
	maxUrgencyStepUp   = 1
	maxConfidenceBoost = 0.1
)

// Adjust computes the bounded classifier adjustment for a sender and a set
// of extracted keywords, given a snapshot.
func Adjust(snap Snapshot, sender string, keywords []string) Adjustment {
	var adj Adjustment

	if sp, ok := snap.SenderPatterns[sender]; ok {
		adj.HasCategoryOverride = true
		adj.CategoryOverride = sp.DominantCategory
		if sp.SuccessRate >= 0.6 {
			adj.ConfidenceBoost += 0.05
		}
	}

	for _, kw := range keywords {
		if uk, ok := snap.UrgencyKeywords[kw]; ok {
			if uk.UrgencyBoost > 0 {
				adj.UrgencyStepUp = maxUrgencyStepUp
			}
			adj.ConfidenceBoost += 0.02
		}
	}

	if adj.UrgencyStepUp > maxUrgencyStepUp {
		adj.UrgencyStepUp = maxUrgencyStepUp
	}
	if adj.ConfidenceBoost > maxConfidenceBoost {
		adj.ConfidenceBoost = maxConfidenceBoost
	}
	return adj
}

type senderAgg struct {
	support    int
	successes  int
	urgencySum float64
	categories map[signal.Category]int
	actions    map[signal.Action]int
	lastSeen   time.Time
}

type keywordAgg struct {
	occurrences int
	successes   int
	lastSeen    time.Time
}

type timeAgg struct {
	hour      int
	weekday   time.Weekday
	support   int
	successes int
	lastSeen  time.Time
}

type caAgg struct {
	category  signal.Category
	action    signal.Action
	support   int
	successes int
	lastSeen  time.Time
}

func rate(successes, support int) float64 {
	if support == 0 {
		return 0
	}
	return float64(successes) / float64(support)
}

func timeKey(hour int, weekday time.Weekday) string {
	return weekday.String() + ":" + twoDigits(hour)
}

func twoDigits(n int) string {
	if n < 10 {
		return "0" + itoa(n)
	}
	return itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func dominantCategory(m map[signal.Category]int) signal.Category {
	type kv struct {
		k signal.Category
		v int
	}
	var list []kv
	for k, v := range m {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].v != list[j].v {
			return list[i].v > list[j].v
		}
		return list[i].k < list[j].k
	})
	if len(list) == 0 {
		return ""
	}
	return list[0].k
}

func dominantAction(m map[signal.Action]int) signal.Action {
	type kv struct {
		k signal.Action
		v int
	}
	var list []kv
	for k, v := range m {
		list = append(list, kv{k, v})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].v != list[j].v {
			return list[i].v > list[j].v
		}
		return list[i].k < list[j].k
	})
	if len(list) == 0 {
		return ""
	}
	return list[0].k
}

var keywordTermPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z'-]*`)

func keywordsOf(r signal.FeedbackRecord) []string {
	// Reuse the reasoning text as the nearest durable proxy for the
	// signal's keywords, since raw signal bodies are not retained in
	// feedback records by design (§3: FeedbackRecord carries only the
	// fingerprint and classification, not the body).
	words := keywordTermPattern.FindAllString(r.Classification.Reasoning, -1)
	seen := map[string]struct{}{}
	var out []string
	for _, w := range words {
		lw := toLower(w)
		if len(lw) < 4 {
			continue
		}
		if _, ok := seen[lw]; ok {
			continue
		}
		seen[lw] = struct{}{}
		out = append(out, lw)
	}
	return out
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func latestTimestamp(records []signal.FeedbackRecord) time.Time {
	var latest time.Time
	for _, r := range records {
		if r.Timestamp.After(latest) {
			latest = r.Timestamp
		}
	}
	return latest
}
