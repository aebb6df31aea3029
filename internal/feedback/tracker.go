// Package feedback implements the append-only feedback log and its
// rolling aggregates. Persistence uses one self-describing JSON object
// per line (bufio + encoding/json) rather than the teacher's SQLite
// usage store (internal/usage/store.go), because the persisted-state
// layout is a normative part of the specification: a feedback log must
// be safe to read and rederive patterns from as a flat file, not a
// relational table. The aggregation shape — counts/averages grouped by
// outcome, category, action, and urgency — mirrors usage.Store's
// SummaryByModel/SummaryByRole/SummaryByTask grouped-SQL idiom, adapted
// to in-memory grouping since the corpus here is bounded and read far
// more often than it is written.
package feedback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opscore/reasoning-core/internal/signal"
)

// Stats summarizes the feedback corpus along one grouping dimension.
type Stats struct {
	Count             int
	SuccessCount      int
	AvgConfidence     float64
	AvgProcessingTime time.Duration
}

// SuccessRate returns SuccessCount / Count, or 0 for an empty group.
func (s Stats) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.Count)
}

// Tracker appends every terminal outcome to a line-delimited log and
// keeps an in-memory rolling view for fast aggregate reads. It is one of
// the process-wide shared mutable resources named in §5; all mutation
// goes through Record, which serializes itself internally.
type Tracker struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	records []signal.FeedbackRecord
}

// Open creates or appends to the feedback log at path, replaying any
// existing records into memory so aggregates are correct from startup.
func Open(path string) (*Tracker, error) {
	existing, err := loadExisting(path)
	if err != nil {
		return nil, fmt.Errorf("load existing feedback log: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open feedback log: %w", err)
	}

	return &Tracker{
		path:    path,
		file:    f,
		writer:  bufio.NewWriter(f),
		records: existing,
	}, nil
}

func loadExisting(path string) ([]signal.FeedbackRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []signal.FeedbackRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec signal.FeedbackRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("parse feedback record: %w", err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

// Record appends rec to the log (assigning a UUIDv7 FeedbackID if one is
// not already set) and updates the in-memory corpus.
func (t *Tracker) Record(rec signal.FeedbackRecord) error {
	if rec.FeedbackID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate feedback id: %w", err)
		}
		rec.FeedbackID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode feedback record: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.writer.Write(encoded); err != nil {
		return fmt.Errorf("write feedback record: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return err
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("flush feedback log: %w", err)
	}

	t.records = append(t.records, rec)
	return nil
}

// Records returns a copy of the full in-memory corpus, suitable for
// passing to patterns.Store.Derive.
func (t *Tracker) Records() []signal.FeedbackRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]signal.FeedbackRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Overall aggregates the whole corpus.
func (t *Tracker) Overall() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return aggregate(t.records)
}

// ByOutcome groups the corpus by Outcome.
func (t *Tracker) ByOutcome() map[signal.Outcome]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	grouped := make(map[signal.Outcome][]signal.FeedbackRecord)
	for _, r := range t.records {
		grouped[r.Outcome] = append(grouped[r.Outcome], r)
	}
	return aggregateGroups(grouped)
}

// ByCategory groups the corpus by the record's classification category.
func (t *Tracker) ByCategory() map[signal.Category]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	grouped := make(map[signal.Category][]signal.FeedbackRecord)
	for _, r := range t.records {
		grouped[r.Classification.Category] = append(grouped[r.Classification.Category], r)
	}
	return aggregateGroups(grouped)
}

// ByAction groups the corpus by the record's decision action.
func (t *Tracker) ByAction() map[signal.Action]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	grouped := make(map[signal.Action][]signal.FeedbackRecord)
	for _, r := range t.records {
		grouped[r.Decision.Action] = append(grouped[r.Decision.Action], r)
	}
	return aggregateGroups(grouped)
}

// ByUrgency groups the corpus by the record's classification urgency.
func (t *Tracker) ByUrgency() map[signal.Urgency]Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	grouped := make(map[signal.Urgency][]signal.FeedbackRecord)
	for _, r := range t.records {
		grouped[r.Classification.Urgency] = append(grouped[r.Classification.Urgency], r)
	}
	return aggregateGroups(grouped)
}

// Close flushes and closes the underlying file.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writer.Flush(); err != nil {
		return err
	}
	return t.file.Close()
}

func aggregateGroups[K comparable](groups map[K][]signal.FeedbackRecord) map[K]Stats {
	out := make(map[K]Stats, len(groups))
	for k, records := range groups {
		out[k] = aggregate(records)
	}
	return out
}

func aggregate(records []signal.FeedbackRecord) Stats {
	var s Stats
	var confidenceSum float64
	var processingSum time.Duration

	for _, r := range records {
		s.Count++
		if r.Outcome == signal.OutcomeSuccess {
			s.SuccessCount++
		}
		confidenceSum += r.ConfidenceScore
		processingSum += r.ProcessingTime
	}

	if s.Count > 0 {
		s.AvgConfidence = confidenceSum / float64(s.Count)
		s.AvgProcessingTime = processingSum / time.Duration(s.Count)
	}
	return s
}
