package progress

import (
	"context"
	"sync"
	"time"
)

// Record is the cumulative state of one job, built up from its events.
// Late subscribers receive a Record snapshot instead of a blank slate.
type Record struct {
	JobID             string    `json:"progress_id"`
	Status            Stage     `json:"status"`
	Progress          float64   `json:"percentage"`
	Log               []string  `json:"log"`
	CurrentURL        string    `json:"current_url,omitempty"`
	TotalPages        int       `json:"total_pages,omitempty"`
	ProcessedPages    int       `json:"processed_pages,omitempty"`
	ChunksStored      int       `json:"chunks_stored,omitempty"`
	CodeExamplesFound int       `json:"code_examples_found,omitempty"`
	SourcesUpdated    int       `json:"sources_updated,omitempty"`
	Error             string    `json:"error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

const (
	defaultRecordTTL = 5 * time.Minute
	maxLogLines      = 100
)

// Tracker holds the live Record for every job. It implements Sink so the
// hub keeps it current in emission order, and the broadcast/API layers
// read snapshots from it. Terminal records are swept after a TTL to bound
// memory.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	ttl     time.Duration
}

// NewTracker builds a Tracker. A non-positive ttl selects the default.
func NewTracker(ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	return &Tracker{
		records: make(map[string]*Record),
		ttl:     ttl,
	}
}

// Consume folds a batch of events into the per-job records.
func (t *Tracker) Consume(_ context.Context, batch []Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		t.apply(evt)
	}
	return nil
}

// Close implements Sink; the Tracker holds no external resources.
func (t *Tracker) Close(context.Context) error {
	return nil
}

func (t *Tracker) apply(evt Event) {
	rec, ok := t.records[evt.JobID]
	if !ok {
		rec = &Record{JobID: evt.JobID}
		t.records[evt.JobID] = rec
	}
	rec.Status = evt.Status
	rec.Progress = evt.Progress
	rec.UpdatedAt = evt.TS
	if evt.Message != "" {
		rec.Log = append(rec.Log, evt.Message)
		if len(rec.Log) > maxLogLines {
			rec.Log = rec.Log[len(rec.Log)-maxLogLines:]
		}
	}
	if evt.CurrentURL != "" {
		rec.CurrentURL = evt.CurrentURL
	}
	if evt.TotalPages > 0 {
		rec.TotalPages = evt.TotalPages
	}
	if evt.ProcessedPages > 0 {
		rec.ProcessedPages = evt.ProcessedPages
	}
	if evt.ChunksStored > 0 {
		rec.ChunksStored = evt.ChunksStored
	}
	if evt.CodeExamplesFound > 0 {
		rec.CodeExamplesFound = evt.CodeExamplesFound
	}
	if evt.SourcesUpdated > 0 {
		rec.SourcesUpdated = evt.SourcesUpdated
	}
	if evt.Status == StageError {
		rec.Error = evt.Err
	}
}

// Snapshot returns a copy of the record for jobID, if one exists.
func (t *Tracker) Snapshot(jobID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[jobID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.Log = append([]string(nil), rec.Log...)
	return out, true
}

// StartSweeper runs TTL cleanup of terminal records until ctx finishes.
func (t *Tracker) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.sweep(now)
			}
		}
	}()
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, rec := range t.records {
		terminal := rec.Status == StageCompleted || rec.Status == StageError
		if terminal && now.Sub(rec.UpdatedAt) > t.ttl {
			delete(t.records, id)
		}
	}
}
