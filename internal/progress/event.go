package progress

import (
	"errors"
	"fmt"
	"time"
)

// Event is a single progress update for one job. The Status field
// discriminates which of the optional fields are meaningful; Validate
// enforces the per-status requirements so sinks can rely on them.
type Event struct {
	// JobID identifies the job run; it doubles as the broadcast room name.
	JobID string `json:"progress_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Status is the pipeline stage or terminal state this event reports.
	Status Stage `json:"status"`
	// Progress is the overall percentage (0-100, or ErrorProgress).
	Progress float64 `json:"percentage"`
	// Message is a human-readable description of what is happening.
	Message string `json:"message,omitempty"`

	// CurrentURL is the page being worked on, when one applies.
	CurrentURL string `json:"current_url,omitempty"`
	// TotalPages / ProcessedPages track crawl extent.
	TotalPages     int `json:"total_pages,omitempty"`
	ProcessedPages int `json:"processed_pages,omitempty"`
	// ChunksStored counts chunk rows written so far.
	ChunksStored int `json:"chunks_stored,omitempty"`
	// CodeExamplesFound counts stored code examples.
	CodeExamplesFound int `json:"code_examples_found,omitempty"`
	// SourcesUpdated counts source rows upserted.
	SourcesUpdated int `json:"sources_updated,omitempty"`
	// Err carries the failure message for error events.
	Err string `json:"error,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !KnownStage(e.Status) {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	switch e.Status {
	case StageError:
		if e.Err == "" {
			return errors.New("error event requires a message")
		}
	case StageCompleted:
		if e.Progress != 100 {
			return errors.New("completed event must report 100")
		}
	default:
		if e.Progress < 0 || e.Progress > 100 {
			return fmt.Errorf("percentage %.1f out of range", e.Progress)
		}
	}
	return nil
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	return e.Status == StageCompleted || e.Status == StageError
}
