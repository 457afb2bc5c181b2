// Package progress tracks staged crawl-pipeline progress and fans events
// out to registered sinks.
package progress

import "fmt"

// Stage names a phase of the ingestion pipeline. Each non-terminal stage
// owns a fixed slice of the overall 0-100 range.
type Stage string

// Pipeline stages in execution order.
const (
	StageStarting        Stage = "starting"
	StageAnalyzing       Stage = "analyzing"
	StageCrawling        Stage = "crawling"
	StageProcessing      Stage = "processing"
	StageSourceCreation  Stage = "source_creation"
	StageDocumentStorage Stage = "document_storage"
	StageCodeExtraction  Stage = "code_extraction"
	StageCodeStorage     Stage = "code_storage"
	StageFinalization    Stage = "finalization"
	StageCompleted       Stage = "completed"
	StageError           Stage = "error"
)

// ErrorProgress is the sentinel percentage reported for the error stage.
// Typed so comparisons against Event.Progress stay float64 on both sides.
const ErrorProgress float64 = -1

// span is a stage's [Start, End) slice of the overall percentage range.
type span struct {
	Start float64
	End   float64
}

// stageSpans allocates the 0-100 range across stages. Widths approximate
// relative cost: crawling and document storage dominate wall time. Spans
// must be contiguous, non-overlapping, and sum to 100; SpanTable checks
// this once at init.
var stageSpans = map[Stage]span{
	StageStarting:        {0, 3},
	StageAnalyzing:       {3, 8},
	StageCrawling:        {8, 40},
	StageProcessing:      {40, 45},
	StageSourceCreation:  {45, 50},
	StageDocumentStorage: {50, 75},
	StageCodeExtraction:  {75, 90},
	StageCodeStorage:     {90, 97},
	StageFinalization:    {97, 100},
}

// stageOrder is the fixed forward-only sequence of non-terminal stages.
var stageOrder = []Stage{
	StageStarting,
	StageAnalyzing,
	StageCrawling,
	StageProcessing,
	StageSourceCreation,
	StageDocumentStorage,
	StageCodeExtraction,
	StageCodeStorage,
	StageFinalization,
}

func init() {
	if err := checkSpans(); err != nil {
		panic(err)
	}
}

// checkSpans verifies the span table invariants: one span per ordered
// stage, contiguous coverage starting at 0 and ending at 100.
func checkSpans() error {
	if len(stageSpans) != len(stageOrder) {
		return fmt.Errorf("progress: span table has %d entries, want %d", len(stageSpans), len(stageOrder))
	}
	cursor := 0.0
	for _, stage := range stageOrder {
		s, ok := stageSpans[stage]
		if !ok {
			return fmt.Errorf("progress: stage %q has no span", stage)
		}
		if s.Start != cursor {
			return fmt.Errorf("progress: stage %q starts at %.1f, want %.1f", stage, s.Start, cursor)
		}
		if s.End <= s.Start {
			return fmt.Errorf("progress: stage %q has empty span", stage)
		}
		cursor = s.End
	}
	if cursor != 100 {
		return fmt.Errorf("progress: spans end at %.1f, want 100", cursor)
	}
	return nil
}

// StageIndex returns the position of a stage in the pipeline order, or -1
// for terminal and unknown stages.
func StageIndex(stage Stage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return -1
}

// KnownStage reports whether stage is a pipeline or terminal stage.
func KnownStage(stage Stage) bool {
	if stage == StageCompleted || stage == StageError {
		return true
	}
	_, ok := stageSpans[stage]
	return ok
}
