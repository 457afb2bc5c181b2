package progress

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Mapper converts a (stage, stage-local percentage) pair into a single
// overall percentage that never decreases over the lifetime of one job.
// One Mapper instance belongs to exactly one job run.
type Mapper struct {
	mu     sync.Mutex
	logger *zap.Logger

	stage      Stage
	stageIndex int
	last       float64
}

// NewMapper returns a Mapper positioned before the first stage.
func NewMapper(logger *zap.Logger) *Mapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mapper{
		logger:     logger,
		stage:      StageStarting,
		stageIndex: -1,
	}
}

// Map returns the overall percentage for stagePct (0-100) within stage.
//
// The returned value is clamped to the highest value previously returned,
// so a caller supplying a stale stage/percentage combination cannot make
// reported progress move backward. The error stage bypasses the clamp and
// reports ErrorProgress. Unknown stages are an error: silently defaulting
// would corrupt the monotonicity guarantee for every later stage.
func (m *Mapper) Map(stage Stage, stagePct float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch stage {
	case StageError:
		m.stage = StageError
		return ErrorProgress, nil
	case StageCompleted:
		m.stage = StageCompleted
		m.last = 100
		return 100, nil
	}

	s, ok := stageSpans[stage]
	if !ok {
		return 0, fmt.Errorf("progress: unknown stage %q", stage)
	}
	if stagePct < 0 {
		stagePct = 0
	} else if stagePct > 100 {
		stagePct = 100
	}

	idx := StageIndex(stage)
	if idx < m.stageIndex {
		m.logger.Warn("stage regression ignored",
			zap.String("stage", string(stage)),
			zap.String("current_stage", string(m.stage)),
		)
	} else {
		m.stage = stage
		m.stageIndex = idx
	}

	raw := s.Start + stagePct/100*(s.End-s.Start)
	if raw < m.last {
		m.logger.Debug("progress clamped to last emitted value",
			zap.String("stage", string(stage)),
			zap.Float64("raw", raw),
			zap.Float64("last", m.last),
		)
		return m.last, nil
	}
	m.last = raw
	return raw, nil
}

// CurrentStage returns the stage of the last Map call, for heartbeats.
func (m *Mapper) CurrentStage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// CurrentProgress returns the last emitted overall percentage.
func (m *Mapper) CurrentProgress() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stage == StageError {
		return ErrorProgress
	}
	return m.last
}

// SubRange returns a function that maps a 0-100 local percentage into the
// [start, end] range. Nested phases (e.g. code extraction's internal
// extract/summarize/store split) normalize their progress to 0-100 and
// re-map it into the slice of the parent stage they were handed.
func SubRange(start, end float64) func(localPct float64) float64 {
	if end < start {
		start, end = end, start
	}
	return func(localPct float64) float64 {
		if localPct < 0 {
			localPct = 0
		} else if localPct > 100 {
			localPct = 100
		}
		return start + localPct/100*(end-start)
	}
}
