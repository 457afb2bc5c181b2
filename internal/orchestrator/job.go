package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/archon-labs/archon/internal/codex"
	"github.com/archon-labs/archon/internal/crawl"
	"github.com/archon-labs/archon/internal/ingest"
	"github.com/archon-labs/archon/internal/progress"
)

// job carries one run's mapper, counters, and heartbeat. All emissions
// for a job flow through here so overall progress stays monotonic.
type job struct {
	id      string
	emitter progress.Emitter
	mapper  *progress.Mapper
	logger  *zap.Logger

	mu         sync.Mutex
	lastEmit   time.Time
	lastStage  progress.Stage
	lastPct    float64
	lastMsg    string
	currentURL string
	total      int
	processed  int
	chunks     int
	code       int
	sources    int

	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func newJob(id string, emitter progress.Emitter, logger *zap.Logger) *job {
	return &job{
		id:      id,
		emitter: emitter,
		mapper:  progress.NewMapper(logger),
		logger:  logger,
	}
}

// stage maps a stage-local percentage to overall progress and emits it.
func (j *job) stage(stage progress.Stage, localPct float64, msg string) {
	mapped, err := j.mapper.Map(stage, localPct)
	if err != nil {
		j.logger.Error("progress mapping failed", zap.String("job_id", j.id), zap.Error(err))
		return
	}
	j.emit(stage, mapped, msg)
}

func (j *job) emit(stage progress.Stage, overallPct float64, msg string) {
	j.mu.Lock()
	j.lastEmit = time.Now()
	j.lastStage = stage
	j.lastPct = overallPct
	j.lastMsg = msg
	evt := j.eventLocked(stage, overallPct, msg)
	j.mu.Unlock()
	j.emitter.Emit(evt)
}

func (j *job) eventLocked(stage progress.Stage, overallPct float64, msg string) progress.Event {
	return progress.Event{
		JobID:             j.id,
		TS:                time.Now().UTC(),
		Status:            stage,
		Progress:          overallPct,
		Message:           msg,
		CurrentURL:        j.currentURL,
		TotalPages:        j.total,
		ProcessedPages:    j.processed,
		ChunksStored:      j.chunks,
		CodeExamplesFound: j.code,
		SourcesUpdated:    j.sources,
	}
}

func (j *job) complete(msg string) {
	mapped, err := j.mapper.Map(progress.StageCompleted, 100)
	if err != nil {
		j.logger.Error("progress mapping failed", zap.String("job_id", j.id), zap.Error(err))
		return
	}
	j.emit(progress.StageCompleted, mapped, msg)
}

// crawlProgress adapts crawl callbacks into crawling-stage events.
func (j *job) crawlProgress() crawl.ProgressFn {
	return func(pct float64, msg string, processed, total int, currentURL string) {
		j.mu.Lock()
		j.processed = processed
		if total > 0 {
			j.total = total
		}
		j.currentURL = currentURL
		j.mu.Unlock()
		j.stage(progress.StageCrawling, pct, msg)
	}
}

// storageProgress splits the storer's local percentage: the first 10
// points are source creation, the rest document storage.
func (j *job) storageProgress() ingest.ProgressFn {
	return func(pct float64, msg string) {
		if pct <= 10 {
			j.stage(progress.StageSourceCreation, pct*10, msg)
			return
		}
		j.stage(progress.StageDocumentStorage, (pct-10)/90*100, msg)
	}
}

// codeProgress splits the extractor's local percentage: extraction and
// summarization (first 80 points) map to code_extraction, storage to
// code_storage.
func (j *job) codeProgress() codex.ProgressFn {
	return func(pct float64, msg string) {
		if pct < 80 {
			j.stage(progress.StageCodeExtraction, pct/80*100, msg)
			return
		}
		j.stage(progress.StageCodeStorage, (pct-80)/20*100, msg)
	}
}

func (j *job) setPages(n int) {
	j.mu.Lock()
	j.total = n
	j.processed = n
	j.currentURL = ""
	j.mu.Unlock()
}

func (j *job) setStorageSummary(summary ingest.Summary) {
	j.mu.Lock()
	j.chunks = summary.ChunksStored
	j.sources = summary.SourcesUpdated
	j.mu.Unlock()
}

func (j *job) setCodeExamples(n int) {
	j.mu.Lock()
	j.code = n
	j.mu.Unlock()
}

// startHeartbeat emits a keepalive when the job has been silent for a
// full interval, so subscribers can tell slow from dead.
func (j *job) startHeartbeat(ctx context.Context, interval time.Duration) {
	hbCtx, cancel := context.WithCancel(ctx)
	j.hbCancel = cancel
	j.hbDone = make(chan struct{})

	go func() {
		defer close(j.hbDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				j.mu.Lock()
				stale := time.Since(j.lastEmit) >= interval
				stage := j.lastStage
				pct := j.lastPct
				msg := j.lastMsg
				j.mu.Unlock()
				if !stale || stage == "" {
					continue
				}
				j.emit(stage, pct, "still running: "+msg)
			}
		}
	}()
}

func (j *job) stopHeartbeat() {
	if j.hbCancel == nil {
		return
	}
	j.hbCancel()
	<-j.hbDone
}
