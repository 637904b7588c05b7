// Package orchestrator schedules analysis jobs under a global concurrency
// ceiling, aggregates per-URL results, and answers lifecycle queries.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/analyzer"
	"github.com/sitegrade/sitegrade/internal/events"
	"github.com/sitegrade/sitegrade/internal/metrics"
)

var (
	// ErrNoURLs rejects submissions with an empty URL list.
	ErrNoURLs = errors.New("at least one url required")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrClosed rejects submissions after shutdown began.
	ErrClosed = errors.New("orchestrator closed")
)

// NotCompletedError signals that results were requested before the job
// reached completed status, so callers can distinguish "still running" from
// "never existed".
type NotCompletedError struct {
	Status analyzer.JobStatus
}

func (e *NotCompletedError) Error() string {
	return fmt.Sprintf("job not completed: status %s", e.Status)
}

// Config controls orchestrator behavior.
type Config struct {
	// MaxConcurrentJobs bounds how many jobs run system-wide (default 3).
	MaxConcurrentJobs int
	// AnalysisTimeout bounds each per-URL analysis; zero means no limit.
	AnalysisTimeout time.Duration
	// Retention and CleanupInterval enable the background janitor that
	// evicts terminal jobs; both must be > 0 to start it.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// StatusSnapshot is the read-only view returned by GetStatus.
type StatusSnapshot struct {
	ID          string             `json:"id"`
	Status      analyzer.JobStatus `json:"status"`
	Progress    analyzer.Progress  `json:"progress"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Stats aggregates counts over the in-memory job set.
type Stats struct {
	TotalJobs         int           `json:"total_jobs"`
	PendingJobs       int           `json:"pending_jobs"`
	ActiveJobs        int           `json:"active_jobs"`
	CompletedJobs     int           `json:"completed_jobs"`
	FailedJobs        int           `json:"failed_jobs"`
	CancelledJobs     int           `json:"cancelled_jobs"`
	AverageProcessing time.Duration `json:"average_processing_ms"`
}

type jobState struct {
	job             analyzer.Job
	cancelRequested bool
}

// Orchestrator owns the job map and is the only component that mutates it.
// Per-URL failures are absorbed into degraded results; a job fails only on
// orchestration-level faults such as no analyzer being configured.
type Orchestrator struct {
	cfg      Config
	analyzer analyzer.URLAnalyzer
	clock    analyzer.Clock
	ids      analyzer.IDGenerator
	emitter  events.Emitter
	logger   *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	pending []string
	running int
	closed  bool

	procSum   time.Duration
	procCount int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New constructs an Orchestrator. Each instance owns its own job map, so
// tests can run several independently.
func New(
	cfg Config,
	urlAnalyzer analyzer.URLAnalyzer,
	clock analyzer.Clock,
	ids analyzer.IDGenerator,
	emitter events.Emitter,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		analyzer: urlAnalyzer,
		clock:    clock,
		ids:      ids,
		emitter:  emitter,
		logger:   logger,
		jobs:     make(map[string]*jobState),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	if cfg.Retention > 0 && cfg.CleanupInterval > 0 {
		o.janitorStop = make(chan struct{})
		o.janitorDone = make(chan struct{})
		go o.janitor()
	}
	return o
}

// Submit validates the request, creates a pending job, and admits it into
// the running set if the concurrency ceiling allows. It returns the job id
// synchronously; analysis proceeds in the background. Admission happens
// under the same lock, so when a slot is free the job's first observable
// status is already running; pending is only observed while the ceiling is
// saturated.
func (o *Orchestrator) Submit(urls []string, cfg analyzer.ScoringConfig) (string, error) {
	if len(urls) == 0 {
		return "", ErrNoURLs
	}
	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := o.clock.Now()
	job := analyzer.Job{
		ID:        id,
		URLs:      append([]string(nil), urls...),
		Config:    cfg,
		Status:    analyzer.JobStatusPending,
		Progress:  analyzer.Progress{Total: len(urls)},
		CreatedAt: now,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	o.jobs[id] = &jobState{job: job}
	o.pending = append(o.pending, id)
	o.logger.Info("job submitted", zap.String("job_id", id), zap.Int("urls", len(urls)))
	o.dispatchLocked()
	return id, nil
}

// GetStatus returns a snapshot of the job's lifecycle state.
func (o *Orchestrator) GetStatus(jobID string) (StatusSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[jobID]
	if !ok {
		return StatusSnapshot{}, ErrNotFound
	}
	j := st.job.Clone()
	return StatusSnapshot{
		ID:          j.ID,
		Status:      j.Status,
		Progress:    j.Progress,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Error:       j.ErrorText,
	}, nil
}

// GetResults returns the per-URL results once the job has completed. For any
// other state it returns a NotCompletedError carrying the current status.
func (o *Orchestrator) GetResults(jobID string) ([]analyzer.URLResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if st.job.Status != analyzer.JobStatusCompleted {
		return nil, &NotCompletedError{Status: st.job.Status}
	}
	return append([]analyzer.URLResult(nil), st.job.Results...), nil
}

// Cancel requests cancellation. A pending job transitions to cancelled
// immediately; a running job has its flag set and is marked cancelled at the
// next per-URL checkpoint, with in-flight URL work allowed to finish. It
// returns false for unknown jobs, terminal jobs, and repeated cancels.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.jobs[jobID]
	if !ok {
		return false
	}
	switch st.job.Status {
	case analyzer.JobStatusPending:
		o.removePendingLocked(jobID)
		o.finishLocked(st, analyzer.JobStatusCancelled, "")
		return true
	case analyzer.JobStatusRunning:
		if st.cancelRequested {
			return false
		}
		st.cancelRequested = true
		o.logger.Info("job cancellation requested", zap.String("job_id", jobID))
		return true
	default:
		return false
	}
}

// GetStats computes aggregate counts from the in-memory job set.
func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{TotalJobs: len(o.jobs)}
	for _, st := range o.jobs {
		switch st.job.Status {
		case analyzer.JobStatusPending:
			s.PendingJobs++
		case analyzer.JobStatusRunning:
			s.ActiveJobs++
		case analyzer.JobStatusCompleted:
			s.CompletedJobs++
		case analyzer.JobStatusFailed:
			s.FailedJobs++
		case analyzer.JobStatusCancelled:
			s.CancelledJobs++
		}
	}
	if o.procCount > 0 {
		s.AverageProcessing = o.procSum / time.Duration(o.procCount)
	}
	return s
}

// CleanupOldJobs evicts terminal jobs older than maxAge, measured from
// completion (or creation for jobs that never started). Non-terminal jobs
// are never evicted; doing so would orphan in-flight work. Returns how many
// jobs were removed.
func (o *Orchestrator) CleanupOldJobs(maxAge time.Duration) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := o.clock.Now()
	removed := 0
	for id, st := range o.jobs {
		if !st.job.Status.Terminal() {
			continue
		}
		ref := st.job.CreatedAt
		if st.job.CompletedAt != nil {
			ref = *st.job.CompletedAt
		}
		if now.Sub(ref) > maxAge {
			delete(o.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		o.logger.Debug("old jobs evicted", zap.Int("removed", removed))
	}
	return removed
}

// Close stops accepting submissions, cancels the base context so analyzers
// wind down, and waits for running jobs up to the ctx deadline.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	if o.janitorStop != nil {
		close(o.janitorStop)
		<-o.janitorDone
	}
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator close wait: %w", ctx.Err())
	}
}

// dispatchLocked admits pending jobs in FIFO submission order while the
// concurrency ceiling allows.
func (o *Orchestrator) dispatchLocked() {
	for o.running < o.cfg.MaxConcurrentJobs && len(o.pending) > 0 {
		id := o.pending[0]
		o.pending = o.pending[1:]
		st, ok := o.jobs[id]
		if !ok || st.job.Status != analyzer.JobStatusPending {
			continue
		}
		now := o.clock.Now()
		st.job.Status = analyzer.JobStatusRunning
		st.job.StartedAt = &now
		o.running++
		metrics.IncActiveJobs()
		o.emit(events.Event{JobID: id, TS: now, Type: events.TypeJobStarted})
		o.wg.Add(1)
		go o.runJob(id)
	}
}

// runJob fans the job's URLs out to per-URL goroutines and folds results
// back in completion order. The cancellation flag is checked before every
// URL dispatch; in-flight analyses are never forcibly aborted.
func (o *Orchestrator) runJob(jobID string) {
	defer o.wg.Done()

	o.mu.Lock()
	st, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return
	}
	urls := append([]string(nil), st.job.URLs...)
	cfg := st.job.Config
	o.mu.Unlock()

	if o.analyzer == nil {
		o.mu.Lock()
		o.finishLocked(st, analyzer.JobStatusFailed, "no analyzer configured")
		o.mu.Unlock()
		return
	}

	resultCh := make(chan analyzer.URLResult)
	launched := 0
	for _, url := range urls {
		o.mu.Lock()
		cancelled := st.cancelRequested
		o.mu.Unlock()
		if cancelled {
			break
		}
		launched++
		go o.analyzeURL(url, cfg, resultCh)
	}

	for i := 0; i < launched; i++ {
		res := <-resultCh
		metrics.ObserveURLAnalysis(res.Degraded(), res.Duration)
		o.mu.Lock()
		st.job.Results = append(st.job.Results, res)
		st.job.Progress.Completed++
		o.emit(events.Event{
			JobID:     jobID,
			TS:        o.clock.Now(),
			Type:      events.TypeJobProgress,
			Completed: st.job.Progress.Completed,
			Total:     st.job.Progress.Total,
		})
		o.mu.Unlock()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if st.cancelRequested {
		o.finishLocked(st, analyzer.JobStatusCancelled, "")
		return
	}
	o.finishLocked(st, analyzer.JobStatusCompleted, "")
}

func (o *Orchestrator) analyzeURL(url string, cfg analyzer.ScoringConfig, out chan<- analyzer.URLResult) {
	ctx := o.baseCtx
	if o.cfg.AnalysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.AnalysisTimeout)
		defer cancel()
	}
	out <- o.analyzer.Analyze(ctx, url, cfg)
}

// finishLocked records the terminal transition and frees the running slot.
// Pending jobs being cancelled never held a slot, so the counters are only
// adjusted for jobs that actually started.
func (o *Orchestrator) finishLocked(st *jobState, status analyzer.JobStatus, errText string) {
	if st.job.Status.Terminal() {
		return
	}
	wasRunning := st.job.Status == analyzer.JobStatusRunning
	now := o.clock.Now()
	st.job.Status = status
	st.job.CompletedAt = &now
	st.job.ErrorText = errText
	if wasRunning {
		o.running--
		metrics.DecActiveJobs()
		if st.job.StartedAt != nil {
			o.procSum += now.Sub(*st.job.StartedAt)
			o.procCount++
		}
	}
	metrics.ObserveJob(string(status))

	evt := events.Event{JobID: st.job.ID, TS: now, Note: errText}
	switch status {
	case analyzer.JobStatusCompleted:
		evt.Type = events.TypeJobCompleted
	case analyzer.JobStatusFailed:
		evt.Type = events.TypeJobFailed
	case analyzer.JobStatusCancelled:
		evt.Type = events.TypeJobCancelled
	}
	o.emit(evt)
	o.logger.Info("job finished",
		zap.String("job_id", st.job.ID),
		zap.String("status", string(status)),
		zap.Int("completed", st.job.Progress.Completed),
		zap.Int("total", st.job.Progress.Total),
	)
	o.dispatchLocked()
}

func (o *Orchestrator) removePendingLocked(jobID string) {
	for i, id := range o.pending {
		if id == jobID {
			o.pending = append(o.pending[:i], o.pending[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) emit(evt events.Event) {
	if o.emitter == nil {
		return
	}
	o.emitter.Emit(evt)
}

func (o *Orchestrator) janitor() {
	defer close(o.janitorDone)
	ticker := time.NewTicker(o.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.janitorStop:
			return
		case <-ticker.C:
			o.CleanupOldJobs(o.cfg.Retention)
		}
	}
}
