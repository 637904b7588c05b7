// Package analyzer defines core types shared across subsystems.
package analyzer

import "time"

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values tracked by the orchestrator.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ScoringConfig carries per-job weights and thresholds. The orchestrator
// treats it as opaque and hands it through to the analyzers.
type ScoringConfig struct {
	Weights    map[string]float64 `json:"weights,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// Progress tracks how many URLs of a job have finished.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Percent derives the completion percentage.
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// PageReport holds the structural findings for a single page.
type PageReport struct {
	HTMLVersion       string         `json:"html_version"`
	Title             string         `json:"title"`
	Headings          map[string]int `json:"headings"`
	InternalLinks     int            `json:"internal_links"`
	ExternalLinks     int            `json:"external_links"`
	AccessibleLinks   int            `json:"accessible_links"`
	InaccessibleLinks int            `json:"inaccessible_links"`
	HasLoginForm      bool           `json:"has_login_form"`
}

// URLResult is the per-URL outcome appended to a job as each URL finishes.
// A result with a non-empty Errors list is degraded, not failed: every check
// that could run still contributed to the report and score.
type URLResult struct {
	URL         string        `json:"url"`
	Report      PageReport    `json:"report"`
	Score       float64       `json:"score"`
	Errors      []string      `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration_ms"`
	CompletedAt time.Time     `json:"completed_at"`
}

// Degraded reports whether any check failed while producing this result.
func (r URLResult) Degraded() bool {
	return len(r.Errors) > 0
}

// Job represents one submitted analysis request covering one or more URLs.
// The orchestrator exclusively owns mutation; callers only see snapshots.
type Job struct {
	ID          string        `json:"id"`
	URLs        []string      `json:"urls"`
	Config      ScoringConfig `json:"config"`
	Status      JobStatus     `json:"status"`
	Progress    Progress      `json:"progress"`
	Results     []URLResult   `json:"results"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	ErrorText   string        `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand across the API boundary.
func (j Job) Clone() Job {
	cp := j
	cp.URLs = append([]string(nil), j.URLs...)
	cp.Results = append([]URLResult(nil), j.Results...)
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return cp
}
