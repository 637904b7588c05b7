package analyzer

import (
	"context"
	"time"
)

// URLAnalyzer runs the full check battery against a single URL. It never
// returns an error for expected failure modes; failures inside individual
// checks surface as a degraded URLResult with the failing checks named.
type URLAnalyzer interface {
	Analyze(ctx context.Context, url string, cfg ScoringConfig) URLResult
}

// Admitter gates outbound calls to scarce external services.
type Admitter interface {
	Execute(ctx context.Context, op func(ctx context.Context) error) error
	RemainingRequests() int
	Healthy() bool
}

// KeySource supplies credentials for named external services.
type KeySource interface {
	CurrentKey(service string) (string, bool)
	ReportFailure(service, key string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
