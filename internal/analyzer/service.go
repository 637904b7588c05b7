package analyzer

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Default component weights applied when the job's scoring config leaves
// them unset.
const (
	defaultStructureWeight   = 0.4
	defaultLinksWeight       = 0.3
	defaultPerformanceWeight = 0.3
)

// ServiceConfig controls the analyzer service.
type ServiceConfig struct {
	// LinkCheckLimit caps how many links per page are probed for
	// accessibility (default 10, 0 keeps the default, negative disables).
	LinkCheckLimit int
	Logger         *zap.Logger
}

// Service runs the full check battery for one URL: fetch, structural parse,
// link accessibility probes, and the external performance score. Each check
// degrades independently; Analyze always returns a result.
type Service struct {
	cfg      ServiceConfig
	fetcher  *Fetcher
	scorer   *ScoreClient
	admitter Admitter
	clock    Clock
	logger   *zap.Logger
}

// NewService constructs a Service. scorer and admitter may be nil, which
// skips the performance score and runs link probes unthrottled.
func NewService(cfg ServiceConfig, fetcher *Fetcher, scorer *ScoreClient, admitter Admitter, clock Clock) *Service {
	if cfg.LinkCheckLimit == 0 {
		cfg.LinkCheckLimit = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		fetcher:  fetcher,
		scorer:   scorer,
		admitter: admitter,
		clock:    clock,
		logger:   cfg.Logger,
	}
}

// Analyze implements URLAnalyzer.
func (s *Service) Analyze(ctx context.Context, pageURL string, cfg ScoringConfig) URLResult {
	start := s.clock.Now()
	res := URLResult{URL: pageURL}
	defer func() {
		res.CompletedAt = s.clock.Now()
		res.Duration = res.CompletedAt.Sub(start)
	}()

	body, _, err := s.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		// Without a body no structural check can run; record the fetch
		// failure and stop here.
		res.Errors = append(res.Errors, fmt.Sprintf("fetch: %v", err))
		s.logger.Warn("page fetch failed", zap.String("url", pageURL), zap.Error(err))
		return res
	}

	report, links, err := ParsePage(pageURL, body)
	res.Report = report
	if err != nil {
		// Checks that depend on the parsed tree were skipped; the doctype
		// sniff in the report still stands.
		res.Errors = append(res.Errors, fmt.Sprintf("parse: %v", err))
	}

	linksScore, checked := s.verifyLinks(ctx, links, &res)

	perfScore := -1.0
	if s.scorer != nil {
		score, err := s.scorer.Score(ctx, pageURL)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("performance score: %v", err))
		} else {
			perfScore = score
		}
	}

	res.Score = combineScores(cfg, structureScore(report), linksScore, checked, perfScore)
	return res
}

// verifyLinks probes up to the configured number of links through the
// admission limiter and folds the counts into the result. Returns the
// accessibility ratio as a 0-100 score and whether any link was checked.
func (s *Service) verifyLinks(ctx context.Context, links []string, res *URLResult) (float64, bool) {
	if s.cfg.LinkCheckLimit < 0 || len(links) == 0 {
		return 0, false
	}
	if len(links) > s.cfg.LinkCheckLimit {
		links = links[:s.cfg.LinkCheckLimit]
	}

	results := make([]bool, len(links))
	var wg sync.WaitGroup
	for i, link := range links {
		wg.Add(1)
		go func(i int, link string) {
			defer wg.Done()
			probe := func(ctx context.Context) error {
				ok, err := s.fetcher.Head(ctx, link)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("link inaccessible: %s", link)
				}
				return nil
			}
			var err error
			if s.admitter != nil {
				err = s.admitter.Execute(ctx, probe)
			} else {
				err = probe(ctx)
			}
			results[i] = err == nil
		}(i, link)
	}
	wg.Wait()

	for _, ok := range results {
		if ok {
			res.Report.AccessibleLinks++
		} else {
			res.Report.InaccessibleLinks++
		}
	}
	total := res.Report.AccessibleLinks + res.Report.InaccessibleLinks
	if total == 0 {
		return 0, false
	}
	return float64(res.Report.AccessibleLinks) / float64(total) * 100, true
}

// structureScore grades the page's document structure out of 100.
func structureScore(report PageReport) float64 {
	score := 0.0
	if report.Title != "" {
		score += 40
	}
	if report.Headings["h1"] == 1 {
		score += 30
	}
	if report.HTMLVersion == "HTML5" {
		score += 30
	}
	return score
}

// combineScores computes the weighted aggregate, renormalizing over the
// components that actually produced a value.
func combineScores(cfg ScoringConfig, structure, links float64, linksChecked bool, performance float64) float64 {
	weight := func(name string, def float64) float64 {
		if cfg.Weights != nil {
			if w, ok := cfg.Weights[name]; ok {
				return w
			}
		}
		return def
	}

	sum := structure * weight("structure", defaultStructureWeight)
	total := weight("structure", defaultStructureWeight)
	if linksChecked {
		w := weight("links", defaultLinksWeight)
		sum += links * w
		total += w
	}
	if performance >= 0 {
		w := weight("performance", defaultPerformanceWeight)
		sum += performance * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return sum / total
}
