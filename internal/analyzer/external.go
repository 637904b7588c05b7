package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/retry"
)

// ErrNoCredential is returned when the credential pool for the scoring
// service has no usable key.
var ErrNoCredential = errors.New("no credential available")

// ScoreClientConfig controls the external scoring client.
type ScoreClientConfig struct {
	// Endpoint is the scoring API base URL.
	Endpoint string
	// Service names the credential pool to draw API keys from.
	Service string
	// MaxAttempts and BaseDelay tune the retry policy per call.
	MaxAttempts int
	BaseDelay   time.Duration
	Timeout     time.Duration
	Logger      *zap.Logger
}

// ScoreClient calls an external page-performance scoring API. Calls go
// through the admission limiter, are retried with circuit protection, and
// authenticate with keys from the rotation manager. Authentication failures
// feed back into the pool so the manager can rotate away from dead keys.
type ScoreClient struct {
	cfg      ScoreClientConfig
	client   *http.Client
	admitter Admitter
	keys     KeySource
	breaker  *retry.Breaker
	logger   *zap.Logger
}

// NewScoreClient constructs a ScoreClient.
func NewScoreClient(cfg ScoreClientConfig, admitter Admitter, keys KeySource, breaker *retry.Breaker) *ScoreClient {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &ScoreClient{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		admitter: admitter,
		keys:     keys,
		breaker:  breaker,
		logger:   cfg.Logger,
	}
}

// Score fetches the external performance score for pageURL.
func (c *ScoreClient) Score(ctx context.Context, pageURL string) (float64, error) {
	var score float64
	op := func(ctx context.Context) error {
		if c.admitter == nil {
			return c.call(ctx, pageURL, &score)
		}
		return c.admitter.Execute(ctx, func(ctx context.Context) error {
			return c.call(ctx, pageURL, &score)
		})
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.DoWithBreaker(ctx, "score:"+c.cfg.Service, op, c.cfg.MaxAttempts, c.cfg.BaseDelay)
	} else {
		err = retry.Do(ctx, op, c.cfg.MaxAttempts, c.cfg.BaseDelay)
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

func (c *ScoreClient) call(ctx context.Context, pageURL string, out *float64) error {
	key, ok := c.keys.CurrentKey(c.cfg.Service)
	if !ok {
		return retry.Permanent(fmt.Errorf("%s: %w", c.cfg.Service, ErrNoCredential))
	}

	endpoint := fmt.Sprintf("%s?url=%s", c.cfg.Endpoint, url.QueryEscape(pageURL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("score call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Auth failures feed the rotation manager; rate limiting does not.
		// The rejection is retryable since the next attempt draws whatever
		// key the pool rotated to.
		c.keys.ReportFailure(c.cfg.Service, key)
		c.logger.Warn("scoring credential rejected",
			zap.String("service", c.cfg.Service),
			zap.Int("status", resp.StatusCode),
		)
		return retry.Transient(&retry.HTTPError{StatusCode: resp.StatusCode, Message: "authentication rejected"})
	case resp.StatusCode != http.StatusOK:
		return &retry.HTTPError{StatusCode: resp.StatusCode, Message: "score api"}
	}

	var payload struct {
		Score float64 `json:"score"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("read score body: %w", err)
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return retry.Permanent(fmt.Errorf("decode score: %w", err))
	}
	*out = payload.Score
	return nil
}
