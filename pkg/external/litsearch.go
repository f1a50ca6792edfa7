// Package external contains clients for remote evidence services. The
// engine treats every remote failure as a reason to degrade to pooled
// evidence, never as a reason to fail a calculation.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/periop-risk-server/internal/domain"
)

// LitSearchClient queries a remote literature-evidence service for fresh raw
// estimates in live calculation mode. Calls are rate limited and wrapped in
// a circuit breaker so a degraded remote cannot stall the calculation path.
type LitSearchClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

// NewLitSearchClient creates a new literature search client.
func NewLitSearchClient(cfg domain.LitSearchConfig, logger *logrus.Logger) *LitSearchClient {
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 5
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "LitSearch",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &LitSearchClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
		breaker:    breaker,
		logger:     logger,
	}
}

// searchResponse is the wire shape of the evidence service's search result.
type searchResponse struct {
	Estimates []domain.EvidenceEstimate `json:"estimates"`
}

// SearchEstimates returns fresh raw estimates for (outcome, modifier).
// Implements domain.LiveEvidenceSource.
func (c *LitSearchClient) SearchEstimates(ctx context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doSearch(ctx, outcome, modifier)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.EvidenceEstimate), nil
}

func (c *LitSearchClient) doSearch(ctx context.Context, outcome, modifier string) ([]domain.EvidenceEstimate, error) {
	endpoint := fmt.Sprintf("%s/estimates?outcome=%s&modifier=%s",
		c.baseURL, url.QueryEscape(outcome), url.QueryEscape(modifier))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building litsearch request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("litsearch request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("litsearch returned status %d", resp.StatusCode)
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding litsearch response: %w", err)
	}

	// Screen out structurally invalid records at the boundary; the pooling
	// layer applies the numeric sanity bands.
	valid := make([]domain.EvidenceEstimate, 0, len(decoded.Estimates))
	for _, e := range decoded.Estimates {
		if err := e.Validate(); err != nil {
			c.logger.WithFields(logrus.Fields{
				"outcome": outcome,
				"source":  e.SourceID,
			}).WithError(err).Warn("Discarding invalid live estimate")
			continue
		}
		valid = append(valid, e)
	}

	c.logger.WithFields(logrus.Fields{
		"outcome":   outcome,
		"modifier":  modifier,
		"estimates": len(valid),
	}).Debug("Live evidence search completed")
	return valid, nil
}
