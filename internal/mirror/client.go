package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config holds the indexing-service connection settings.
type Config struct {
	BaseURL        string
	TopicID        string
	RequestTimeout time.Duration
	BreakerFails   uint32
	BreakerOpenFor time.Duration
}

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultBreakerFails   = 5
	DefaultBreakerOpenFor = 30 * time.Second
)

// Client reads the ordered event log from the external indexing service over
// its paginated REST API. It implements ingest.Fetcher. A circuit breaker
// shields the service from hammering while it is down; an open breaker
// surfaces as an ordinary fetch error and flows into the poller's backoff.
type Client struct {
	base    string
	topic   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// messagesPage mirrors the service's response envelope.
type messagesPage struct {
	Messages []model.LogEnvelope `json:"messages"`
}

// NewClient creates a mirror client for one topic.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.BreakerFails == 0 {
		cfg.BreakerFails = DefaultBreakerFails
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = DefaultBreakerOpenFor
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mirror-" + cfg.TopicID,
		Timeout: cfg.BreakerOpenFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFails
		},
	})
	return &Client{
		base:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		topic:   cfg.TopicID,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		logger:  logger,
	}
}

// FetchAfter returns up to limit envelopes with sequence number strictly
// greater than afterSequence, ascending.
func (c *Client) FetchAfter(ctx context.Context, afterSequence int64, limit int) ([]model.LogEnvelope, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetch(ctx, afterSequence, limit)
	})
	if err != nil {
		return nil, err
	}
	return out.([]model.LogEnvelope), nil
}

func (c *Client) fetch(ctx context.Context, afterSequence int64, limit int) ([]model.LogEnvelope, error) {
	url := fmt.Sprintf("%s/api/v1/topics/%s/messages?sequencenumber=gt:%d&limit=%d&order=asc",
		c.base, c.topic, afterSequence, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("mirror status %d", resp.StatusCode)
	}

	var page messagesPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("mirror decode: %w", err)
	}

	c.logger.Debug("fetched mirror page",
		zap.Int64("after_sequence", afterSequence),
		zap.Int("count", len(page.Messages)),
	)
	return page.Messages, nil
}
