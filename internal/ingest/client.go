package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aquametry/water-dispense-worker/internal/model"
	"github.com/aquametry/water-dispense-worker/internal/verify"
	"go.uber.org/zap"
)

// Fetcher reads a page of envelopes from the ordered event log, strictly
// after the given sequence number, ascending.
type Fetcher interface {
	FetchAfter(ctx context.Context, afterSequence int64, limit int) ([]model.LogEnvelope, error)
}

// Message is one delivered log record, valid or not. Rejected records carry
// their reasons in Result so subscribers can audit instead of losing data.
type Message struct {
	Envelope model.LogEnvelope
	Event    model.TelemetryEvent // nil when the payload could not be decoded
	Result   verify.Result
}

// MessageHandler receives every delivered message in sequence order.
type MessageHandler func(Message)

// ErrorHandler receives resource-level failures of the polling loop.
type ErrorHandler func(error)

// Config holds polling parameters.
type Config struct {
	PollInterval time.Duration
	PageSize     int
	MaxRetries   int
	MaxBackoff   time.Duration
}

const (
	DefaultPollInterval = 10 * time.Second
	DefaultPageSize     = 100
	DefaultMaxRetries   = 5
	DefaultMaxBackoff   = 60 * time.Second
)

// Status is a point-in-time snapshot of the client.
type Status struct {
	Polling      bool   `json:"polling"`
	Cursor       int64  `json:"cursor"`
	RetryCount   int    `json:"retry_count"`
	MessageCount int64  `json:"message_count"`
	ValidCount   int64  `json:"valid_count"`
	InvalidCount int64  `json:"invalid_count"`
	LastError    string `json:"last_error,omitempty"`
}

// Client polls the ordered event log from a sequence cursor, verifies each
// decoded event, and delivers every record to subscribers in sequence order.
// Poll cycles for one client never overlap; the next cycle is scheduled only
// after the previous one settles.
type Client struct {
	fetcher  Fetcher
	verifier *verify.Pipeline
	cfg      Config
	logger   *zap.Logger

	mu           sync.Mutex
	polling      bool
	generation   uint64
	timer        *time.Timer
	cursor       int64
	retryCount   int
	messageCount int64
	validCount   int64
	invalidCount int64
	lastErr      error
	handlers     []MessageHandler
	errHandlers  []ErrorHandler
}

// NewClient creates an ingestion client over the given log fetcher.
func NewClient(fetcher Fetcher, verifier *verify.Pipeline, cfg Config, logger *zap.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Client{
		fetcher:  fetcher,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// OnMessage registers a subscriber for every delivered record.
func (c *Client) OnMessage(h MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// OnError registers a subscriber for resource-level polling failures.
func (c *Client) OnError(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHandlers = append(c.errHandlers, h)
}

// StartPolling begins the polling loop from the given sequence number,
// resetting the retry counter. Restarting an already-polling client moves
// the cursor and begins a fresh polling lifetime.
func (c *Client) StartPolling(fromSequence int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.polling = true
	c.cursor = fromSequence
	c.retryCount = 0
	c.lastErr = nil
	gen := c.generation
	c.logger.Info("polling started", zap.Int64("from_sequence", fromSequence))
	c.scheduleLocked(gen, 0)
}

// StopPolling cancels any pending scheduled poll and renders subsequent
// cycles no-ops. An in-flight fetch is allowed to finish; its results are
// discarded.
func (c *Client) StopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.polling {
		c.logger.Info("polling stopped", zap.Int64("cursor", c.cursor))
	}
	c.stopLocked()
}

func (c *Client) stopLocked() {
	c.generation++
	c.polling = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) scheduleLocked(gen uint64, delay time.Duration) {
	c.timer = time.AfterFunc(delay, func() { c.pollOnce(gen) })
}

// Status reports the current polling state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Polling:      c.polling,
		Cursor:       c.cursor,
		RetryCount:   c.retryCount,
		MessageCount: c.messageCount,
		ValidCount:   c.validCount,
		InvalidCount: c.invalidCount,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func (c *Client) pollOnce(gen uint64) {
	c.mu.Lock()
	if !c.polling || gen != c.generation {
		c.mu.Unlock()
		return
	}
	after := c.cursor
	limit := c.cfg.PageSize
	c.mu.Unlock()

	envelopes, err := c.fetcher.FetchAfter(context.Background(), after, limit)

	c.mu.Lock()
	if !c.polling || gen != c.generation {
		// Stopped while the fetch was in flight; discard the results.
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.retryCount++
		c.lastErr = err
		retries := c.retryCount
		if retries > c.cfg.MaxRetries {
			c.stopLocked()
			c.mu.Unlock()
			fatal := fmt.Errorf("polling stopped after %d consecutive failures: %w", retries, err)
			c.logger.Error("retry budget exhausted", zap.Error(fatal))
			c.deliverError(fatal)
			return
		}
		delay := c.backoffDelay(retries)
		c.logger.Warn("log fetch failed, backing off",
			zap.Error(err),
			zap.Int("retry", retries),
			zap.Duration("delay", delay),
		)
		c.scheduleLocked(gen, delay)
		c.mu.Unlock()
		c.deliverError(err)
		return
	}

	c.retryCount = 0
	c.lastErr = nil
	c.mu.Unlock()

	for _, env := range envelopes {
		msg := c.process(env)

		c.mu.Lock()
		if !c.polling || gen != c.generation {
			c.mu.Unlock()
			return
		}
		if env.SequenceNumber > c.cursor {
			c.cursor = env.SequenceNumber
		}
		c.messageCount++
		if msg.Result.Valid {
			c.validCount++
		} else {
			c.invalidCount++
		}
		handlers := append([]MessageHandler(nil), c.handlers...)
		c.mu.Unlock()

		for _, h := range handlers {
			deliver(h, msg, c.logger)
		}
	}

	c.mu.Lock()
	if c.polling && gen == c.generation {
		c.scheduleLocked(gen, c.cfg.PollInterval)
	}
	c.mu.Unlock()
}

func (c *Client) process(env model.LogEnvelope) Message {
	msg := Message{Envelope: env}
	event, err := model.DecodeEvent(env.Payload)
	if err != nil {
		msg.Result = verify.Result{Errors: []string{err.Error()}}
		return msg
	}
	msg.Event = event
	msg.Result = c.verifier.Verify(event)
	return msg
}

func (c *Client) backoffDelay(retries int) time.Duration {
	delay := c.cfg.PollInterval
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return delay
}

func (c *Client) deliverError(err error) {
	c.mu.Lock()
	handlers := append([]ErrorHandler(nil), c.errHandlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("error subscriber panicked", zap.Any("panic", r))
				}
			}()
			h(err)
		}()
	}
}

// deliver invokes one subscriber, isolating panics so one failing callback
// cannot block delivery to the others.
func deliver(h MessageHandler, msg Message, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message subscriber panicked",
				zap.Any("panic", r),
				zap.Int64("sequence", msg.Envelope.SequenceNumber),
			)
		}
	}()
	h(msg)
}
