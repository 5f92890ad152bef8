package persist

import (
	"time"

	"easel/cmd/internal/snapshot"
)

// Config tunes retry and read behavior. Zero values take the defaults.
type Config struct {
	// CanvasMaxRetries bounds retries of one canvas write before it is dropped.
	CanvasMaxRetries uint64
	// RetryBase is the first backoff step; it doubles per attempt.
	RetryBase time.Duration
	// RetryCap caps a single backoff step.
	RetryCap time.Duration
	// OpTimeout bounds one store call.
	OpTimeout time.Duration
	// HistoryPageSize is the number of chat lines Load reads per store call.
	// Load always returns the whole log.
	HistoryPageSize int
	// LoadRetries bounds retries of the catch-up read.
	LoadRetries uint64
}

const (
	defaultCanvasMaxRetries = 5
	defaultRetryBase        = 100 * time.Millisecond
	defaultRetryCap         = 10 * time.Second
	defaultOpTimeout        = 5 * time.Second
	defaultHistoryPageSize  = 500
	defaultLoadRetries      = 2
)

func (c Config) withDefaults() Config {
	if c.CanvasMaxRetries == 0 {
		c.CanvasMaxRetries = defaultCanvasMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryCap <= 0 {
		c.RetryCap = defaultRetryCap
	}
	if c.RetryCap < c.RetryBase {
		c.RetryCap = c.RetryBase
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.HistoryPageSize <= 0 {
		c.HistoryPageSize = defaultHistoryPageSize
	}
	// A page the store would clamp looks short and ends the walk early.
	if c.HistoryPageSize > snapshot.MaxHistoryLimit {
		c.HistoryPageSize = snapshot.MaxHistoryLimit
	}
	if c.LoadRetries == 0 {
		c.LoadRetries = defaultLoadRetries
	}
	return c
}
