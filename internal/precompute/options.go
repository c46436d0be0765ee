package precompute

import (
	"fmt"
	"time"
)

// Options tune a single run. Zero fields fall back to DefaultOptions.
type Options struct {
	// BatchSize is the number of routes a worker buffers before one Upsert.
	BatchSize int
	// Workers bounds concurrent chunk processing and so store connections.
	Workers int
	// ChunkSize is the number of pairs handed to a worker at once.
	ChunkSize int
	// Clear wipes stored routes, cached routes and the failure list first.
	Clear bool

	MaxAttempts int
	RetryDelay  time.Duration
	// CacheTTL applies to routes cached after a flush. 0 keeps them until
	// invalidated.
	CacheTTL time.Duration
	// ProgressInterval throttles progress reports.
	ProgressInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:        500,
		Workers:          4,
		ChunkSize:        200,
		MaxAttempts:      3,
		RetryDelay:       500 * time.Millisecond,
		ProgressInterval: time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize == 0 {
		o.BatchSize = d.BatchSize
	}
	if o.Workers == 0 {
		o.Workers = d.Workers
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = d.ChunkSize
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ProgressInterval == 0 {
		o.ProgressInterval = d.ProgressInterval
	}
	return o
}

func (o Options) validate() error {
	switch {
	case o.BatchSize < 1 || o.BatchSize > 5000:
		return fmt.Errorf("batch size %d out of range 1..5000", o.BatchSize)
	case o.Workers < 1:
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	case o.ChunkSize < 1:
		return fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize)
	case o.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be positive, got %d", o.MaxAttempts)
	case o.RetryDelay < 0:
		return fmt.Errorf("retry delay must not be negative")
	}
	return nil
}
