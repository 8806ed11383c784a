// Package batching bounds the concurrency of bulk file-removal work done
// during cache clear operations: many independent removal
// closures run under a concurrency cap with aggregated error reporting.
package batching

import (
	"sync"

	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// Stats counts the work a Processor has performed.
type Stats struct {
	TotalOperations uint64
	ErrorCount      uint64
	BatchCount      uint64
}

// Processor runs closures with bounded concurrency, capping in-flight
// filesystem operations during bulk eviction and clear work.
type Processor struct {
	maxConcurrency int

	mu    sync.Mutex
	stats Stats
}

// New constructs a Processor that runs at most maxConcurrency closures at
// once. A non-positive value selects 16.
func New(maxConcurrency int) *Processor {
	if maxConcurrency <= 0 {
		maxConcurrency = 16
	}
	return &Processor{maxConcurrency: maxConcurrency}
}

// Run executes fn(key) for every key in keys, bounded by maxConcurrency,
// and returns a single aggregated error naming how many operations failed,
// or nil if all succeeded.
func (p *Processor) Run(keys []string, fn func(key string) error) error {
	if len(keys) == 0 {
		return nil
	}

	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures int

	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(k string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(k); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()

	p.mu.Lock()
	p.stats.TotalOperations += uint64(len(keys))
	p.stats.ErrorCount += uint64(failures)
	p.stats.BatchCount++
	p.mu.Unlock()

	if failures > 0 {
		return cueerrors.New(cueerrors.CodeIO, "some batched operations failed").
			WithComponent("batching").WithOperation("run").
			WithDetail("failures", failures).WithDetail("total", len(keys))
	}
	return nil
}

// Stats returns a snapshot of this Processor's counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
