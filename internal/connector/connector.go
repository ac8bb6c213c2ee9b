// Package connector implements the shared per-integration adapter contract
// of spec §4.2: rate limiting, retry with jittered exponential backoff,
// pagination, file-entity materialization, cursor emission, and an opt-in
// bounded-concurrency worker pool over natural partitions.
//
// Retry/backoff is grounded on github.com/cenkalti/backoff/v4, already a
// teacher dependency (agentoven-agentoven/control-plane go.mod, indirect).
// The bounded worker pool follows the producer/queue/workers shape of the
// teacher's internal/process.Manager (a mutex-guarded map driving bounded
// concurrent work), adapted here to entities instead of OS processes.
package connector

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/airweave-sub003/ingestion-core/internal/airerr"
	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// Source is the contract every connector implementation satisfies (§4.2).
type Source interface {
	Validate(ctx context.Context) (bool, error)
	// Stream is single-use: it returns a channel the framework drains
	// exactly once. Re-invoking Stream on the same Source is undefined.
	Stream(ctx context.Context, cursor models.Cursor) (<-chan StreamItem, error)
	DefaultCursorField() string
	ValidateCursorField(spec string) error
}

// StreamItem is either a produced Entity or a non-retriable per-entity
// failure, allowing the framework to count entities_failed without killing
// the stream (§4.2 Failure semantics).
type StreamItem struct {
	Entity models.Entity
	Err    error
}

// BatchGenerationConfig opts a connector into the bounded-concurrency worker
// pool over a natural partition (§4.2 Concurrency).
type BatchGenerationConfig struct {
	Enabled       bool
	BatchSize     int
	MaxQueueSize  int
	PreserveOrder bool
	StopOnError   bool
}

// Descriptor replaces the source's decorator-attached connector metadata
// with an explicit static value (§9 Design Notes).
type Descriptor struct {
	Name          string
	ShortName     string
	AuthMethods   []models.AuthVariant
	ConfigSchema  map[string]interface{}
	Labels        []string
	BatchGen      BatchGenerationConfig
}

// ── Registry ─────────────────────────────────────────────────

// ConstructorFunc builds a Source from credentials and config.
type ConstructorFunc func(credentials map[string]string, config map[string]interface{}) (Source, error)

type registryEntry struct {
	descriptor  Descriptor
	constructor ConstructorFunc
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func (r *Registry) Register(d Descriptor, ctor ConstructorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.ShortName] = registryEntry{descriptor: d, constructor: ctor}
}

func (r *Registry) Construct(shortName string, credentials map[string]string, config map[string]interface{}) (Source, Descriptor, error) {
	r.mu.RLock()
	entry, ok := r.entries[shortName]
	r.mu.RUnlock()
	if !ok {
		return nil, Descriptor{}, airerr.New(airerr.ValidationFailure, "unknown source: "+shortName)
	}
	src, err := entry.constructor(credentials, config)
	return src, entry.descriptor, err
}

func (r *Registry) Descriptor(shortName string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[shortName]
	return e.descriptor, ok
}

// ── Retry / rate limiting ────────────────────────────────────

// RetryPolicy wraps a request function with the retry/rate-limit rules of
// §4.2/§7: transient failures get jittered exponential backoff capped at
// maxAttempts; RateLimited errors honor RetryAfter (defaulting to
// defaultRateLimit) and are retried up to maxAttempts; everything else is
// returned immediately.
type RetryPolicy struct {
	MaxAttempts      int
	DefaultRateLimit time.Duration
	Logger           zerolog.Logger
}

func NewRetryPolicy(maxAttempts int, defaultRateLimit time.Duration, logger zerolog.Logger) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryPolicy{MaxAttempts: maxAttempts, DefaultRateLimit: defaultRateLimit, Logger: logger}
}

// Do runs fn with retry. fn should classify its own errors with airerr so
// the policy can tell Transient/RateLimited apart from a hard failure.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var attempt int
	var lastErr error

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.RandomizationFactor = 0.3

	for attempt < p.MaxAttempts {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		kind, ok := airerr.KindOf(err)
		if !ok {
			return err
		}

		switch kind {
		case airerr.RateLimited:
			wait := p.DefaultRateLimit
			var ae *airerr.Error
			if As(err, &ae) && ae.RetryAfter > 0 {
				wait = ae.RetryAfter
			}
			p.Logger.Debug().Int("attempt", attempt).Dur("wait", wait).Msg("rate limited, backing off")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
		case airerr.Transient:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return lastErr
			}
			p.Logger.Debug().Int("attempt", attempt).Dur("wait", wait).Msg("transient error, backing off")
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
		default:
			// 4xx other than 401/429, or anything else non-retriable.
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) bool {
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// As is a small local alias to avoid importing errors in call sites that
// only need this one assertion.
func As(err error, target **airerr.Error) bool {
	for err != nil {
		if e, ok := err.(*airerr.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ClassifyHTTPStatus turns an HTTP status code into the taxonomy kind a
// connector's request function should wrap its error in.
func ClassifyHTTPStatus(status int, retryAfter time.Duration) error {
	switch {
	case status == http.StatusUnauthorized:
		return airerr.New(airerr.AuthFailure, "unauthorized")
	case status == http.StatusTooManyRequests:
		return airerr.RateLimitedAfter("rate limited", retryAfter)
	case status == http.StatusNotFound || status == http.StatusGone:
		return airerr.New(airerr.NotFoundOrGone, "resource not found or gone")
	case status >= 500:
		return airerr.New(airerr.Transient, "server error")
	case status >= 400:
		return airerr.New(airerr.ValidationFailure, "client error")
	default:
		return nil
	}
}

// ── Bounded worker pool (batch_generation) ──────────────────

// Partition is one natural unit of concurrent work (a calendar, a
// repository). WorkerPool drains partitions with bounded concurrency,
// preserving order within a partition.
type Partition struct {
	Key   string
	Items <-chan StreamItem
}

// WorkerPool fans Partitions out to BatchSize concurrent workers, each
// draining one partition's Items channel to completion before taking the
// next, and merges results onto a single bounded output channel whose depth
// is MaxQueueSize.
type WorkerPool struct {
	cfg BatchGenerationConfig
}

func NewWorkerPool(cfg BatchGenerationConfig) *WorkerPool {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 256
	}
	return &WorkerPool{cfg: cfg}
}

// Run merges partitions into a single output channel. If PreserveOrder is
// set, partitions are drained strictly in the order supplied and their
// items appended to the output in that order; otherwise partitions are
// drained concurrently with no cross-partition ordering guarantee, matching
// §4.2's "within a partition, ordering is preserved; across partitions,
// ordering is not guaranteed unless preserve_order=true".
func (p *WorkerPool) Run(ctx context.Context, partitions []Partition) <-chan StreamItem {
	out := make(chan StreamItem, p.cfg.MaxQueueSize)

	go func() {
		defer close(out)

		if p.cfg.PreserveOrder {
			for _, part := range partitions {
				if !drainInto(ctx, part.Items, out) {
					return
				}
			}
			return
		}

		sem := make(chan struct{}, p.cfg.BatchSize)
		var wg sync.WaitGroup
		for _, part := range partitions {
			part := part
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				drainInto(ctx, part.Items, out)
			}()
		}
		wg.Wait()
	}()

	return out
}

func drainInto(ctx context.Context, in <-chan StreamItem, out chan<- StreamItem) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case item, ok := <-in:
			if !ok {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case out <- item:
			}
		}
	}
}
