// Package persistence is the optional persistent key-value store
// abstraction behind the Ledger, Audit Log, Circuit Breaker, and User
// Budget Manager. Per spec §5, writes are debounced (~1s) and coalesced
// and persistence failures are surfaced via storage:error without ever
// blocking the hot path.
//
// Grounded in Sergey-Bar-Alfred's redisclient (go-redis) for the
// service-topology backend, and eugener-gandalf's modernc.org/sqlite +
// pressly/goose stack for an embeddable alternative — one Store
// interface, two real implementations, so TokenShield runs both as a
// sidecar-style service and as a single static binary.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Store is the persistent key-value abstraction. Keys are the stable
// string ids from §6 (`ledger:entries`, `audit:entries`,
// `breaker:state`, `userBudget:<userId>`, `cache:<fingerprint>`);
// values are JSON with a leading schemaVersion.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ErrorHook is called whenever a debounced write ultimately fails after
// retrying; the engine wires this to emit `storage:error`.
type ErrorHook func(op, key string, err error)

// DebouncedStore coalesces writes to the same key within Interval into
// a single flush, retrying transient failures with bounded backoff
// before giving up and reporting via OnError. Reads pass straight
// through to the inner store.
type DebouncedStore struct {
	inner    Store
	interval time.Duration
	logger   zerolog.Logger
	onError  ErrorHook

	mu      sync.Mutex
	pending map[string][]byte
	timers  map[string]*time.Timer
}

// NewDebounced wraps inner with ~interval write coalescing.
func NewDebounced(inner Store, interval time.Duration, logger zerolog.Logger, onError ErrorHook) *DebouncedStore {
	if interval <= 0 {
		interval = time.Second
	}
	return &DebouncedStore{
		inner:    inner,
		interval: interval,
		logger:   logger,
		onError:  onError,
		pending:  make(map[string][]byte),
		timers:   make(map[string]*time.Timer),
	}
}

// Set schedules value to be written for key after the debounce
// interval, replacing any value already pending for that key. It never
// blocks on the actual write.
func (d *DebouncedStore) Set(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[key] = value
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.interval, func() { d.flush(key) })
	return nil
}

func (d *DebouncedStore) flush(key string) {
	d.mu.Lock()
	value, ok := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()
	if !ok {
		return
	}

	op := func() error {
		return d.inner.Set(context.Background(), key, value)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 20 * time.Millisecond
	bo := backoff.WithMaxRetries(eb, 3)
	if err := backoff.Retry(op, bo); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("debounced persistence write failed")
		if d.onError != nil {
			d.onError("set", key, err)
		}
	}
}

// Get reads key straight from the inner store. A pending (not yet
// flushed) write is preferred so a Get immediately following a Set
// observes it.
func (d *DebouncedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	if v, ok := d.pending[key]; ok {
		d.mu.Unlock()
		return v, true, nil
	}
	d.mu.Unlock()
	return d.inner.Get(ctx, key)
}

func (d *DebouncedStore) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.pending, key)
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
	return d.inner.Delete(ctx, key)
}

func (d *DebouncedStore) Close() error {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.mu.Unlock()
	return d.inner.Close()
}
