package database

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FlushObserver is told about every snapshot write attempt.
type FlushObserver interface {
	ObserveFlush(c Collection, elapsed time.Duration, err error)
}

// Gateway persists snapshots on behalf of the in-memory stores.
//
// Each collection has exactly one writer goroutine. Save never blocks on I/O:
// it marshals the value, parks the payload in the collection's pending slot
// and wakes the writer. Only the newest version is kept, so a slow write can
// be overtaken but never overwrite newer state. A failed write stays pending
// and is retried with exponential backoff, or sooner if another Save, Sync or
// Close arrives.
type Gateway struct {
	backend  Backend
	logger   *zap.Logger
	observer FlushObserver
	timeout  time.Duration
	retryMin time.Duration
	retryMax time.Duration

	writers  map[Collection]*writer
	shutdown chan struct{}
	closeMu  sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

type pendingSnapshot struct {
	version uint64
	payload []byte
}

type writer struct {
	collection Collection

	mu       sync.Mutex
	pending  *pendingSnapshot
	accepted uint64 // highest version handed to Save
	written  uint64 // highest version the backend acknowledged

	wake    chan struct{}
	syncReq chan chan struct{}

	// Owned by the writer goroutine.
	retry   *time.Timer
	backoff time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger used for write failures.
func WithGatewayLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithFlushObserver registers an observer for write attempts.
func WithFlushObserver(o FlushObserver) GatewayOption {
	return func(g *Gateway) {
		g.observer = o
	}
}

// WithWriteTimeout bounds a single backend write. Zero means no bound.
func WithWriteTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.timeout = d
	}
}

// WithRetryBackoff sets the delay before the first automatic retry of a
// failed write and the cap it doubles up to. A zero initial delay disables
// automatic retries.
func WithRetryBackoff(initial, limit time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.retryMin = initial
		g.retryMax = limit
	}
}

// NewGateway starts one writer per collection on top of backend.
func NewGateway(backend Backend, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		backend:  backend,
		logger:   zap.NewNop(),
		timeout:  30 * time.Second,
		retryMin: time.Second,
		retryMax: time.Minute,
		writers:  make(map[Collection]*writer, len(Collections)),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gateway")

	for _, c := range Collections {
		w := &writer{
			collection: c,
			wake:       make(chan struct{}, 1),
			syncReq:    make(chan chan struct{}),
		}
		g.writers[c] = w
		g.wg.Add(1)
		go g.writeLoop(w)
	}

	return g
}

// Load reads the stored payload for c straight from the backend.
func (g *Gateway) Load(ctx context.Context, c Collection) ([]byte, error) {
	return g.backend.Load(ctx, c)
}

// Save queues value as version of collection c. Versions that are not newer
// than one already queued are dropped. Marshal and write failures are logged.
func (g *Gateway) Save(c Collection, version uint64, value any) {
	w, ok := g.writers[c]
	if !ok {
		g.logger.Error("save for unknown collection", zap.String("collection", string(c)))
		return
	}

	w.mu.Lock()
	if version <= w.accepted {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	payload, err := json.Marshal(value)
	if err != nil {
		err = fmt.Errorf("%w: marshal %s: %v", ErrPersistence, c, err)
		g.logger.Error("snapshot encode failed", zap.String("collection", string(c)), zap.Error(err))
		g.observe(c, 0, err)
		return
	}

	w.mu.Lock()
	// Re-check: a concurrent Save may have queued a newer version meanwhile.
	if version <= w.accepted {
		w.mu.Unlock()
		return
	}
	w.accepted = version
	w.pending = &pendingSnapshot{version: version, payload: payload}
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Sync blocks until every snapshot queued before the call has been written
// (or has failed), or ctx is done.
func (g *Gateway) Sync(ctx context.Context) error {
	for _, c := range Collections {
		w := g.writers[c]
		done := make(chan struct{})
		select {
		case w.syncReq <- done:
		case <-g.shutdown:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Written returns the highest version of c the backend has acknowledged.
func (g *Gateway) Written(c Collection) uint64 {
	w, ok := g.writers[c]
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close writes whatever is still pending, stops the writers and closes the backend.
func (g *Gateway) Close() error {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return nil
	}
	g.closed = true
	g.closeMu.Unlock()

	close(g.shutdown)
	g.wg.Wait()
	return g.backend.Close()
}

// writeLoop is the single writer for one collection.
func (g *Gateway) writeLoop(w *writer) {
	defer g.wg.Done()

	for {
		select {
		case <-w.wake:
			g.write(w)
		case done := <-w.syncReq:
			g.write(w)
			close(done)
		case <-g.shutdown:
			if w.retry != nil {
				w.retry.Stop()
			}
			// Final snapshot on shutdown
			g.writePending(w)
			return
		}
	}
}

// write flushes the pending snapshot and schedules a retry if that failed.
func (g *Gateway) write(w *writer) {
	if g.writePending(w) {
		w.backoff = 0
		return
	}
	if g.retryMin <= 0 {
		return
	}

	switch {
	case w.backoff == 0:
		w.backoff = g.retryMin
	case w.backoff < g.retryMax:
		w.backoff = min(2*w.backoff, g.retryMax)
	}
	if w.retry == nil {
		w.retry = time.AfterFunc(w.backoff, func() {
			select {
			case w.wake <- struct{}{}:
			default:
			}
		})
		return
	}
	w.retry.Reset(w.backoff)
}

// writePending writes the pending snapshot, if any. It reports false only
// when a write was attempted and failed.
func (g *Gateway) writePending(w *writer) bool {
	w.mu.Lock()
	snap := w.pending
	w.pending = nil
	w.mu.Unlock()

	if snap == nil {
		return true
	}

	ctx := context.Background()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	err := g.backend.Save(ctx, w.collection, snap.version, snap.payload)
	elapsed := time.Since(start)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrPersistence, err)
		g.logger.Error("snapshot write failed",
			zap.String("collection", string(w.collection)),
			zap.Uint64("version", snap.version),
			zap.Error(err))
		g.observe(w.collection, elapsed, err)

		// Keep the payload for the next attempt unless something newer arrived.
		w.mu.Lock()
		if w.pending == nil {
			w.pending = snap
		}
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	if snap.version > w.written {
		w.written = snap.version
	}
	w.mu.Unlock()

	g.logger.Debug("snapshot written",
		zap.String("collection", string(w.collection)),
		zap.Uint64("version", snap.version),
		zap.Int("bytes", len(snap.payload)),
		zap.Duration("elapsed", elapsed))
	g.observe(w.collection, elapsed, nil)
	return true
}

func (g *Gateway) observe(c Collection, elapsed time.Duration, err error) {
	if g.observer != nil {
		g.observer.ObserveFlush(c, elapsed, err)
	}
}
