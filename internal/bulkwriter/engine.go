// Package bulkwriter implements spec.md §4.6, the bulk-write engine: it
// groups single-document mutations into bounded batches, enforces per-
// document serialization, schedules dispatch through a ramping rate
// limiter, and retries individual failed operations with per-operation
// exponential backoff. Modeled as the "event-driven batch scheduler" from
// spec §9's Design Notes: a single goroutine owns the queue and reacts to
// submit/timer/rpc-response events, emitting dispatch as its one output
// event, so the ordering invariants in spec §8 stay checkable.
package bulkwriter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/docengine/internal/backoff"
	"github.com/kraklabs/docengine/internal/docpath"
	"github.com/kraklabs/docengine/internal/logger"
	"github.com/kraklabs/docengine/internal/ratelimit"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/value"
)

// Config configures an Engine. Zero values fall back to spec defaults.
type Config struct {
	Database string

	MaxBatchSize     int // default 20, hard limit 500
	RetryBatchSize   int // default 10
	MaxPendingOps    int // default 500
	MaxRetryAttempts int // default 10

	Backoff backoff.Config

	ThrottlingEnabled    bool
	InitialOpsPerSecond  float64
	MaxOpsPerSecond      float64
}

func (c Config) withDefaults() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 20
	}
	if c.MaxBatchSize > 500 {
		c.MaxBatchSize = 500
	}
	if c.RetryBatchSize <= 0 {
		c.RetryBatchSize = 10
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = 500
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 10
	}
	return c
}

// ResultHandler is spec §4.6.1's on-result hook; returning a non-nil error
// causes the handle to reject with that error instead of resolving.
type ResultHandler func(path string, kind rpc.WriteKind, writeTime time.Time) error

// ErrorHandler is spec §4.6.1's on-error hook. Returning (true, nil) with
// attempts remaining schedules a retry; returning (false, nil) or a non-nil
// err rejects the operation.
type ErrorHandler func(e *OpError) (retry bool, err error)

// Engine is the bulk-write engine (spec §4.6).
type Engine struct {
	sender     rpc.Sender
	cfg        Config
	classifier *rpcerr.Classifier
	limiter    *ratelimit.Limiter

	mu      sync.Mutex
	queue   []*batch
	pending []*op
	closed  bool

	seq atomic.Uint64

	onResult ResultHandler
	onError  ErrorHandler

	wake     chan struct{}
	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}
}

// New creates an Engine bound to sender and starts its scheduler goroutine.
func New(sender rpc.Sender, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	var limiter *ratelimit.Limiter
	if cfg.ThrottlingEnabled {
		limiter = ratelimit.New(cfg.InitialOpsPerSecond, cfg.MaxOpsPerSecond)
	} else {
		limiter = ratelimit.Disabled()
	}
	e := &Engine{
		sender:     sender,
		cfg:        cfg,
		classifier: rpcerr.New(),
		limiter:    limiter,
		wake:       make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	go e.run()
	return e
}

// OnResult registers the success hook.
func (e *Engine) OnResult(h ResultHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResult = h
}

// OnError registers the error hook.
func (e *Engine) OnError(h ErrorHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = h
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Create submits a create() write (spec §4.6.1).
func (e *Engine) Create(path string, fields *value.Value) (*ResultHandle, error) {
	return e.submit(rpc.WriteCreate, path, fields, nil, nil)
}

// Set submits a set() write.
func (e *Engine) Set(path string, fields *value.Value) (*ResultHandle, error) {
	return e.submit(rpc.WriteSet, path, fields, nil, nil)
}

// Update submits an update() field-path write.
func (e *Engine) Update(path string, fieldPaths []string, fields *value.Value, pre *rpc.Precondition) (*ResultHandle, error) {
	return e.submit(rpc.WriteUpdate, path, fields, fieldPaths, pre)
}

// Delete submits a delete() write.
func (e *Engine) Delete(path string, pre *rpc.Precondition) (*ResultHandle, error) {
	return e.submit(rpc.WriteDelete, path, nil, nil, pre)
}

func (e *Engine) submit(kind rpc.WriteKind, path string, fields *value.Value, fieldPaths []string, pre *rpc.Precondition) (*ResultHandle, error) {
	if err := docpath.ValidateDocument(path); err != nil {
		return nil, err
	}
	if fields != nil {
		if err := value.Validate(fields); err != nil {
			return nil, err
		}
	}

	o := &op{
		kind:         kind,
		path:         path,
		fields:       fields,
		fieldPaths:   fieldPaths,
		precondition: pre,
		handle:       newResultHandle(),
		seq:          e.seq.Add(1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.enqueueFresh(o)
	e.mu.Unlock()
	e.nudge()
	return o.handle, nil
}

// enqueueFresh implements spec §4.6.2's batching policy for newly submitted
// operations. Must be called with e.mu held.
func (e *Engine) enqueueFresh(o *op) {
	var tail *batch
	if n := len(e.queue); n > 0 {
		tail = e.queue[n-1]
	}

	if tail != nil && tail.state == batchOpen && !tail.isRetry && !tail.paths[o.path] && tail.size() < e.cfg.MaxBatchSize {
		tail.add(o)
	} else {
		if tail != nil && tail.paths[o.path] {
			logger.Warn("bulkwriter: document %s already queued in the open batch; submitting writes to the same document back-to-back limits batching throughput", o.path)
		}
		if tail != nil && tail.state == batchOpen {
			tail.state = batchReadyToSend
		}
		nb := newBatch(false)
		nb.add(o)
		nb.state = batchOpen
		e.queue = append(e.queue, nb)
		tail = nb
	}

	if tail.size() >= e.cfg.MaxBatchSize {
		tail.state = batchReadyToSend
	}

	if e.totalPendingOpsLocked() > e.cfg.MaxPendingOps {
		e.removeOpLocked(tail, o)
		e.pending = append(e.pending, o)
	}
}

func (e *Engine) removeOpLocked(b *batch, o *op) {
	for i, existing := range b.ops {
		if existing == o {
			b.ops = append(b.ops[:i], b.ops[i+1:]...)
			break
		}
	}
	if len(b.ops) == 0 {
		delete(b.paths, o.path)
	}
}

func (e *Engine) totalPendingOpsLocked() int {
	total := len(e.pending)
	for _, b := range e.queue {
		if b.state != batchCompleted {
			total += b.size()
		}
	}
	return total
}

// enqueueRetry places a failed operation into the dedicated retry batches
// from spec §4.6.4 (smaller max size, kept distinct from fresh batches).
// Must be called with e.mu held.
func (e *Engine) enqueueRetry(o *op) {
	var tail *batch
	if n := len(e.queue); n > 0 && e.queue[n-1].isRetry {
		tail = e.queue[n-1]
	}
	if tail != nil && tail.state == batchOpen && !tail.paths[o.path] && tail.size() < e.cfg.RetryBatchSize {
		tail.add(o)
	} else {
		if tail != nil && tail.state == batchOpen {
			tail.state = batchReadyToSend
		}
		nb := newBatch(true)
		nb.add(o)
		nb.state = batchOpen
		e.queue = append(e.queue, nb)
		tail = nb
	}
	if tail.size() >= e.cfg.RetryBatchSize {
		tail.state = batchReadyToSend
	}
}

// Flush completes when every operation submitted before this call has
// either resolved or exhausted retries (spec §4.6.1). It does not quiesce
// operations submitted after the call returns.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	// The tail batch(es) may still be Open; close them off so dispatch can
	// proceed without waiting for more submissions.
	for _, b := range e.queue {
		if b.state == batchOpen {
			b.state = batchReadyToSend
		}
	}
	handles := make([]*ResultHandle, 0, e.totalPendingOpsLocked())
	for _, b := range e.queue {
		for _, o := range b.ops {
			handles = append(handles, o.handle)
		}
	}
	for _, o := range e.pending {
		handles = append(handles, o.handle)
	}
	e.mu.Unlock()
	e.nudge()

	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// Close flushes, then refuses subsequent submissions.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Flush(ctx)
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.loopDone
	return err
}
