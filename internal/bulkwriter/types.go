package bulkwriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kraklabs/docengine/internal/backoff"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/value"
)

// ErrClosed is returned by Create, Set, Update and Delete once the engine has
// been closed (spec §7.2).
var ErrClosed = errors.New("bulkwriter: engine is closed")

// OpError is the structured per-operation error from spec §4.6.3 step 5 /
// §7.7: kind, document path, failed-attempt count, and the underlying code.
type OpError struct {
	Kind           rpc.WriteKind
	DocumentPath   string
	FailedAttempts int
	Code           rpcerr.Code
	Cause          error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("bulkwriter: %s %s failed after %d attempt(s): code=%d: %v",
		writeKindName(e.Kind), e.DocumentPath, e.FailedAttempts, e.Code, e.Cause)
}

func (e *OpError) Unwrap() error { return e.Cause }

func writeKindName(k rpc.WriteKind) string {
	switch k {
	case rpc.WriteCreate:
		return "create"
	case rpc.WriteSet:
		return "set"
	case rpc.WriteUpdate:
		return "update"
	case rpc.WriteDelete:
		return "delete"
	default:
		return "write"
	}
}

// WriteResult is the success shape a ResultHandle resolves with.
type WriteResult struct {
	WriteTime time.Time
}

// ResultHandle is the per-operation result sink (spec §3's "write operation
// ... result sink").
type ResultHandle struct {
	done   chan struct{}
	once   sync.Once
	result WriteResult
	err    error
}

func newResultHandle() *ResultHandle {
	return &ResultHandle{done: make(chan struct{})}
}

func (h *ResultHandle) resolve(res WriteResult, err error) {
	h.once.Do(func() {
		h.result = res
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the operation resolves, or ctx is done.
func (h *ResultHandle) Wait(ctx context.Context) (WriteResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return WriteResult{}, ctx.Err()
	}
}

// op is spec §3's write operation record.
type op struct {
	kind         rpc.WriteKind
	path         string
	fields       *value.Value
	fieldPaths   []string
	precondition *rpc.Precondition
	seq          uint64

	attempt       int
	backoffInst   *backoff.Backoff
	retryDeadline time.Time

	handle *ResultHandle
}

// batchState is spec §3's monotone batch state.
type batchState int

const (
	batchOpen batchState = iota
	batchReadyToSend
	batchSent
	batchCompleted
)

// batch is spec §3's ordered, bounded, path-deduplicated write sequence.
type batch struct {
	ops       []*op
	paths     map[string]bool
	state     batchState
	isRetry   bool
	claimed   bool
	done      chan struct{}
}

func newBatch(isRetry bool) *batch {
	return &batch{paths: make(map[string]bool), isRetry: isRetry, done: make(chan struct{})}
}

func (b *batch) size() int { return len(b.ops) }

func (b *batch) add(o *op) {
	b.ops = append(b.ops, o)
	b.paths[o.path] = true
}
