package bulkwriter

import (
	"context"
	"fmt"
	"time"

	"github.com/kraklabs/docengine/internal/backoff"
	"github.com/kraklabs/docengine/internal/logger"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
)

const dispatchPollInterval = 200 * time.Millisecond

// run is the engine's single scheduler goroutine: it reacts to submit,
// timer, and rpc-response events (the latter two arrive as nudges from
// dispatch goroutines) and emits dispatch as its one output event.
func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		e.mu.Lock()
		ready := e.scanLocked()
		e.mu.Unlock()

		for _, b := range ready {
			go e.dispatch(b)
		}

		select {
		case <-e.wake:
		case <-time.After(dispatchPollInterval):
		case <-e.stopCh:
			return
		}
	}
}

// scanLocked implements spec §4.6.3's dispatch policy: scan head to tail,
// claim each ReadyToSend batch for which no earlier Sent (or concurrently
// claimed) batch references any of its document paths. Must be called with
// e.mu held.
func (e *Engine) scanLocked() []*batch {
	var ready []*batch
	blockedPaths := make(map[string]bool)
	for _, b := range e.queue {
		if b.state == batchSent || b.claimed {
			for p := range b.paths {
				blockedPaths[p] = true
			}
			continue
		}
		if b.state != batchReadyToSend {
			continue
		}
		blocked := false
		for p := range b.paths {
			if blockedPaths[p] {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		b.claimed = true
		ready = append(ready, b)
		for p := range b.paths {
			blockedPaths[p] = true
		}
	}
	return ready
}

// dispatch drives one batch through spec §4.6.3 steps 1-6.
func (e *Engine) dispatch(b *batch) {
	ctx := context.Background()

	_ = e.limiter.Wait(ctx, b.size())

	var floor time.Time
	for _, o := range b.ops {
		if o.retryDeadline.After(floor) {
			floor = o.retryDeadline
		}
	}
	if d := time.Until(floor); d > 0 {
		time.Sleep(d)
		_ = e.limiter.Wait(ctx, b.size())
	}

	e.mu.Lock()
	b.state = batchSent
	e.mu.Unlock()

	req := e.buildRequest(b)
	resp, err := e.sender.Unary(ctx, rpcerr.MethodBatchWrite, req, rpc.RequestTag(b.ops[0].path), true)
	if err != nil {
		e.resolveRPCFailure(b, err)
		e.completeBatch(b)
		return
	}

	bwResp, ok := resp.(*rpc.BatchWriteResponse)
	if !ok || len(bwResp.Status) != len(b.ops) || len(bwResp.WriteResults) != len(b.ops) {
		e.resolveRPCFailure(b, fmt.Errorf("bulkwriter: malformed batch-write response"))
		e.completeBatch(b)
		return
	}

	for i, o := range b.ops {
		st := bwResp.Status[i]
		if st.Code == rpcerr.OK {
			var wt time.Time
			if ut := bwResp.WriteResults[i].UpdateTime; ut != nil && ut.Valid {
				wt = fromTimestamp(*ut)
			}
			e.resolveSuccess(o, wt)
			continue
		}
		e.handleOpFailure(o, st.Code)
	}

	e.completeBatch(b)
}

func (e *Engine) buildRequest(b *batch) *rpc.BatchWriteRequest {
	writes := make([]rpc.WriteEntry, 0, b.size())
	for _, o := range b.ops {
		writes = append(writes, rpc.WriteEntry{
			DocumentPath: o.path,
			Kind:         o.kind,
			Fields:       o.fields,
			FieldPaths:   o.fieldPaths,
			Precondition: o.precondition,
		})
	}
	return &rpc.BatchWriteRequest{Database: e.cfg.Database, Writes: writes}
}

func (e *Engine) resolveSuccess(o *op, writeTime time.Time) {
	e.mu.Lock()
	handler := e.onResult
	e.mu.Unlock()
	if handler != nil {
		if err := handler(o.path, o.kind, writeTime); err != nil {
			o.handle.resolve(WriteResult{}, err)
			return
		}
	}
	o.handle.resolve(WriteResult{WriteTime: writeTime}, nil)
}

func (e *Engine) resolveRPCFailure(b *batch, err error) {
	for _, o := range b.ops {
		o.handle.resolve(WriteResult{}, err)
	}
}

func (e *Engine) rejectOp(o *op, err error) {
	e.mu.Lock()
	hasHandler := e.onError != nil
	e.mu.Unlock()
	if !hasHandler {
		logger.Error("bulkwriter: unhandled rejection for %s %s: %v", writeKindName(o.kind), o.path, err)
	}
	o.handle.resolve(WriteResult{}, err)
}

// handleOpFailure implements spec §4.6.3 step 5's per-operation branch.
func (e *Engine) handleOpFailure(o *op, code rpcerr.Code) {
	cls := e.classifier.Classify(code, rpcerr.MethodBatchWrite)
	oe := &OpError{Kind: o.kind, DocumentPath: o.path, FailedAttempts: o.attempt + 1, Code: code}

	if !rpcerr.IsRetryable(cls) {
		e.rejectOp(o, oe)
		return
	}

	e.mu.Lock()
	handler := e.onError
	e.mu.Unlock()

	retry := true
	var hookErr error
	if handler != nil {
		retry, hookErr = handler(oe)
	}
	if hookErr != nil {
		e.rejectOp(o, hookErr)
		return
	}
	if !retry || o.attempt+1 >= e.cfg.MaxRetryAttempts {
		e.rejectOp(o, oe)
		return
	}

	o.attempt++
	if o.backoffInst == nil {
		o.backoffInst = backoff.New(e.cfg.Backoff)
		_, _ = o.backoffInst.Wait() // consume the always-zero first call so the
		// first real retry starts at the initial delay, per spec §4.6.4.
	}
	if cls == rpcerr.RateLimited {
		o.backoffInst.ResetToMax()
	}
	delay, err := o.backoffInst.Wait()
	if err != nil {
		e.rejectOp(o, oe)
		return
	}
	o.retryDeadline = time.Now().Add(delay)

	e.mu.Lock()
	e.enqueueRetry(o)
	e.mu.Unlock()
	e.nudge()
}

// completeBatch removes a fully-processed batch from the queue, drains the
// pending buffer now that capacity may be free, and wakes the scheduler so
// blocked later batches for the same paths can be considered.
func (e *Engine) completeBatch(b *batch) {
	e.mu.Lock()
	for i, qb := range e.queue {
		if qb == b {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	b.state = batchCompleted
	close(b.done)
	// Every per-op response of b has been handled, so any retries it produced
	// are queued; close off the open retry batch so it can be dispatched.
	for _, qb := range e.queue {
		if qb.isRetry && qb.state == batchOpen {
			qb.state = batchReadyToSend
		}
	}
	e.drainPendingLocked()
	e.mu.Unlock()
	e.nudge()
}

func (e *Engine) drainPendingLocked() {
	for len(e.pending) > 0 && e.totalPendingOpsLocked() < e.cfg.MaxPendingOps {
		o := e.pending[0]
		e.pending = e.pending[1:]
		e.enqueueFresh(o)
	}
}

func fromTimestamp(ts rpc.Timestamp) time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}
