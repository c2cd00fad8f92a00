// Package txn implements spec.md §4.5, the transaction runner: a retry loop
// that drives begin -> user-callback (reads, then buffered writes) -> commit
// under a transaction token, with best-effort rollback and bounded retries.
package txn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kraklabs/docengine/internal/backoff"
	"github.com/kraklabs/docengine/internal/docpath"
	"github.com/kraklabs/docengine/internal/logger"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/value"
)

// ErrReadsAfterWrites is returned by a Handle read call once any write has
// been buffered (spec §3's "the read set closes at first write").
var ErrReadsAfterWrites = errors.New("txn: reads are not allowed after writes have been buffered")

// ErrNoResult is returned when the user callback returns without ever
// calling Handle's completion signal.
var ErrNoResult = errors.New("txn: callback did not return a deferred result")

// state is spec §3's monotone transaction state.
type state int

const (
	stateNew state = iota
	stateStarted
	stateReadsDone
	stateCommitted
	stateRolledBack
)

// Config configures a Runner. Zero values fall back to spec defaults.
type Config struct {
	Database   string
	MaxAttempts int // default 5
	Backoff    backoff.Config
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Runner drives transaction attempts against an RPC sender.
type Runner struct {
	sender     rpc.Sender
	cfg        Config
	classifier *rpcerr.Classifier
}

// New creates a Runner bound to sender.
func New(sender rpc.Sender, cfg Config) *Runner {
	return &Runner{sender: sender, cfg: cfg.withDefaults(), classifier: rpcerr.New()}
}

// Callback is the user-supplied transaction body. It must call h.Done before
// returning nil; a non-nil return rolls the transaction back.
type Callback func(ctx context.Context, h *Handle) error

// Run executes fn under a transaction, retrying per spec §4.5 step 4.
func (r *Runner) Run(ctx context.Context, fn Callback) (any, error) {
	var retryToken []byte
	bo := backoff.New(r.cfg.Backoff)

	for attempt := 1; ; attempt++ {
		result, err := r.attempt(ctx, fn, retryToken)
		if err == nil {
			return result, nil
		}

		var ra *retryableAbort
		if !errors.As(err, &ra) {
			return nil, err
		}
		if attempt >= r.cfg.MaxAttempts {
			return nil, fmt.Errorf("txn: exhausted %d attempt(s): %w", attempt, ra.cause)
		}
		if _, werr := bo.Wait(); werr != nil {
			return nil, fmt.Errorf("txn: backoff exhausted: %w", ra.cause)
		}
		retryToken = ra.token
		logger.Warn("txn: attempt %d failed with retryable commit error, retrying", attempt)
	}
}

// retryableAbort signals that the whole attempt should retry with token as
// a retry hint.
type retryableAbort struct {
	token []byte
	cause error
}

func (e *retryableAbort) Error() string { return e.cause.Error() }
func (e *retryableAbort) Unwrap() error { return e.cause }

func (r *Runner) attempt(ctx context.Context, fn Callback, retryHint []byte) (any, error) {
	beginResp, err := r.sender.Unary(ctx, rpcerr.MethodBeginTransaction, &rpc.BeginTransactionRequest{
		Database:          r.cfg.Database,
		RetryTransaction:  retryHint,
	}, rpc.RequestTag(""), true)
	if err != nil {
		return nil, fmt.Errorf("txn: begin failed: %w", err)
	}
	bt, ok := beginResp.(*rpc.BeginTransactionResponse)
	if !ok {
		return nil, fmt.Errorf("txn: begin returned malformed response")
	}

	h := &Handle{
		ctx:    ctx,
		sender: r.sender,
		token:  bt.Transaction,
		state:  stateStarted,
		db:     r.cfg.Database,
	}

	cbErr := fn(ctx, h)
	result := h.result
	if cbErr != nil {
		r.rollback(ctx, h.token, cbErr)
		return nil, cbErr
	}
	if !h.done {
		r.rollback(ctx, h.token, ErrNoResult)
		return nil, ErrNoResult
	}

	commitResp, err := r.sender.Unary(ctx, rpcerr.MethodCommit, &rpc.CommitRequest{
		Database:    r.cfg.Database,
		Transaction: h.token,
		Writes:      h.writes,
	}, rpc.RequestTag(""), true)
	if err != nil {
		return nil, r.classifyCommitFailure(err, h.token)
	}
	cr, ok := commitResp.(*rpc.CommitResponse)
	if !ok {
		return nil, fmt.Errorf("txn: commit returned malformed response")
	}

	h.applyCommitResults(cr)
	h.state = stateCommitted
	return result, nil
}

func (r *Runner) classifyCommitFailure(err error, token []byte) error {
	var ce *rpc.ClassifiedError
	if errors.As(err, &ce) {
		cls := r.classifier.Classify(ce.Code, rpcerr.MethodCommit)
		if rpcerr.IsRetryable(cls) {
			return &retryableAbort{token: token, cause: err}
		}
	}
	return fmt.Errorf("txn: commit failed: %w", err)
}

func (r *Runner) rollback(ctx context.Context, token []byte, causeErr error) {
	_, err := r.sender.Unary(ctx, rpcerr.MethodRollback, &rpc.RollbackRequest{
		Database:    r.cfg.Database,
		Transaction: token,
	}, rpc.RequestTag(""), true)
	if err != nil {
		logger.Error("txn: rollback failed after callback error (%v): %v", causeErr, err)
	}
}

// Handle is passed to the user callback; it exposes reads (pinned to the
// transaction token) until the first write is buffered, after which further
// reads reject with ErrReadsAfterWrites.
type Handle struct {
	ctx    context.Context
	sender rpc.Sender
	db     string
	token  []byte
	state  state

	writes []rpc.WriteEntry

	done   bool
	result any
}

// Get performs a single-document read pinned to this transaction.
func (h *Handle) Get(path string) (*rpc.Document, error) {
	if h.state == stateReadsDone {
		return nil, ErrReadsAfterWrites
	}
	if err := docpath.ValidateDocument(path); err != nil {
		return nil, err
	}
	resp, err := h.sender.Unary(h.ctx, rpcerr.MethodBatchGetDocuments, &rpc.BatchGetDocumentsRequest{
		Database:    h.db,
		Documents:   []string{path},
		Transaction: h.token,
	}, rpc.RequestTag(path), true)
	if err != nil {
		return nil, err
	}
	docs, ok := resp.([]*rpc.Document)
	if !ok || len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Query opens a streaming query pinned to this transaction and returns the
// low-level rpc.Stream for the caller to drain with Recv. No cursor-based
// restart is applied to it.
func (h *Handle) Query(q rpc.QueryDescriptor) (rpc.Stream, error) {
	if h.state == stateReadsDone {
		return nil, ErrReadsAfterWrites
	}
	if err := docpath.ValidateCollection(q.CollectionPath); err != nil {
		return nil, err
	}
	return h.sender.ReadStream(h.ctx, rpcerr.MethodRunQuery, &rpc.RunQueryRequest{
		Database:    h.db,
		Query:       q,
		Transaction: h.token,
	}, rpc.RequestTag(q.CollectionPath), true)
}

func (h *Handle) bufferWrite(e rpc.WriteEntry) {
	h.state = stateReadsDone
	h.writes = append(h.writes, e)
}

// Create buffers a create() write.
func (h *Handle) Create(path string, fields *value.Value) error {
	if err := docpath.ValidateDocument(path); err != nil {
		return err
	}
	if err := value.Validate(fields); err != nil {
		return err
	}
	h.bufferWrite(rpc.WriteEntry{DocumentPath: path, Kind: rpc.WriteCreate, Fields: fields})
	return nil
}

// Set buffers a set() write.
func (h *Handle) Set(path string, fields *value.Value) error {
	if err := docpath.ValidateDocument(path); err != nil {
		return err
	}
	if err := value.Validate(fields); err != nil {
		return err
	}
	h.bufferWrite(rpc.WriteEntry{DocumentPath: path, Kind: rpc.WriteSet, Fields: fields})
	return nil
}

// Update buffers an update() field-path write.
func (h *Handle) Update(path string, fieldPaths []string, fields *value.Value, pre *rpc.Precondition) error {
	if err := docpath.ValidateDocument(path); err != nil {
		return err
	}
	if err := value.Validate(fields); err != nil {
		return err
	}
	h.bufferWrite(rpc.WriteEntry{DocumentPath: path, Kind: rpc.WriteUpdate, Fields: fields, FieldPaths: fieldPaths, Precondition: pre})
	return nil
}

// Delete buffers a delete() write.
func (h *Handle) Delete(path string, pre *rpc.Precondition) error {
	if err := docpath.ValidateDocument(path); err != nil {
		return err
	}
	h.bufferWrite(rpc.WriteEntry{DocumentPath: path, Kind: rpc.WriteDelete, Precondition: pre})
	return nil
}

// Done signals the callback's completion with result (spec §4.5's
// "the user callback must produce a completion signal").
func (h *Handle) Done(result any) {
	h.done = true
	h.result = result
}

func (h *Handle) applyCommitResults(cr *rpc.CommitResponse) {
	var commitTime time.Time
	if cr.CommitTime.Valid {
		commitTime = time.Unix(cr.CommitTime.Seconds, int64(cr.CommitTime.Nanos)).UTC()
	}
	for i := range cr.WriteResults {
		if cr.WriteResults[i].UpdateTime == nil && !commitTime.IsZero() {
			cr.WriteResults[i].UpdateTime = &rpc.Timestamp{
				Seconds: commitTime.Unix(),
				Nanos:   int32(commitTime.Nanosecond()),
				Valid:   true,
			}
		}
	}
}
