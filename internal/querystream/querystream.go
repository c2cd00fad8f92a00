// Package querystream implements spec.md §4.4, the streaming query
// executor: a lazy sequence of documents pulled off a server-stream that
// restarts from the last-delivered document on transient mid-stream errors.
package querystream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kraklabs/docengine/internal/docpath"
	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
)

// ErrLimitToLastStreaming is the fixed error returned when the caller asks
// for both limit-to-last and streamed output (spec §4.4's incompatibility).
var ErrLimitToLastStreaming = errors.New("querystream: limitToLast queries cannot stream output")

// Config configures an Executor.
type Config struct {
	Database string
	// TotalTimeout bounds cumulative elapsed time across all retries of one
	// logical query (spec §5's "query executor additionally tracks
	// wall-clock since start").
	TotalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 60 * time.Second
	}
	return c
}

// Request describes one logical query invocation.
type Request struct {
	Query             rpc.QueryDescriptor
	Transaction       []byte
	ReadTime          *rpc.Timestamp
	Explain           bool
	InTransaction     bool
	RequireConsistency bool
	// Streaming is true when the caller wants documents delivered as they
	// arrive rather than collected. LimitToLast with Streaming true is
	// rejected immediately (spec §4.4).
	Streaming bool
}

// Item is one value yielded by Run's callback: a document, or terminal
// explain stats, delivered in backend order.
type Item struct {
	Document     *rpc.Document
	ExplainStats map[string]any
}

// Handler receives each delivered document in order. A non-nil return
// aborts the query with that error.
type Handler func(item Item) error

// Executor runs streaming queries against an RPC sender.
type Executor struct {
	sender     rpc.Sender
	cfg        Config
	classifier *rpcerr.Classifier
}

// New creates an Executor bound to sender.
func New(sender rpc.Sender, cfg Config) *Executor {
	return &Executor{sender: sender, cfg: cfg.withDefaults(), classifier: rpcerr.New()}
}

// Run executes req, invoking handle for each document in backend order,
// retrying with a startAfter cursor on transient mid-stream errors (spec
// §4.4 steps 1-4). It returns once the stream is exhausted or a terminal
// error occurs.
func (ex *Executor) Run(ctx context.Context, req Request, handle Handler) error {
	if err := docpath.ValidateCollection(req.Query.CollectionPath); err != nil {
		return err
	}
	if req.Query.LimitToLast && req.Streaming {
		return ErrLimitToLastStreaming
	}
	if req.Query.LimitToLast {
		return ex.runBuffered(ctx, req, handle)
	}
	return ex.runStreamed(ctx, req, handle)
}

// runBuffered implements spec §4.4's limit-to-last mode: collect every
// document, then reverse before emitting.
func (ex *Executor) runBuffered(ctx context.Context, req Request, handle Handler) error {
	var docs []*rpc.Document
	var stats map[string]any
	err := ex.runStreamed(ctx, req, func(item Item) error {
		if item.Document != nil {
			docs = append(docs, item.Document)
		}
		if item.ExplainStats != nil {
			stats = item.ExplainStats
		}
		return nil
	})
	if err != nil {
		return err
	}
	for i := len(docs) - 1; i >= 0; i-- {
		if err := handle(Item{Document: docs[i]}); err != nil {
			return err
		}
	}
	if stats != nil {
		return handle(Item{ExplainStats: stats})
	}
	return nil
}

func (ex *Executor) runStreamed(ctx context.Context, req Request, handle Handler) error {
	start := time.Now()
	query := req.Query
	readTime := req.ReadTime
	var lastDelivered *rpc.Document
	var lastReadTime *rpc.Timestamp

	for {
		stream, err := ex.open(ctx, req, query, readTime)
		if err != nil {
			return fmt.Errorf("querystream: open failed: %w", err)
		}

		restart, retryErr := ex.drain(ctx, stream, handle, &lastDelivered, &lastReadTime)
		if retryErr == nil {
			return nil
		}
		if !restart {
			return retryErr
		}

		var ce *rpc.ClassifiedError
		if errors.As(retryErr, &ce) {
			cls := ex.classifier.Classify(ce.Code, rpcerr.MethodRunQuery)
			if req.Explain || req.InTransaction || !rpcerr.IsRetryable(cls) {
				return retryErr
			}
		}
		if time.Since(start) > ex.cfg.TotalTimeout {
			return fmt.Errorf("querystream: total timeout exceeded: %w", retryErr)
		}

		if lastDelivered != nil {
			query.StartAfter = &rpc.Cursor{DocumentPath: lastDelivered.Path}
		}
		if req.RequireConsistency && lastReadTime != nil {
			readTime = lastReadTime
		} else {
			readTime = nil
		}
		lastDelivered = nil
	}
}

func (ex *Executor) open(ctx context.Context, req Request, query rpc.QueryDescriptor, readTime *rpc.Timestamp) (rpc.Stream, error) {
	return ex.sender.ReadStream(ctx, rpcerr.MethodRunQuery, &rpc.RunQueryRequest{
		Database:    ex.cfg.Database,
		Query:       query,
		Transaction: req.Transaction,
		ReadTime:    readTime,
		Explain:     req.Explain,
	}, rpc.RequestTag(query.CollectionPath), true)
}

// drain pulls elements off stream until it is exhausted, errors, or the
// handler rejects. The returned bool reports whether the caller should
// attempt a cursor-based restart.
func (ex *Executor) drain(ctx context.Context, stream rpc.Stream, handle Handler, lastDelivered **rpc.Document, lastReadTime **rpc.Timestamp) (restart bool, err error) {
	for {
		elem, recvErr := stream.Recv(ctx)
		if recvErr != nil {
			stream.Cancel()
			return true, recvErr
		}
		if elem.Done {
			return false, nil
		}
		if elem.ReadTime != nil {
			*lastReadTime = elem.ReadTime
		}
		if elem.Document != nil {
			*lastDelivered = elem.Document
			if err := handle(Item{Document: elem.Document}); err != nil {
				stream.Cancel()
				return false, err
			}
		}
		if elem.ExplainStats != nil {
			if err := handle(Item{ExplainStats: elem.ExplainStats}); err != nil {
				stream.Cancel()
				return false, err
			}
		}
	}
}
