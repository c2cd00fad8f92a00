// Package rpc defines the external RPC sender contract from spec.md §6: the
// narrow surface the four core subsystems need from the backend transport
// layer. Channel construction, authentication, and the GAPIC client factory
// are out of scope (spec §1) — this package only names the shapes.
package rpc

import (
	"context"

	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/value"
)

// RequestTag threads a caller-chosen correlation id through a call, used by
// the reference channel pool (internal/channelpool) for affinity routing.
type RequestTag string

// StreamElement is one item produced by a read stream (spec §4.4).
type StreamElement struct {
	Document     *Document
	ReadTime     *Timestamp
	Transaction  []byte // present only on the first message of a transactional stream
	ExplainStats map[string]any
	Done         bool
}

// Stream is a paused, resumable server-stream of StreamElements.
type Stream interface {
	// Recv blocks for the next element, or returns an error (io.EOF-style
	// completion is signalled via a StreamElement with Done set).
	Recv(ctx context.Context) (StreamElement, error)
	// Cancel aborts the underlying stream.
	Cancel()
}

// Sender is the RPC sender contract (spec §6).
type Sender interface {
	Unary(ctx context.Context, method rpcerr.Method, req any, tag RequestTag, allowRetry bool) (any, error)
	ReadStream(ctx context.Context, method rpcerr.Method, req any, tag RequestTag, allowRetry bool) (Stream, error)
}

// ClassifiedError wraps a failed call with the gRPC-style status code the
// transport observed, so callers above the Sender boundary (the transaction
// runner, the bulk-write engine's RPC-level failure path) can reclassify it
// without parsing error strings.
type ClassifiedError struct {
	Code    rpcerr.Code
	Message string
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rpc: call failed"
}

// Timestamp is a server-assigned point in time. Kept as a thin wrapper
// rather than time.Time so zero-value vs. "not set" is unambiguous on the
// wire shapes below.
type Timestamp struct {
	Seconds int64
	Nanos   int32
	Valid   bool
}

// Document is the wire shape of one returned document.
type Document struct {
	Path       string
	Fields     *value.Value
	CreateTime Timestamp
	UpdateTime Timestamp
}

// Precondition constrains a write to the current state of its target.
type Precondition struct {
	MustExist       *bool
	MustNotExist    bool
	LastUpdateTime  *Timestamp
}

// WriteKind enumerates the mutation kinds from spec §3.
type WriteKind int

const (
	WriteCreate WriteKind = iota
	WriteSet
	WriteUpdate
	WriteDelete
)

// WriteEntry is one wire write, matching spec §6's "ordered list of write
// entries".
type WriteEntry struct {
	DocumentPath string
	Kind         WriteKind
	Fields       *value.Value
	FieldPaths   []string // set for update() field-mask writes
	Precondition *Precondition
}

// WriteResult is one per-entry wire result.
type WriteResult struct {
	UpdateTime *Timestamp
}

// BeginTransactionRequest begins a transaction, optionally retrying a prior
// attempt (spec §4.5 step 1).
type BeginTransactionRequest struct {
	Database          string
	RetryTransaction   []byte
}

// BeginTransactionResponse carries the opaque transaction token.
type BeginTransactionResponse struct {
	Transaction []byte
}

// CommitRequest carries database, optional transaction token, and writes.
type CommitRequest struct {
	Database    string
	Transaction []byte // nil for non-transactional commits (bulk writer does not use this path)
	Writes      []WriteEntry
}

// CommitResponse carries an ordered write-results list and a commit time.
// Per spec §6 and §9's Open Question resolution, any split transform wire
// entries have already been collapsed to one result per user operation
// before this struct is built by the Sender implementation.
type CommitResponse struct {
	WriteResults []WriteResult
	CommitTime   Timestamp
}

// RollbackRequest aborts a transaction.
type RollbackRequest struct {
	Database    string
	Transaction []byte
}

// BatchGetDocumentsRequest reads specific documents, optionally inside a
// transaction or pinned to a read time.
type BatchGetDocumentsRequest struct {
	Database    string
	Documents   []string
	Transaction []byte
	ReadTime    *Timestamp
}

// RunQueryRequest runs a structured query (spec §4.4).
type RunQueryRequest struct {
	Database     string
	Query        QueryDescriptor
	Transaction  []byte
	ReadTime     *Timestamp
	Explain      bool
}

// QueryDescriptor is the opaque, comparable query definition named in spec
// §8's round-trip law ("query.isEqual(query) is reflexive..."). Field order
// is normalized by the caller (the out-of-scope query-builder surface)
// before reaching the engine, so struct equality here is safe to rely on.
type QueryDescriptor struct {
	CollectionPath string
	Filters        []Filter
	Orders         []Order
	StartAfter     *Cursor
	Limit          int
	LimitToLast    bool
}

// Filter is one structured-query predicate.
type Filter struct {
	FieldPath string
	Op        string
	Value     *value.Value
}

// Order is one structured-query ordering clause.
type Order struct {
	FieldPath string
	Direction string // "ASCENDING" | "DESCENDING"
}

// Cursor resumes a query after a specific document (spec §4.4 step 3).
type Cursor struct {
	DocumentPath string
	Values       []*value.Value
}

// Equal reports whether q and other are the same query definition. Equal is
// reflexive, symmetric, and transitive by construction (plain struct/slice
// comparison over normalized fields), satisfying spec §8's round-trip law.
func (q QueryDescriptor) Equal(other QueryDescriptor) bool {
	if q.CollectionPath != other.CollectionPath || q.Limit != other.Limit || q.LimitToLast != other.LimitToLast {
		return false
	}
	if len(q.Filters) != len(other.Filters) || len(q.Orders) != len(other.Orders) {
		return false
	}
	for i := range q.Filters {
		if q.Filters[i] != other.Filters[i] {
			return false
		}
	}
	for i := range q.Orders {
		if q.Orders[i] != other.Orders[i] {
			return false
		}
	}
	if (q.StartAfter == nil) != (other.StartAfter == nil) {
		return false
	}
	if q.StartAfter != nil && q.StartAfter.DocumentPath != other.StartAfter.DocumentPath {
		return false
	}
	return true
}

// BatchWriteRequest carries a database identifier and an ordered list of
// write entries (spec §6).
type BatchWriteRequest struct {
	Database string
	Writes   []WriteEntry
}

// BatchWriteResponse carries two parallel lists — one per request entry —
// required to have equal length matching the request (spec §6).
type BatchWriteResponse struct {
	WriteResults []WriteResult
	Status       []Status
}

// Status is a per-entry gRPC-style status.
type Status struct {
	Code    rpcerr.Code
	Message string
}

// ListCollectionIDsRequest lists immediate sub-collections of a document
// (or the database root when ParentPath is empty).
type ListCollectionIDsRequest struct {
	Database   string
	ParentPath string
	PageToken  string
}

// ListDocumentsRequest lists documents in a collection.
type ListDocumentsRequest struct {
	Database       string
	CollectionPath string
	PageToken      string
}
