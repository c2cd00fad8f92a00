// Package rpcerr classifies backend RPC errors per spec.md §4.3: gRPC-style
// status codes are mapped to {permanent, retryable, rate-limited} using a
// per-method retry-code set supplied by the RPC layer, combined with fixed
// additions (ABORTED is always retryable for commit and batch-write).
package rpcerr

// Code mirrors the subset of gRPC status codes the classifier cares about.
type Code int

const (
	OK                Code = 0
	Cancelled         Code = 1
	Unknown           Code = 2
	InvalidArgument   Code = 3
	DeadlineExceeded  Code = 4
	NotFound          Code = 5
	AlreadyExists     Code = 6
	PermissionDenied  Code = 7
	ResourceExhausted Code = 8
	FailedPrecondition Code = 9
	Aborted           Code = 10
	OutOfRange        Code = 11
	Unimplemented     Code = 12
	Internal          Code = 13
	Unavailable       Code = 14
	DataLoss          Code = 15
	Unauthenticated   Code = 16
)

// Classification is the classifier's verdict.
type Classification int

const (
	Permanent Classification = iota
	RetryableStream
	RetryableRPC
	RateLimited
	AbortedRetryable
)

// Method names the logical RPC being classified, used to look up the
// method's declared retry-code set.
type Method string

const (
	MethodBeginTransaction  Method = "begin-transaction"
	MethodCommit            Method = "commit"
	MethodRollback          Method = "rollback"
	MethodBatchGetDocuments Method = "batch-get-documents"
	MethodRunQuery          Method = "run-query"
	MethodBatchWrite        Method = "batch-write"
	MethodListCollectionIDs Method = "list-collection-ids"
	MethodListDocuments     Method = "list-documents"
)

// DefaultRetryCodes is the base per-method retry-code set the external RPC
// layer would normally supply (spec §4.3: "per-method retry-code sets are
// provided by the external RPC layer"). Callers may override via
// WithRetryCodes for a given classifier instance.
var DefaultRetryCodes = map[Method]map[Code]bool{
	MethodBeginTransaction:  retrySet(Unavailable, DeadlineExceeded),
	MethodCommit:            retrySet(Unavailable, DeadlineExceeded),
	MethodRollback:          retrySet(Unavailable, DeadlineExceeded),
	MethodBatchGetDocuments: retrySet(Unavailable, DeadlineExceeded, Internal, Cancelled),
	MethodRunQuery:          retrySet(Unavailable, DeadlineExceeded, Internal, Cancelled),
	MethodBatchWrite:        retrySet(Unavailable, DeadlineExceeded),
	MethodListCollectionIDs: retrySet(Unavailable, DeadlineExceeded),
	MethodListDocuments:     retrySet(Unavailable, DeadlineExceeded),
}

func retrySet(codes ...Code) map[Code]bool {
	m := make(map[Code]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Classifier classifies errors for one logical client instance. The zero
// value uses DefaultRetryCodes.
type Classifier struct {
	retryCodes map[Method]map[Code]bool
}

// New creates a Classifier using DefaultRetryCodes.
func New() *Classifier {
	return &Classifier{retryCodes: DefaultRetryCodes}
}

// WithRetryCodes overrides the per-method retry-code sets.
func WithRetryCodes(codes map[Method]map[Code]bool) *Classifier {
	return &Classifier{retryCodes: codes}
}

// isStreamingMethod reports whether method opens a server-stream, used to
// decide between RetryableStream and RetryableRPC classification.
func isStreamingMethod(m Method) bool {
	return m == MethodBatchGetDocuments || m == MethodRunQuery
}

// Classify maps a status code and method to a Classification.
func (c *Classifier) Classify(code Code, method Method) Classification {
	if code == OK {
		return Permanent // callers must not call Classify with OK
	}
	if code == ResourceExhausted {
		return RateLimited
	}
	// ABORTED is retryable for commits and bulk writes, per spec §4.3's
	// "fixed additions (ABORTED for commit)".
	if code == Aborted && (method == MethodCommit || method == MethodBatchWrite) {
		return AbortedRetryable
	}
	set := c.retryCodes[method]
	if set == nil {
		set = DefaultRetryCodes[method]
	}
	if set[code] {
		if isStreamingMethod(method) {
			return RetryableStream
		}
		return RetryableRPC
	}
	return Permanent
}

// IsRetryable reports whether cls represents any retryable outcome.
func IsRetryable(cls Classification) bool {
	return cls == RetryableStream || cls == RetryableRPC || cls == RateLimited || cls == AbortedRetryable
}
