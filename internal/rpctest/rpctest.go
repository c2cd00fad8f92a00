// Package rpctest provides a scriptable fake rpc.Sender shared across the
// bulk-writer, transaction, and query-stream test suites (spec §10.4),
// matching the teacher's own integration-test style of hand-built fakes
// over a mocking framework.
package rpctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
)

// UnaryResponder answers one Unary call.
type UnaryResponder func(req any) (any, error)

// StreamFactory builds a fresh Stream for one ReadStream call.
type StreamFactory func(req any) (rpc.Stream, error)

// Call records one invocation for assertions.
type Call struct {
	Method rpcerr.Method
	Req    any
}

// Sender is a scriptable fake transport: each method has a FIFO queue of
// responders/factories; once the queue is exhausted, the last entry repeats.
type Sender struct {
	mu      sync.Mutex
	unary   map[rpcerr.Method][]UnaryResponder
	streams map[rpcerr.Method][]StreamFactory
	calls   []Call
}

// New creates an empty Sender.
func New() *Sender {
	return &Sender{
		unary:   make(map[rpcerr.Method][]UnaryResponder),
		streams: make(map[rpcerr.Method][]StreamFactory),
	}
}

// EnqueueUnary appends a responder to method's queue.
func (s *Sender) EnqueueUnary(method rpcerr.Method, r UnaryResponder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unary[method] = append(s.unary[method], r)
}

// EnqueueStream appends a stream factory to method's queue.
func (s *Sender) EnqueueStream(method rpcerr.Method, f StreamFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = append(s.streams[method], f)
}

// Calls returns a snapshot of every call received so far.
func (s *Sender) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Sender) Unary(_ context.Context, method rpcerr.Method, req any, _ rpc.RequestTag, _ bool) (any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Req: req})
	queue := s.unary[method]
	var r UnaryResponder
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("rpctest: no responder queued for %s", method)
	}
	r = queue[0]
	if len(queue) > 1 {
		s.unary[method] = queue[1:]
	}
	s.mu.Unlock()
	return r(req)
}

func (s *Sender) ReadStream(_ context.Context, method rpcerr.Method, req any, _ rpc.RequestTag, _ bool) (rpc.Stream, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Req: req})
	queue := s.streams[method]
	var f StreamFactory
	if len(queue) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("rpctest: no stream factory queued for %s", method)
	}
	f = queue[0]
	if len(queue) > 1 {
		s.streams[method] = queue[1:]
	}
	s.mu.Unlock()
	return f(req)
}

// ScriptedStream replays a fixed slice of elements, then an optional
// terminal error, then a Done element forever after.
type ScriptedStream struct {
	mu        sync.Mutex
	elems     []rpc.StreamElement
	err       error
	idx       int
	errServed bool
	cancelled bool
}

// NewScriptedStream creates a Stream that yields elems in order, then
// returns err exactly once (if non-nil), then signals Done thereafter.
func NewScriptedStream(elems []rpc.StreamElement, err error) *ScriptedStream {
	return &ScriptedStream{elems: elems, err: err}
}

func (s *ScriptedStream) Recv(ctx context.Context) (rpc.StreamElement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return rpc.StreamElement{}, context.Canceled
	}
	if s.idx < len(s.elems) {
		e := s.elems[s.idx]
		s.idx++
		return e, nil
	}
	if s.err != nil && !s.errServed {
		s.errServed = true
		return rpc.StreamElement{}, s.err
	}
	return rpc.StreamElement{Done: true}, nil
}

func (s *ScriptedStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
}
