package querystream

import (
	"context"
	"errors"
	"testing"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/rpctest"
)

func newTestExecutor(sender *rpctest.Sender) *Executor {
	return New(sender, Config{Database: "projects/demo/databases/(default)"})
}

func TestDeliversDocumentsInOrder(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		return rpctest.NewScriptedStream([]rpc.StreamElement{
			{Document: &rpc.Document{Path: "users/a"}},
			{Document: &rpc.Document{Path: "users/b"}},
		}, nil), nil
	})

	ex := newTestExecutor(sender)
	var got []string
	err := ex.Run(context.Background(), Request{Query: rpc.QueryDescriptor{CollectionPath: "users"}}, func(item Item) error {
		if item.Document != nil {
			got = append(got, item.Document.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "users/a" || got[1] != "users/b" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestRestartsFromCursorOnRetryableError(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		r := req.(*rpc.RunQueryRequest)
		if r.Query.StartAfter != nil {
			t.Fatalf("first open should not carry a cursor")
		}
		return rpctest.NewScriptedStream(
			[]rpc.StreamElement{{Document: &rpc.Document{Path: "users/a"}}},
			&rpc.ClassifiedError{Code: rpcerr.Unavailable},
		), nil
	})
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		r := req.(*rpc.RunQueryRequest)
		if r.Query.StartAfter == nil || r.Query.StartAfter.DocumentPath != "users/a" {
			t.Fatalf("expected restart to carry startAfter(users/a), got %+v", r.Query.StartAfter)
		}
		return rpctest.NewScriptedStream([]rpc.StreamElement{
			{Document: &rpc.Document{Path: "users/b"}},
		}, nil), nil
	})

	ex := newTestExecutor(sender)
	var got []string
	err := ex.Run(context.Background(), Request{Query: rpc.QueryDescriptor{CollectionPath: "users"}}, func(item Item) error {
		if item.Document != nil {
			got = append(got, item.Document.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "users/a" || got[1] != "users/b" {
		t.Fatalf("unexpected delivery sequence after restart: %v", got)
	}
}

func TestPermanentErrorDestroysStream(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		return rpctest.NewScriptedStream(nil, &rpc.ClassifiedError{Code: rpcerr.InvalidArgument}), nil
	})

	ex := newTestExecutor(sender)
	err := ex.Run(context.Background(), Request{Query: rpc.QueryDescriptor{CollectionPath: "users"}}, func(item Item) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected permanent error to be surfaced, got nil")
	}
}

func TestExplainQueryDoesNotRetry(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		return rpctest.NewScriptedStream(nil, &rpc.ClassifiedError{Code: rpcerr.Unavailable}), nil
	})

	ex := newTestExecutor(sender)
	err := ex.Run(context.Background(), Request{Query: rpc.QueryDescriptor{CollectionPath: "users"}, Explain: true}, func(item Item) error {
		return nil
	})
	if err == nil {
		t.Fatal("expected explain queries to surface a transient error instead of retrying")
	}
}

func TestLimitToLastStreamingRejected(t *testing.T) {
	sender := rpctest.New()
	ex := newTestExecutor(sender)
	err := ex.Run(context.Background(), Request{
		Query:     rpc.QueryDescriptor{CollectionPath: "users", LimitToLast: true},
		Streaming: true,
	}, func(item Item) error { return nil })
	if !errors.Is(err, ErrLimitToLastStreaming) {
		t.Fatalf("expected ErrLimitToLastStreaming, got %v", err)
	}
}

func TestLimitToLastBuffersAndReverses(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueStream(rpcerr.MethodRunQuery, func(req any) (rpc.Stream, error) {
		return rpctest.NewScriptedStream([]rpc.StreamElement{
			{Document: &rpc.Document{Path: "users/a"}},
			{Document: &rpc.Document{Path: "users/b"}},
			{Document: &rpc.Document{Path: "users/c"}},
		}, nil), nil
	})

	ex := newTestExecutor(sender)
	var got []string
	err := ex.Run(context.Background(), Request{Query: rpc.QueryDescriptor{CollectionPath: "users", LimitToLast: true}}, func(item Item) error {
		if item.Document != nil {
			got = append(got, item.Document.Path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"users/c", "users/b", "users/a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected reversed order %v, got %v", want, got)
		}
	}
}
