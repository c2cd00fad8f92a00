package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/rpctest"
	"github.com/kraklabs/docengine/internal/value"
)

func newTestRunner(sender *rpctest.Sender) *Runner {
	return New(sender, Config{Database: "projects/demo/databases/(default)"})
}

func TestCommitSucceedsOnFirstAttempt(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-1")}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodBatchGetDocuments, func(req any) (any, error) {
		return []*rpc.Document{{Path: "users/a"}}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodCommit, func(req any) (any, error) {
		r := req.(*rpc.CommitRequest)
		if string(r.Transaction) != "tok-1" {
			t.Fatalf("expected commit to carry begin's token, got %q", r.Transaction)
		}
		return &rpc.CommitResponse{
			WriteResults: []rpc.WriteResult{{}},
			CommitTime:   rpc.Timestamp{Seconds: 100, Valid: true},
		}, nil
	})

	r := newTestRunner(sender)
	result, err := r.Run(context.Background(), func(ctx context.Context, h *Handle) error {
		if _, err := h.Get("users/a"); err != nil {
			return err
		}
		if err := h.Set("users/a", value.Map(map[string]*value.Value{"v": value.Int64(1)})); err != nil {
			return err
		}
		h.Done(42)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Fatalf("expected callback result 42, got %v", result)
	}
}

func TestReadAfterWriteRejected(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-1")}, nil
	})

	r := newTestRunner(sender)
	_, err := r.Run(context.Background(), func(ctx context.Context, h *Handle) error {
		if err := h.Set("users/a", value.Map(map[string]*value.Value{"v": value.Int64(1)})); err != nil {
			return err
		}
		_, err := h.Get("users/b")
		return err
	})
	if !errors.Is(err, ErrReadsAfterWrites) {
		t.Fatalf("expected ErrReadsAfterWrites, got %v", err)
	}
}

func TestCallbackErrorTriggersRollback(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-1")}, nil
	})
	rollbackCalled := false
	sender.EnqueueUnary(rpcerr.MethodRollback, func(req any) (any, error) {
		rollbackCalled = true
		return &struct{}{}, nil
	})

	wantErr := errors.New("boom")
	r := newTestRunner(sender)
	_, err := r.Run(context.Background(), func(ctx context.Context, h *Handle) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped callback error, got %v", err)
	}
	if !rollbackCalled {
		t.Fatal("expected rollback to be issued after callback failure")
	}
}

func TestMissingCompletionSignalFails(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-1")}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodRollback, func(req any) (any, error) {
		return &struct{}{}, nil
	})

	r := newTestRunner(sender)
	_, err := r.Run(context.Background(), func(ctx context.Context, h *Handle) error {
		return nil
	})
	if !errors.Is(err, ErrNoResult) {
		t.Fatalf("expected ErrNoResult, got %v", err)
	}
}

func TestAbortedCommitRetriesWithPreviousToken(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-1")}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodCommit, func(req any) (any, error) {
		return nil, &rpc.ClassifiedError{Code: rpcerr.Aborted, Message: "aborted"}
	})
	sender.EnqueueUnary(rpcerr.MethodBeginTransaction, func(req any) (any, error) {
		r := req.(*rpc.BeginTransactionRequest)
		if string(r.RetryTransaction) != "tok-1" {
			t.Fatalf("expected retry begin to carry previous token, got %q", r.RetryTransaction)
		}
		return &rpc.BeginTransactionResponse{Transaction: []byte("tok-2")}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodCommit, func(req any) (any, error) {
		return &rpc.CommitResponse{CommitTime: rpc.Timestamp{Seconds: 5, Valid: true}}, nil
	})

	r := newTestRunner(sender)
	result, err := r.Run(context.Background(), func(ctx context.Context, h *Handle) error {
		if err := h.Set("users/a", value.Map(map[string]*value.Value{"v": value.Int64(1)})); err != nil {
			return err
		}
		h.Done("ok")
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success after ABORTED retry, got %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected result %q, got %v", "ok", result)
	}
}
