package bulkwriter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/rpcerr"
	"github.com/kraklabs/docengine/internal/rpctest"
	"github.com/kraklabs/docengine/internal/value"
)

func okResult(seconds int64) rpc.WriteResult {
	return rpc.WriteResult{UpdateTime: &rpc.Timestamp{Seconds: seconds, Valid: true}}
}

func newTestEngine(sender *rpctest.Sender, cfg Config) *Engine {
	cfg.Database = "projects/demo/databases/(default)"
	return New(sender, cfg)
}

// Scenario 1 (spec §8): set() then update() on the same document resolve in
// order across two distinct batches.
func TestOrderedWritesOnSamePath(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBatchWrite, func(req any) (any, error) {
		r := req.(*rpc.BatchWriteRequest)
		if len(r.Writes) != 1 {
			t.Fatalf("expected first batch to contain exactly 1 write, got %d", len(r.Writes))
		}
		return &rpc.BatchWriteResponse{
			WriteResults: []rpc.WriteResult{okResult(1)},
			Status:       []rpc.Status{{Code: rpcerr.OK}},
		}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodBatchWrite, func(req any) (any, error) {
		return &rpc.BatchWriteResponse{
			WriteResults: []rpc.WriteResult{okResult(2)},
			Status:       []rpc.Status{{Code: rpcerr.OK}},
		}, nil
	})

	e := newTestEngine(sender, Config{})
	h1, err := e.Set("users/a", value.Map(map[string]*value.Value{"v": value.Int64(1)}))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := e.Update("users/a", []string{"v"}, value.Map(map[string]*value.Value{"v": value.Int64(2)}), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	r1, err := h1.Wait(ctx)
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	r2, err := h2.Wait(ctx)
	if err != nil {
		t.Fatalf("second write failed: %v", err)
	}
	if r1.WriteTime.Unix() != 1 || r2.WriteTime.Unix() != 2 {
		t.Fatalf("expected write-times 1, 2; got %d, %d", r1.WriteTime.Unix(), r2.WriteTime.Unix())
	}
}

// Scenario 2 (spec §8): a per-op UNAVAILABLE failure is retried once the
// error hook opts in; the hook sees FailedAttempts=1 for that first failure.
func TestPerOpFailureRetried(t *testing.T) {
	sender := rpctest.New()
	sender.EnqueueUnary(rpcerr.MethodBatchWrite, func(req any) (any, error) {
		return &rpc.BatchWriteResponse{
			WriteResults: []rpc.WriteResult{{}},
			Status:       []rpc.Status{{Code: rpcerr.Unavailable}},
		}, nil
	})
	sender.EnqueueUnary(rpcerr.MethodBatchWrite, func(req any) (any, error) {
		return &rpc.BatchWriteResponse{
			WriteResults: []rpc.WriteResult{okResult(2)},
			Status:       []rpc.Status{{Code: rpcerr.OK}},
		}, nil
	})

	e := newTestEngine(sender, Config{})
	var lastAttempts int
	var mu sync.Mutex
	e.OnError(func(oe *OpError) (bool, error) {
		mu.Lock()
		lastAttempts = oe.FailedAttempts
		mu.Unlock()
		return true, nil
	})

	h, err := e.Set("users/a", value.Map(map[string]*value.Value{"v": value.Int64(1)}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	res, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if res.WriteTime.Unix() != 2 {
		t.Fatalf("expected write-time 2, got %d", res.WriteTime.Unix())
	}
	mu.Lock()
	defer mu.Unlock()
	if lastAttempts != 1 {
		t.Fatalf("expected on-error hook called with FailedAttempts=1 on first failure, got %d", lastAttempts)
	}
}

func TestCloseRejectsSubsequentSubmits(t *testing.T) {
	sender := rpctest.New()
	e := newTestEngine(sender, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Set("users/a", value.Null()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBatchMaxSizeForcesNewBatch(t *testing.T) {
	sender := rpctest.New()
	e := newTestEngine(sender, Config{MaxBatchSize: 2})

	e.mu.Lock()
	defer e.mu.Unlock()
	o1 := &op{path: "a/1", handle: newResultHandle()}
	e.enqueueFresh(o1)
	o2 := &op{path: "a/2", handle: newResultHandle()}
	e.enqueueFresh(o2)
	if e.queue[0].state != batchReadyToSend {
		t.Fatalf("batch reaching MaxBatchSize should become ReadyToSend")
	}
	o3 := &op{path: "a/3", handle: newResultHandle()}
	e.enqueueFresh(o3)
	if len(e.queue) != 2 {
		t.Fatalf("expected a new batch to be created, queue has %d batches", len(e.queue))
	}
}

func TestSamePathInTailForcesNewBatchNotFailure(t *testing.T) {
	sender := rpctest.New()
	e := newTestEngine(sender, Config{MaxBatchSize: 20})

	e.mu.Lock()
	defer e.mu.Unlock()
	o1 := &op{path: "a/1", handle: newResultHandle()}
	e.enqueueFresh(o1)
	o2 := &op{path: "a/1", handle: newResultHandle()}
	e.enqueueFresh(o2)
	if len(e.queue) != 2 {
		t.Fatalf("submitting the same path twice should open a new batch, got %d batches", len(e.queue))
	}
}
