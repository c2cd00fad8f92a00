package backoff

import (
	"testing"
	"time"
)

func TestFirstWaitIsZero(t *testing.T) {
	b := New(Config{Jitter: 0})
	d, err := b.Wait()
	if err != nil || d != 0 {
		t.Fatalf("first wait = %v, %v; want 0, nil", d, err)
	}
}

func TestGrowthWithoutJitter(t *testing.T) {
	b := New(Config{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second, Jitter: 0})
	b.Wait() // attempt 0 -> 0
	d1, _ := b.Wait()
	if d1 != 100*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want 100ms", d1)
	}
	d2, _ := b.Wait()
	if d2 != 200*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 200ms", d2)
	}
}

func TestCapsAtMaxDelay(t *testing.T) {
	b := New(Config{InitialDelay: 100 * time.Millisecond, Factor: 10, MaxDelay: 500 * time.Millisecond, Jitter: 0, MaxAttempts: 10})
	b.Wait()
	b.Wait()
	d, _ := b.Wait()
	if d != 500*time.Millisecond {
		t.Fatalf("expected cap at 500ms, got %v", d)
	}
}

func TestExhaustion(t *testing.T) {
	b := New(Config{MaxAttempts: 2, Jitter: 0})
	if _, err := b.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Wait(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
}

func TestReset(t *testing.T) {
	b := New(Config{Jitter: 0})
	b.Wait()
	b.Wait()
	b.Reset()
	d, err := b.Wait()
	if err != nil || d != 0 {
		t.Fatalf("after reset, first wait = %v, %v; want 0, nil", d, err)
	}
}

func TestResetToMax(t *testing.T) {
	b := New(Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 900 * time.Millisecond, Jitter: 0})
	b.ResetToMax()
	d, err := b.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if d != 900*time.Millisecond {
		t.Fatalf("expected max delay after ResetToMax, got %v", d)
	}
}

func TestJitterBounds(t *testing.T) {
	b := New(Config{InitialDelay: 1000 * time.Millisecond, Factor: 1.5, MaxDelay: time.Minute, Jitter: 1.0, MaxAttempts: 5})
	b.rand = func() float64 { return 1.0 } // max positive jitter
	b.Wait()
	d, _ := b.Wait()
	base := 1000 * time.Millisecond
	upper := time.Duration(1.5 * float64(base))
	if d > upper {
		t.Fatalf("jittered delay %v exceeds upper bound %v", d, upper)
	}
	if d < base/2 {
		t.Fatalf("jittered delay %v below plausible lower bound", d)
	}
}
