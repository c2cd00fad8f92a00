package channelpool

import "testing"

func TestAcquireIsStickyForSamePath(t *testing.T) {
	p := New()
	first := p.Acquire("users/alice")
	p.Release(first)
	second := p.Acquire("users/alice")
	if first.ID != second.ID {
		t.Fatalf("expected sticky channel assignment, got %d then %d", first.ID, second.ID)
	}
}

func TestAcquireSpillsOverWhenSaturated(t *testing.T) {
	p := New()
	// Saturate whatever channel "users/alice" hashes to.
	held := make([]Channel, 0, MaxConcurrentPerChannel)
	var target Channel
	for i := 0; i < MaxConcurrentPerChannel; i++ {
		ch := p.Acquire("users/alice")
		held = append(held, ch)
		target = ch
	}
	for _, ch := range held {
		if ch.ID != target.ID {
			t.Fatalf("expected all acquisitions for the same path to land on one channel below capacity")
		}
	}
	overflow := p.Acquire("users/alice")
	if overflow.ID == target.ID {
		t.Fatalf("expected overflow to spill to a new channel once capacity %d is reached", MaxConcurrentPerChannel)
	}
	if p.Size() < 2 {
		t.Fatalf("expected pool to grow past one channel, size=%d", p.Size())
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	p := New()
	ch := p.Acquire("a/1")
	p.Release(ch)
	if p.load[ch.ID] != 0 {
		t.Fatalf("expected load 0 after release, got %d", p.load[ch.ID])
	}
}
