package value

import "testing"

func TestValidateDepth(t *testing.T) {
	var v *Value = Int64(1)
	for i := 0; i < MaxDepth; i++ {
		v = Array(v)
	}
	if err := Validate(v); err != nil {
		t.Fatalf("depth %d should be within bound: %v", MaxDepth, err)
	}
	v = Array(v)
	if err := Validate(v); err == nil {
		t.Fatalf("expected depth-exceeded error")
	}
}

func TestValidateCycle(t *testing.T) {
	m := Map(map[string]*Value{})
	m.Map["self"] = m
	if err := Validate(m); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestValidateAcyclicSharedLeaf(t *testing.T) {
	shared := Int64(7)
	arr := Array(shared, shared, shared)
	if err := Validate(arr); err != nil {
		t.Fatalf("sharing a leaf value across siblings is not a cycle: %v", err)
	}
}
