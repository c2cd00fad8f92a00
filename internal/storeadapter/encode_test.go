package storeadapter

import (
	"testing"

	"github.com/kraklabs/docengine/internal/rpc"
	"github.com/kraklabs/docengine/internal/value"
	"github.com/kraklabs/docengine/internal/wirecodec"
)

func newTestStore(t *testing.T, codec wirecodec.Name, threshold int) *Store {
	t.Helper()
	s, err := New(Config{Addr: "127.0.0.1:0", Codec: codec, CompressionThreshold: threshold})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestEncodeDecodeFieldRoundTrip(t *testing.T) {
	s := newTestStore(t, wirecodec.None, 1<<20)
	v := value.Map(map[string]*value.Value{
		"name": value.String("ada"),
		"age":  value.Int64(36),
		"tags": value.Array(value.String("a"), value.String("b")),
	})
	encoded, err := s.encodeField(v)
	if err != nil {
		t.Fatalf("encodeField: %v", err)
	}
	decoded, err := s.decodeField(encoded)
	if err != nil {
		t.Fatalf("decodeField: %v", err)
	}
	if decoded.Map["name"].String != "ada" || decoded.Map["age"].Int64 != 36 {
		t.Fatalf("round-trip mismatch: %+v", decoded)
	}
}

func TestEncodeCompressesAboveThreshold(t *testing.T) {
	s := newTestStore(t, wirecodec.Gzip, 8)
	big := make([]*value.Value, 0, 50)
	for i := 0; i < 50; i++ {
		big = append(big, value.String("padding-padding-padding"))
	}
	v := value.Array(big...)
	encoded, err := s.encodeField(v)
	if err != nil {
		t.Fatalf("encodeField: %v", err)
	}
	if encoded[0] != 1 {
		t.Fatalf("expected compression flag set for payload above threshold")
	}
	decoded, err := s.decodeField(encoded)
	if err != nil {
		t.Fatalf("decodeField: %v", err)
	}
	if len(decoded.Array) != 50 {
		t.Fatalf("expected 50 array elements after round-trip, got %d", len(decoded.Array))
	}
}

func TestScalarEqualAndCompareValues(t *testing.T) {
	if !scalarEqual(value.Int64(3), value.Int64(3)) {
		t.Fatal("expected equal int64 values to match")
	}
	if scalarEqual(value.Int64(3), value.String("3")) {
		t.Fatal("expected mismatched kinds to never be equal")
	}
	if compareValues(value.Int64(1), value.Int64(2)) >= 0 {
		t.Fatal("expected 1 < 2")
	}
	if compareValues(value.String("a"), value.String("b")) >= 0 {
		t.Fatal("expected \"a\" < \"b\"")
	}
}

func TestSkipAfter(t *testing.T) {
	docs := []*rpc.Document{{Path: "a"}, {Path: "b"}, {Path: "c"}}
	rest := skipAfter(docs, "b")
	if len(rest) != 1 || rest[0].Path != "c" {
		t.Fatalf("expected only %q after skipping past %q, got %v", "c", "b", rest)
	}
}
