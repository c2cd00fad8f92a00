package wirecodec

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	for _, name := range []Name{None, Gzip, LZ4, LZF} {
		name := name
		t.Run(string(name), func(t *testing.T) {
			codec, err := Lookup(name)
			if err != nil {
				t.Fatal(err)
			}
			encoded, err := codec.Encode(payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := codec.Decode(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !bytes.Equal(decoded, payload) {
				t.Fatalf("round trip mismatch for codec %s", name)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	if _, err := Lookup("bogus"); err == nil {
		t.Fatal("expected error for unknown codec")
	}
}
