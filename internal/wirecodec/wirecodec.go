// Package wirecodec provides pluggable compression for the encoded field
// values the reference RPC sender (internal/storeadapter) writes to its
// backing store, above a configurable size threshold. A real gRPC
// channel would negotiate this itself; keeping it as an explicit, selectable
// strategy here lets every compression library in the teacher's dependency
// set get exercised.
package wirecodec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/zhuyie/golzf"
)

// Name identifies a codec.
type Name string

const (
	None Name = "none"
	Gzip Name = "gzip"
	LZ4  Name = "lz4"
	LZF  Name = "lzf"
)

// Codec compresses and decompresses opaque byte payloads.
type Codec interface {
	Name() Name
	Encode(plain []byte) ([]byte, error)
	Decode(compressed []byte) ([]byte, error)
}

// Lookup returns the Codec for a configured name, or an error for an
// unknown one.
func Lookup(name Name) (Codec, error) {
	switch name {
	case "", None:
		return noneCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case LZF:
		return lzfCodec{}, nil
	default:
		return nil, fmt.Errorf("wirecodec: unknown codec %q", name)
	}
}

type noneCodec struct{}

func (noneCodec) Name() Name                         { return None }
func (noneCodec) Encode(p []byte) ([]byte, error)    { return p, nil }
func (noneCodec) Decode(p []byte) ([]byte, error)    { return p, nil }

// gzipCodec uses klauspost/compress/gzip, a drop-in faster replacement for
// the standard library's gzip package.
type gzipCodec struct{}

func (gzipCodec) Name() Name { return Gzip }

func (gzipCodec) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("wirecodec: gzip encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wirecodec: gzip encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("wirecodec: gzip decode: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wirecodec: gzip decode: %w", err)
	}
	return out, nil
}

// lz4Codec uses pierrec/lz4/v4's streaming frame format.
type lz4Codec struct{}

func (lz4Codec) Name() Name { return LZ4 }

func (lz4Codec) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("wirecodec: lz4 encode: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wirecodec: lz4 encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(compressed []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(compressed))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wirecodec: lz4 decode: %w", err)
	}
	return out, nil
}

// lzfCodec uses zhuyie/golzf, a buffer-to-buffer LZF implementation (no
// streaming API), so the output buffer must be preallocated generously and
// shrunk to the reported length.
type lzfCodec struct{}

func (lzfCodec) Name() Name { return LZF }

func (lzfCodec) Encode(plain []byte) ([]byte, error) {
	// LZF never expands data by more than a few bytes per the format's
	// worst case; size the output buffer with headroom.
	out := make([]byte, len(plain)+len(plain)/16+64)
	n, err := golzf.Compress(plain, out)
	if err != nil {
		return nil, fmt.Errorf("wirecodec: lzf encode: %w", err)
	}
	return out[:n], nil
}

func (lzfCodec) Decode(compressed []byte) ([]byte, error) {
	// Decoded size is unknown without an envelope; grow the buffer until
	// golzf stops reporting a too-small output.
	size := len(compressed) * 4
	if size < 256 {
		size = 256
	}
	for {
		out := make([]byte, size)
		n, err := golzf.Decompress(compressed, out)
		if err == nil {
			return out[:n], nil
		}
		size *= 2
		if size > 1<<28 {
			return nil, fmt.Errorf("wirecodec: lzf decode: output too large: %w", err)
		}
	}
}
