package storeadapter

import (
	"encoding/json"
	"fmt"

	"github.com/kraklabs/docengine/internal/value"
)

// wireValue is encode.go's own JSON persistence shape for a value.Value
// node. It is scoped strictly to storeadapter's Redis-backed storage needs
// and is not a stand-in for the out-of-scope wire value format named in
// spec.md §1 — it carries none of that format's field-mask or transform
// semantics, just enough structure to round-trip through Redis.
type wireValue struct {
	Kind      value.Kind            `json:"k"`
	Bool      bool                  `json:"b,omitempty"`
	Int64     int64                 `json:"i,omitempty"`
	Double    float64               `json:"d,omitempty"`
	String    string                `json:"s,omitempty"`
	Bytes     []byte                `json:"y,omitempty"`
	Reference string                `json:"r,omitempty"`
	Array     []*wireValue          `json:"a,omitempty"`
	Map       map[string]*wireValue `json:"m,omitempty"`
}

func toWire(v *value.Value) *wireValue {
	if v == nil {
		return nil
	}
	w := &wireValue{Kind: v.Kind, Bool: v.Bool, Int64: v.Int64, Double: v.Double, String: v.String, Bytes: v.Bytes, Reference: v.Reference}
	for _, el := range v.Array {
		w.Array = append(w.Array, toWire(el))
	}
	if v.Map != nil {
		w.Map = make(map[string]*wireValue, len(v.Map))
		for k, el := range v.Map {
			w.Map[k] = toWire(el)
		}
	}
	return w
}

func fromWire(w *wireValue) *value.Value {
	if w == nil {
		return nil
	}
	v := &value.Value{Kind: w.Kind, Bool: w.Bool, Int64: w.Int64, Double: w.Double, String: w.String, Bytes: w.Bytes, Reference: w.Reference}
	for _, el := range w.Array {
		v.Array = append(v.Array, fromWire(el))
	}
	if w.Map != nil {
		v.Map = make(map[string]*value.Value, len(w.Map))
		for k, el := range w.Map {
			v.Map[k] = fromWire(el)
		}
	}
	return v
}

// encodeField serializes a field value to bytes suitable for a Redis hash
// field, compressing through s.codec once the plain encoding exceeds the
// configured threshold. A one-byte header records whether the payload that
// follows is compressed so decodeField can tell.
func (s *Store) encodeField(v *value.Value) ([]byte, error) {
	plain, err := json.Marshal(toWire(v))
	if err != nil {
		return nil, fmt.Errorf("storeadapter: encode field: %w", err)
	}
	if len(plain) <= s.cfg.CompressionThreshold {
		return append([]byte{0}, plain...), nil
	}
	compressed, err := s.codec.Encode(plain)
	if err != nil {
		return nil, fmt.Errorf("storeadapter: compress field: %w", err)
	}
	return append([]byte{1}, compressed...), nil
}

func (s *Store) decodeField(raw []byte) (*value.Value, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("storeadapter: empty field payload")
	}
	body := raw[1:]
	if raw[0] == 1 {
		plain, err := s.codec.Decode(body)
		if err != nil {
			return nil, fmt.Errorf("storeadapter: decompress field: %w", err)
		}
		body = plain
	}
	var w wireValue
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("storeadapter: decode field: %w", err)
	}
	return fromWire(&w), nil
}
