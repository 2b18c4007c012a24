package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the value types a document may hold.
// Only Null, String, Int, Bool, Array and Document implement it.
// There is no float type: floats do not survive canonical encoding.
type Value interface {
	value()
}

// Null represents a JSON null.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value. Always int64, never float64.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Document is a map of string keys to values. It is the entity type the
// document service coordinates. Use SortedKeys for deterministic iteration.
type Document map[string]Value

func (Document) value() {}

// Pair is a key-value pair for typed Document construction.
type Pair struct {
	Key   string
	Value Value
}

// F is shorthand for Pair.
// Example: NewDocument(F("title", String("dune")), F("copies", Int(3)))
func F(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// NewDocument builds a Document from typed pairs.
func NewDocument(pairs ...Pair) Document {
	doc := make(Document, len(pairs))
	for _, p := range pairs {
		doc[p.Key] = p.Value
	}
	return doc
}

// Clone returns a deep copy of the document. Snapshots handed to callers are
// clones so that a caller mutating its copy cannot change the coordinator's
// belief about persisted state.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch val := v.(type) {
	case Array:
		arr := make(Array, len(val))
		for i, elem := range val {
			arr[i] = cloneValue(elem)
		}
		return arr
	case Document:
		return val.Clone()
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison uses UTF-8 bytes, which orders some keys differently.
func (d Document) SortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// UnmarshalJSON implements json.Unmarshaler for Document.
func (d *Document) UnmarshalJSON(data []byte) error {
	v, err := ParseValue(data)
	if err != nil {
		return err
	}
	doc, ok := v.(Document)
	if !ok {
		return fmt.Errorf("document must be a JSON object, got %T", v)
	}
	*d = doc
	return nil
}

// MarshalJSON implements json.Marshaler for Document using canonical encoding.
func (d Document) MarshalJSON() ([]byte, error) {
	return MarshalCanonical(d)
}

// ParseDocument decodes a JSON object into a Document.
func ParseDocument(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// ParseValue decodes JSON into a Value. Floats are rejected; null becomes Null.
func ParseValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return FromGo(raw)
}

// FromGo converts decoded JSON or YAML data (maps, slices, scalars) into a
// Value. It accepts the shapes produced by encoding/json (with UseNumber) and
// gopkg.in/yaml.v3.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > 1<<63-1 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return Int(int64(val)), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("integer out of int64 range: %s", s)
		}
		return Int(n), nil
	case float32, float64:
		return nil, fmt.Errorf("floats are not allowed: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		doc := make(Document, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			doc[k] = conv
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
