package types

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

// ErrUnsupportedValue is returned when a Record holds, or a JSON document
// contains, a value outside string | int64 | float64 | bool | Record.
var ErrUnsupportedValue = errors.New("unsupported record value")

// Field is one key/value pair of a Record.
type Field struct {
	Key   string
	Value any
}

// Record is an ordered mapping from string keys to primitive values or nested
// Records. Key order is insertion order and survives encoding and decoding.
//
// Record is a value type. With returns a modified copy, so a Record handed to
// the engine can be shared freely without being mutated.
type Record struct {
	fields []Field
}

// NewRecord builds a Record from fields in the given order. A repeated key
// replaces the earlier value in place.
func NewRecord(fields ...Field) Record {
	var r Record
	for _, f := range fields {
		r = r.With(f.Key, f.Value)
	}
	return r
}

// With returns a copy of r with key set to value. Existing keys keep their
// position; new keys are appended. Go integer and float kinds are widened to
// int64 and float64.
func (r Record) With(key string, value any) Record {
	value = widen(value)
	out := Record{fields: make([]Field, len(r.fields), len(r.fields)+1)}
	copy(out.fields, r.fields)
	for i := range out.fields {
		if out.fields[i].Key == key {
			out.fields[i].Value = value
			return out
		}
	}
	out.fields = append(out.fields, Field{Key: key, Value: value})
	return out
}

// Get returns the value stored under key.
func (r Record) Get(key string) (any, bool) {
	for _, f := range r.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.fields) }

// Keys returns the keys in order.
func (r Record) Keys() []string {
	keys := make([]string, len(r.fields))
	for i, f := range r.fields {
		keys[i] = f.Key
	}
	return keys
}

// Fields returns a copy of the fields in order.
func (r Record) Fields() []Field {
	out := make([]Field, len(r.fields))
	copy(out, r.fields)
	return out
}

// Equal reports whether r and o hold the same keys in the same order with
// equal values.
func (r Record) Equal(o Record) bool {
	if len(r.fields) != len(o.fields) {
		return false
	}
	for i, f := range r.fields {
		g := o.fields[i]
		if f.Key != g.Key {
			return false
		}
		fr, ok1 := f.Value.(Record)
		gr, ok2 := g.Value.(Record)
		if ok1 || ok2 {
			if !(ok1 && ok2 && fr.Equal(gr)) {
				return false
			}
			continue
		}
		if f.Value != g.Value {
			return false
		}
	}
	return true
}

// Validate checks that every value, recursively, is a supported type, that
// floats are finite and that keys and strings are valid UTF-8.
func (r Record) Validate() error {
	for _, f := range r.fields {
		if !utf8.ValidString(f.Key) {
			return fmt.Errorf("key %q: invalid UTF-8: %w", f.Key, ErrUnsupportedValue)
		}
		switch v := f.Value.(type) {
		case string:
			if !utf8.ValidString(v) {
				return fmt.Errorf("field %q: invalid UTF-8: %w", f.Key, ErrUnsupportedValue)
			}
		case int64, bool:
		case float64:
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("field %q: non-finite float: %w", f.Key, ErrUnsupportedValue)
			}
		case Record:
			if err := v.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", f.Key, err)
			}
		default:
			return fmt.Errorf("field %q: type %T: %w", f.Key, f.Value, ErrUnsupportedValue)
		}
	}
	return nil
}

// String returns the compact JSON form, or an error marker if r is invalid.
func (r Record) String() string {
	b, err := r.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid record: %v>", err)
	}
	return string(b)
}

// MarshalJSON encodes r as a JSON object with keys in insertion order.
func (r Record) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r.AppendJSON(nil), nil
}

// UnmarshalJSON decodes a JSON object into r, preserving key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return err
	}
	rec, err := FromValue(v)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// ParseRecord decodes one JSON object.
func ParseRecord(data []byte) (Record, error) {
	var r Record
	err := r.UnmarshalJSON(data)
	return r, err
}

// AppendJSON appends the compact JSON form of r to dst. r must already be
// valid.
func (r Record) AppendJSON(dst []byte) []byte {
	dst = append(dst, '{')
	for i, f := range r.fields {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendString(dst, f.Key)
		dst = append(dst, ':')
		dst = appendValue(dst, f.Value)
	}
	return append(dst, '}')
}

func appendValue(dst []byte, v any) []byte {
	switch v := v.(type) {
	case string:
		return appendString(dst, v)
	case int64:
		return strconv.AppendInt(dst, v, 10)
	case float64:
		return append(dst, formatFloat(v)...)
	case bool:
		return strconv.AppendBool(dst, v)
	case Record:
		return v.AppendJSON(dst)
	}
	return append(dst, "null"...)
}

const hexDigits = "0123456789abcdef"

// appendString writes s as a JSON string. s must be valid UTF-8; multi-byte
// sequences and DEL are copied through, which JSON allows.
func appendString(dst []byte, s string) []byte {
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		dst = append(dst, s[start:i]...)
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
		start = i + 1
	}
	dst = append(dst, s[start:]...)
	return append(dst, '"')
}

// formatFloat keeps a decimal point on integral floats so the value decodes
// back as a float64.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// FromValue converts a parsed JSON object into a Record.
func FromValue(v *fastjson.Value) (Record, error) {
	obj, err := v.Object()
	if err != nil {
		return Record{}, fmt.Errorf("record: %w", err)
	}
	var (
		r        Record
		visitErr error
	)
	obj.Visit(func(key []byte, fv *fastjson.Value) {
		if visitErr != nil {
			return
		}
		val, err := scalarOf(fv)
		if err != nil {
			visitErr = fmt.Errorf("field %q: %w", key, err)
			return
		}
		r = r.With(string(key), val) // a repeated key keeps the last value
	})
	if visitErr != nil {
		return Record{}, visitErr
	}
	return r, nil
}

func scalarOf(v *fastjson.Value) (any, error) {
	switch v.Type() {
	case fastjson.TypeString:
		b, err := v.StringBytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case fastjson.TypeNumber:
		raw := string(v.MarshalTo(nil))
		if !strings.ContainsAny(raw, ".eE") {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return n, nil
			}
		}
		return v.Float64()
	case fastjson.TypeTrue:
		return true, nil
	case fastjson.TypeFalse:
		return false, nil
	case fastjson.TypeObject:
		return FromValue(v)
	}
	return nil, fmt.Errorf("json %s: %w", v.Type(), ErrUnsupportedValue)
}

func widen(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case float32:
		return float64(n)
	}
	return v
}
