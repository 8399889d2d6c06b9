package liveql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// the wire protocol is dynamic json. `WireValue` is the tagged in-memory form of
// one json value, so business logic never passes bare `any` around. the canonical
// encoding (sorted map keys, minimal numbers) is what query fingerprints hash,
// making fingerprints independent of key order. see subscription.go.

type WireKind int

const (
	WireNull WireKind = iota
	WireBool
	WireNumber
	WireString
	WireList
	WireMap
)

func (self WireKind) String() string {
	switch self {
	case WireNull:
		return "null"
	case WireBool:
		return "bool"
	case WireNumber:
		return "number"
	case WireString:
		return "string"
	case WireList:
		return "list"
	case WireMap:
		return "map"
	default:
		return fmt.Sprintf("kind(%d)", int(self))
	}
}

type WireValue struct {
	kind WireKind
	b    bool
	n    float64
	s    string
	l    []WireValue
	m    map[string]WireValue
}

func WireNullValue() WireValue {
	return WireValue{kind: WireNull}
}

func WireBoolValue(b bool) WireValue {
	return WireValue{kind: WireBool, b: b}
}

func WireNumberValue(n float64) WireValue {
	return WireValue{kind: WireNumber, n: n}
}

func WireStringValue(s string) WireValue {
	return WireValue{kind: WireString, s: s}
}

func WireListValue(items ...WireValue) WireValue {
	return WireValue{kind: WireList, l: items}
}

func WireMapValue(m map[string]WireValue) WireValue {
	if m == nil {
		m = map[string]WireValue{}
	}
	return WireValue{kind: WireMap, m: m}
}

// converts an ordinary go value (structs included) via its json form
func WireValueOf(v any) (WireValue, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return WireValue{}, &EncodingError{Message: "cannot convert value", Cause: err}
	}
	var out WireValue
	if err := json.Unmarshal(b, &out); err != nil {
		return WireValue{}, err
	}
	return out, nil
}

func RequireWireValueOf(v any) WireValue {
	out, err := WireValueOf(v)
	if err != nil {
		panic(err)
	}
	return out
}

func (self WireValue) Kind() WireKind {
	return self.kind
}

func (self WireValue) IsNull() bool {
	return self.kind == WireNull
}

func (self WireValue) Bool() bool {
	return self.b
}

func (self WireValue) Number() float64 {
	return self.n
}

func (self WireValue) Str() string {
	return self.s
}

func (self WireValue) List() []WireValue {
	return self.l
}

func (self WireValue) Map() map[string]WireValue {
	return self.m
}

func (self WireValue) Get(key string) (WireValue, bool) {
	if self.kind != WireMap {
		return WireValue{}, false
	}
	v, ok := self.m[key]
	return v, ok
}

func (self WireValue) Equal(other WireValue) bool {
	if self.kind != other.kind {
		return false
	}
	switch self.kind {
	case WireNull:
		return true
	case WireBool:
		return self.b == other.b
	case WireNumber:
		return self.n == other.n
	case WireString:
		return self.s == other.s
	case WireList:
		if len(self.l) != len(other.l) {
			return false
		}
		for i := range self.l {
			if !self.l[i].Equal(other.l[i]) {
				return false
			}
		}
		return true
	case WireMap:
		if len(self.m) != len(other.m) {
			return false
		}
		for k, v := range self.m {
			otherV, ok := other.m[k]
			if !ok || !v.Equal(otherV) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (self WireValue) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	self.canonical(&buff)
	return buff.Bytes(), nil
}

func (self *WireValue) UnmarshalJSON(src []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(src))
	decoder.UseNumber()
	var v any
	if err := decoder.Decode(&v); err != nil {
		return &DecodingError{Message: "bad wire value", Cause: err}
	}
	out, err := wireFromDecoded(v)
	if err != nil {
		return err
	}
	*self = out
	return nil
}

func wireFromDecoded(v any) (WireValue, error) {
	switch t := v.(type) {
	case nil:
		return WireNullValue(), nil
	case bool:
		return WireBoolValue(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return WireValue{}, &DecodingError{Message: "bad wire number", Cause: err}
		}
		return WireNumberValue(n), nil
	case string:
		return WireStringValue(t), nil
	case []any:
		items := make([]WireValue, len(t))
		for i, item := range t {
			out, err := wireFromDecoded(item)
			if err != nil {
				return WireValue{}, err
			}
			items[i] = out
		}
		return WireListValue(items...), nil
	case map[string]any:
		m := make(map[string]WireValue, len(t))
		for k, item := range t {
			out, err := wireFromDecoded(item)
			if err != nil {
				return WireValue{}, err
			}
			m[k] = out
		}
		return WireMapValue(m), nil
	default:
		return WireValue{}, &DecodingError{Message: fmt.Sprintf("bad wire value type %T", v)}
	}
}

// CanonicalJSON is the deterministic encoding: map keys sorted, numbers in
// minimal form. structurally equal values always produce the same bytes.
func (self WireValue) CanonicalJSON() []byte {
	var buff bytes.Buffer
	self.canonical(&buff)
	return buff.Bytes()
}

func (self WireValue) canonical(buff *bytes.Buffer) {
	switch self.kind {
	case WireNull:
		buff.WriteString("null")
	case WireBool:
		if self.b {
			buff.WriteString("true")
		} else {
			buff.WriteString("false")
		}
	case WireNumber:
		buff.WriteString(formatWireNumber(self.n))
	case WireString:
		b, _ := json.Marshal(self.s)
		buff.Write(b)
	case WireList:
		buff.WriteByte('[')
		for i, item := range self.l {
			if 0 < i {
				buff.WriteByte(',')
			}
			item.canonical(buff)
		}
		buff.WriteByte(']')
	case WireMap:
		keys := make([]string, 0, len(self.m))
		for k := range self.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buff.WriteByte('{')
		for i, k := range keys {
			if 0 < i {
				buff.WriteByte(',')
			}
			b, _ := json.Marshal(k)
			buff.Write(b)
			buff.WriteByte(':')
			v := self.m[k]
			v.canonical(buff)
		}
		buff.WriteByte('}')
	}
}

func formatWireNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < (1<<53) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}
