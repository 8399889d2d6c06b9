package liveql

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestWireValueCanonicalKeyOrder(t *testing.T) {
	var a WireValue
	err := json.Unmarshal([]byte(`{"x":1,"y":{"b":true,"a":[1,2,3]}}`), &a)
	assert.Equal(t, err, nil)

	var b WireValue
	err = json.Unmarshal([]byte(`{"y":{"a":[1,2,3],"b":true},"x":1}`), &b)
	assert.Equal(t, err, nil)

	assert.Equal(t, string(a.CanonicalJSON()), string(b.CanonicalJSON()))
	assert.Equal(t, a.Equal(b), true)
	assert.Equal(t, string(a.CanonicalJSON()), `{"x":1,"y":{"a":[1,2,3],"b":true}}`)
}

func TestWireValueNumberFormat(t *testing.T) {
	var a WireValue
	err := json.Unmarshal([]byte(`{"n":1.0}`), &a)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(a.CanonicalJSON()), `{"n":1}`)

	var b WireValue
	err = json.Unmarshal([]byte(`{"n":1.5}`), &b)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b.CanonicalJSON()), `{"n":1.5}`)

	assert.Equal(t, a.Equal(b), false)
}

func TestWireValueOf(t *testing.T) {
	type row struct {
		Title string `json:"title"`
		Done  bool   `json:"done"`
	}

	v, err := WireValueOf(&row{Title: "Ship v1", Done: true})
	assert.Equal(t, err, nil)
	assert.Equal(t, v.Kind(), WireMap)

	title, ok := v.Get("title")
	assert.Equal(t, ok, true)
	assert.Equal(t, title.Str(), "Ship v1")
	done, ok := v.Get("done")
	assert.Equal(t, ok, true)
	assert.Equal(t, done.Bool(), true)
}

func TestWireValueRoundTrip(t *testing.T) {
	src := `{"list":[null,true,"s",2.5],"nested":{"k":"v"}}`
	var v WireValue
	err := json.Unmarshal([]byte(src), &v)
	assert.Equal(t, err, nil)

	out, err := json.Marshal(v)
	assert.Equal(t, err, nil)

	var v2 WireValue
	err = json.Unmarshal(out, &v2)
	assert.Equal(t, err, nil)
	assert.Equal(t, v.Equal(v2), true)
}

func TestCursorCodec(t *testing.T) {
	var cursor Cursor
	err := json.Unmarshal([]byte(`["e1","attr-1","v",100]`), &cursor)
	assert.Equal(t, err, nil)
	assert.Equal(t, cursor.EntityId, "e1")
	assert.Equal(t, cursor.AttributeId, "attr-1")
	assert.Equal(t, cursor.Value.Str(), "v")
	assert.Equal(t, cursor.Timestamp, int64(100))

	other := Cursor{EntityId: "e1", AttributeId: "attr-1", Value: WireStringValue("v"), Timestamp: 100}
	assert.Equal(t, cursor.Equal(other), true)
	assert.Equal(t, cursor.Key(), other.Key())

	// not a 4-tuple
	err = json.Unmarshal([]byte(`["e1","attr-1"]`), &cursor)
	assert.NotEqual(t, err, nil)
}
