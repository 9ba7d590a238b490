package jsoncodec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

type testPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{ID: 42, Name: "marketflow"}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{ID: 7, Name: "stream"}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestUnmarshalUseNumber(t *testing.T) {
	var out map[string]any
	if err := UnmarshalUseNumber([]byte(`{"ts":1700000000123,"price":150.2}`), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	ts, ok := out["ts"].(json.Number)
	if !ok {
		t.Fatalf("expected json.Number, got %T", out["ts"])
	}
	if ts.String() != "1700000000123" {
		t.Fatalf("expected integer literal to survive, got %s", ts)
	}
}

func TestMarshalSortsMapKeys(t *testing.T) {
	data, err := Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"a":1,"b":2,"c":3}` {
		t.Fatalf("expected sorted keys, got %s", data)
	}
	if !Valid(data) || Valid([]byte("{")) {
		t.Fatal("unexpected Valid result")
	}
}
