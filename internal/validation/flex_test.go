package validation

import (
	"encoding/json"
	"testing"
)

func TestFlexString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"v":"42"}`, "42"},
		{`{"v":42}`, "42"},
		{`{"v":1.01}`, "1.01"},
		{`{"v":null}`, ""},
		{`{}`, ""},
	}
	for _, tt := range tests {
		var body struct {
			V FlexString `json:"v"`
		}
		if err := json.Unmarshal([]byte(tt.in), &body); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if body.V.String() != tt.want {
			t.Errorf("%s: got %q, want %q", tt.in, body.V, tt.want)
		}
	}

	var bad struct {
		V FlexString `json:"v"`
	}
	if err := json.Unmarshal([]byte(`{"v":true}`), &bad); err == nil {
		t.Error("expected error for boolean")
	}
}
