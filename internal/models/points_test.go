package models

import (
	"encoding/json"
	"testing"
)

func TestParsePoints(t *testing.T) {
	cases := []struct {
		in   string
		want Points
	}{
		{"12", 12_000_000},
		{"0.5", 500_000},
		{".25", 250_000},
		{"-3.000001", -3_000_001},
		{"+7", 7_000_000},
		{"0.000001", 1},
	}
	for _, tc := range cases {
		got, err := ParsePoints(tc.in)
		if err != nil {
			t.Fatalf("ParsePoints(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParsePoints(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{"", "abc", "1.0000001", "-", ".", "1.2.3", "--1"} {
		if _, err := ParsePoints(bad); err == nil {
			t.Errorf("ParsePoints(%q) expected error", bad)
		}
	}
}

func TestPointsString(t *testing.T) {
	if s := Points(12_500_000).String(); s != "12.500000" {
		t.Errorf("got %s", s)
	}
	if s := Points(-1).String(); s != "-0.000001" {
		t.Errorf("got %s", s)
	}
}

func TestPointsJSON(t *testing.T) {
	body, err := json.Marshal(struct {
		Balance Points `json:"balance"`
	}{Balance: WholePoints(10)})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(body) != `{"balance":10.000000}` {
		t.Errorf("unexpected JSON %s", body)
	}

	var req struct {
		Delta Points `json:"delta"`
	}
	if err := json.Unmarshal([]byte(`{"delta":"-2.5"}`), &req); err != nil {
		t.Fatalf("unmarshal string failed: %v", err)
	}
	if req.Delta != -2_500_000 {
		t.Errorf("got %d", req.Delta)
	}
	if err := json.Unmarshal([]byte(`{"delta":3}`), &req); err != nil {
		t.Fatalf("unmarshal number failed: %v", err)
	}
	if req.Delta != WholePoints(3) {
		t.Errorf("got %d", req.Delta)
	}
}
