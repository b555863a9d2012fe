package shell

import (
	"testing"
	"unicode/utf8"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientMessage
		ok   bool
	}{
		{"auth", `{"type":"auth","username":"smp4"}`, AuthMessage{Username: "smp4"}, true},
		{"auth without username", `{"type":"auth"}`, nil, false},
		{"input", `{"type":"input","data":"ls\n"}`, InputMessage{Data: "ls\n"}, true},
		{"resize", `{"type":"resize","rows":40,"cols":120}`, ResizeMessage{Rows: 40, Cols: 120}, true},
		{"resize clamped", `{"type":"resize","rows":9999,"cols":9999}`, ResizeMessage{Rows: MaxRows, Cols: MaxCols}, true},
		{"resize zero", `{"type":"resize","rows":0,"cols":80}`, nil, false},
		{"unknown type", `{"type":"exec","data":"rm -rf /"}`, nil, false},
		{"missing type", `{"data":"x"}`, nil, false},
		{"not json", `ls -la`, nil, false},
		{"wrong field type", `{"type":"resize","rows":"big"}`, nil, false},
		{"server frame", `{"type":"connected"}`, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseClientMessage([]byte(tt.raw))
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestSplitUTF8(t *testing.T) {
	s := []byte("héllo 世界")
	for cut := 0; cut <= len(s); cut++ {
		complete, rest := splitUTF8(append([]byte(nil), s[:cut]...))
		if !utf8.Valid(complete) {
			t.Errorf("cut %d: complete part %q is not valid UTF-8", cut, complete)
		}
		if string(complete)+string(rest) != string(s[:cut]) {
			t.Errorf("cut %d: lost bytes", cut)
		}
		if len(rest) >= utf8.UTFMax {
			t.Errorf("cut %d: held back %d bytes", cut, len(rest))
		}
	}
}
