package writer

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRenderValueEpochBoundary(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"below range", int64(999999999999), "999999999999"},
		{"lower bound", int64(1000000000000), "2001-09-09 09:46:40"},
		{"inside range", json.Number("1700000000000"), "2023-11-15 06:13:20"},
		{"float inside range", float64(1700000000000), "2023-11-15 06:13:20"},
		{"upper bound excluded", int64(10000000000000), "10000000000000"},
		{"fractional float", 1700000000000.5, "1700000000000.5"},
		{"plain number", json.Number("42.5"), "42.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderValue(tt.in, loc); got != tt.want {
				t.Fatalf("renderValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRenderValueShapes(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"object", map[string]interface{}{"b": 2, "a": 1}, `{"a":1,"b":2}`},
		{"array", []interface{}{1, "x"}, `[1,"x"]`},
		{"dotted clock", "9.30.00", "'9:30:00"},
		{"colon clock", "14:05:59", "'14:05:59"},
		{"date untouched", "2024-01-02", "2024-01-02"},
		{"decimal untouched", "10.5", "10.5"},
		{"bool", true, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderValue(tt.in, time.UTC); got != tt.want {
				t.Fatalf("renderValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeCell(t *testing.T) {
	tests := map[string]string{
		"plain":       "plain",
		"a,b":         `"a,b"`,
		`say "hi"`:    `"say ""hi"""`,
		"line\nbreak": "\"line\nbreak\"",
		"cr\rhere":    "\"cr\rhere\"",
	}
	for in, want := range tests {
		if got := escapeCell(in); got != want {
			t.Fatalf("escapeCell(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHeaderCell(t *testing.T) {
	display := map[string]string{"price": "价格", "qty": "qty"}
	if got := headerCell("price", display); got != "价格(price)" {
		t.Fatalf("unexpected header %q", got)
	}
	if got := headerCell("qty", display); got != "qty" {
		t.Fatalf("display equal to field should collapse, got %q", got)
	}
	if got := headerCell("volume", display); got != "volume" {
		t.Fatalf("unexpected header %q", got)
	}
}

func TestSafeFileName(t *testing.T) {
	tests := map[string]string{
		"SZ.000001": "SZ.000001",
		"A/B:C":     "A_B_C",
		"":          "UNKNOWN",
		"..":        "UNKNOWN",
	}
	for in, want := range tests {
		if got := safeFileName(in); got != want {
			t.Fatalf("safeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
