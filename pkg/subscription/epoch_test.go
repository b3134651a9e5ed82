package subscription

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEpochTime(t *testing.T) {
	want2030 := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want *time.Time
	}{
		{name: "integer", raw: `1893456000`, want: &want2030},
		{name: "float", raw: `1893456000.0`, want: &want2030},
		{name: "numeric string", raw: `"1893456000"`, want: &want2030},
		{name: "padded string", raw: `" 1893456000 "`, want: &want2030},
		{name: "null", raw: `null`},
		{name: "missing", raw: ``},
		{name: "zero", raw: `0`},
		{name: "negative", raw: `-5`},
		{name: "word", raw: `"soon"`},
		{name: "empty string", raw: `""`},
		{name: "bool", raw: `true`},
		{name: "object", raw: `{"seconds":1}`},
		{name: "NaN string", raw: `"NaN"`},
		{name: "infinity string", raw: `"Inf"`},
		{name: "far future", raw: `99999999999999`},
		{name: "broken string", raw: `"189345`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EpochTime(json.RawMessage(tt.raw))
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("EpochTime(%s) = %v, want nil", tt.raw, got)
			case tt.want != nil && got == nil:
				t.Fatalf("EpochTime(%s) = nil, want %v", tt.raw, tt.want)
			case tt.want != nil && !got.Equal(*tt.want):
				t.Fatalf("EpochTime(%s) = %v, want %v", tt.raw, got, tt.want)
			}
			if got != nil && got.Location() != time.UTC {
				t.Errorf("location = %v, want UTC", got.Location())
			}
		})
	}
}

func TestEpochTimeISOForm(t *testing.T) {
	got := EpochTime(json.RawMessage(`1893456000`))
	if got == nil {
		t.Fatal("expected time")
	}
	if s := got.Format(time.RFC3339); s != "2030-01-01T00:00:00Z" {
		t.Errorf("RFC3339 = %s", s)
	}
}
