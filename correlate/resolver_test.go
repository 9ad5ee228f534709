package correlate

import (
	"strings"
	"testing"
)

func TestExtractID(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   string
		wantOK bool
	}{
		{name: "nil", fields: nil, want: "", wantOK: false},
		{name: "empty", fields: map[string]any{}, want: "", wantOK: false},
		{name: "toolUseId", fields: map[string]any{"toolUseId": "u1"}, want: "u1", wantOK: true},
		{name: "toolCallId", fields: map[string]any{"toolCallId": "c1"}, want: "c1", wantOK: true},
		{name: "snake-case", fields: map[string]any{"tool_use_id": "u2"}, want: "u2", wantOK: true},
		{name: "bare-id", fields: map[string]any{"id": "x9"}, want: "x9", wantOK: true},
		{
			name:   "priority-over-id",
			fields: map[string]any{"id": "low", "toolUseId": "high"},
			want:   "high",
			wantOK: true,
		},
		{
			name:   "nested-content",
			fields: map[string]any{"content": map[string]any{"toolCallId": "n1"}},
			want:   "n1",
			wantOK: true,
		},
		{
			name:   "nested-metadata",
			fields: map[string]any{"metadata": map[string]any{"id": "m1"}},
			want:   "m1",
			wantOK: true,
		},
		{
			name:   "top-level-beats-nested",
			fields: map[string]any{"id": "top", "content": map[string]any{"toolUseId": "deep"}},
			want:   "top",
			wantOK: true,
		},
		{name: "non-string", fields: map[string]any{"toolUseId": 7}, want: "", wantOK: false},
		{name: "empty-string", fields: map[string]any{"toolUseId": ""}, want: "", wantOK: false},
		{name: "unknown-field", fields: map[string]any{"callRef": "r1"}, want: "", wantOK: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractID(tc.fields)
			if got != tc.want || ok != tc.wantOK {
				t.Fatalf("ExtractID(%v) = (%q, %v), want (%q, %v)", tc.fields, got, ok, tc.want, tc.wantOK)
			}
		})
	}
}

func TestStartID_Explicit(t *testing.T) {
	r := NewResolver(1)
	if got := r.StartID("bash", "u1"); got != "u1" {
		t.Fatalf("StartID = %q, want u1", got)
	}
	if pending := r.Pending("bash"); len(pending) != 1 || pending[0] != "u1" {
		t.Fatalf("Pending = %v, want [u1]", pending)
	}
}

func TestStartID_Synthesized(t *testing.T) {
	r := NewResolver(7)
	got := r.StartID("Read File!", "")
	if got != "tool_7_read_file__1" {
		t.Fatalf("StartID = %q, want tool_7_read_file__1", got)
	}
	got = r.StartID("Read File!", "")
	if got != "tool_7_read_file__2" {
		t.Fatalf("second StartID = %q, want tool_7_read_file__2", got)
	}
}

func TestCompleteID_ExplicitMatch(t *testing.T) {
	r := NewResolver(1)
	r.StartID("bash", "u1")
	r.StartID("bash", "u2")

	if got := r.CompleteID("bash", "u2"); got != "u2" {
		t.Fatalf("CompleteID = %q, want u2", got)
	}
	if pending := r.Pending("bash"); len(pending) != 1 || pending[0] != "u1" {
		t.Fatalf("Pending = %v, want [u1]", pending)
	}
}

// A backend that labels the start with toolCallId and the completion with a
// different toolUseId must still unify both sides onto one canonical ID.
func TestCompleteID_UnknownExplicitFallsBackToFIFO(t *testing.T) {
	r := NewResolver(1)
	r.StartID("bash", "c1")

	if got := r.CompleteID("bash", "u1"); got != "c1" {
		t.Fatalf("CompleteID = %q, want c1", got)
	}
	if got := r.Resolve("u1"); got != "c1" {
		t.Fatalf("Resolve(u1) = %q, want c1 after aliasing", got)
	}
	if pending := r.Pending("bash"); len(pending) != 0 {
		t.Fatalf("Pending = %v, want empty", pending)
	}
}

func TestCompleteID_NoExplicitPopsFIFO(t *testing.T) {
	r := NewResolver(1)
	r.StartID("bash", "a")
	r.StartID("bash", "b")

	if got := r.CompleteID("bash", ""); got != "a" {
		t.Fatalf("first CompleteID = %q, want oldest a", got)
	}
	if got := r.CompleteID("bash", ""); got != "b" {
		t.Fatalf("second CompleteID = %q, want b", got)
	}
}

func TestCompleteID_EmptyQueueSynthesizes(t *testing.T) {
	r := NewResolver(3)
	got := r.CompleteID("grep", "")
	if !strings.HasPrefix(got, "tool_3_grep_") {
		t.Fatalf("CompleteID = %q, want synthesized tool_3_grep_*", got)
	}
}

func TestCompleteID_AliasedExplicit(t *testing.T) {
	r := NewResolver(1)
	r.StartID("bash", "canon")
	r.Alias("native", "canon")

	if got := r.CompleteID("bash", "native"); got != "canon" {
		t.Fatalf("CompleteID = %q, want canon", got)
	}
}

func TestAllPendingAndReset(t *testing.T) {
	r := NewResolver(1)
	r.StartID("bash", "b1")
	r.StartID("grep", "g1")

	all := r.AllPending()
	if len(all) != 2 {
		t.Fatalf("AllPending = %v, want 2 tool names", all)
	}

	r.Reset()
	if len(r.AllPending()) != 0 {
		t.Fatal("AllPending after Reset should be empty")
	}
	if got := r.Resolve("native"); got != "native" {
		t.Fatalf("Resolve after Reset = %q, want passthrough", got)
	}
}
