package chunk

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortMessageSinglePartNoMarker(t *testing.T) {
	parts, err := Split("hello mesh", 200)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0].Payload != "hello mesh" {
		t.Errorf("payload altered: %q", parts[0].Payload)
	}
	if strings.HasPrefix(parts[0].Payload, "[") {
		t.Error("single part must not carry a marker")
	}
}

func TestSplitLongMessageRespectsByteBudget(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 17) // 459 bytes
	parts, err := Split(text, 200)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts for ~450 bytes at 200 max, got %d", len(parts))
	}
	for _, p := range parts {
		if len(p.Payload) > 200 {
			t.Errorf("part %d/%d is %d bytes, exceeds 200", p.Index, p.Total, len(p.Payload))
		}
		if !strings.HasPrefix(p.Payload, "[") {
			t.Errorf("part %d missing marker: %q", p.Index, p.Payload[:20])
		}
	}
}

func TestSplitRoundTripExact(t *testing.T) {
	texts := []string{
		strings.Repeat("the quick brown fox jumps over the lazy dog ", 12),
		strings.Repeat("nospacesatall", 40),
		strings.Repeat("héllo wörld ünïcode ", 25),
	}
	for _, text := range texts {
		parts, err := Split(text, 120)
		if err != nil {
			t.Fatalf("Split failed: %v", err)
		}
		var b strings.Builder
		for _, p := range parts {
			got := ParseMarker(p.Payload)
			if got.Index != p.Index || got.Total != p.Total {
				t.Fatalf("marker round-trip mismatch: sent %d/%d, parsed %d/%d",
					p.Index, p.Total, got.Index, got.Total)
			}
			b.WriteString(got.Payload)
		}
		if b.String() != text {
			t.Errorf("reassembly differs from input (len %d vs %d)", b.Len(), len(text))
		}
	}
}

func TestSplitUTF8Boundaries(t *testing.T) {
	text := strings.Repeat("日本語のテキストです。", 20)
	parts, err := Split(text, 100)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	var b strings.Builder
	for _, p := range parts {
		seg := ParseMarker(p.Payload).Payload
		if !utf8.ValidString(seg) {
			t.Errorf("part %d cut inside a rune: %q", p.Index, seg)
		}
		b.WriteString(seg)
	}
	if b.String() != text {
		t.Error("reassembly differs from input")
	}
}

func TestSplitRejectsEmpty(t *testing.T) {
	if _, err := Split("   ", 200); err != ErrEmptyMessage {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := Split("hi", 10); err == nil {
		t.Error("expected error for tiny max bytes")
	}
}

func TestParseMarker(t *testing.T) {
	cases := []struct {
		payload string
		index   int
		total   int
		rest    string
	}{
		{"[2/3] middle part", 2, 3, "middle part"},
		{"no marker here", 1, 1, "no marker here"},
		{"[0/3] bad index", 1, 1, "[0/3] bad index"},
		{"[5/3] out of range", 1, 1, "[5/3] out of range"},
		{"[1/1] looks split", 1, 1, "looks split"},
	}
	for _, c := range cases {
		got := ParseMarker(c.payload)
		if got.Index != c.index || got.Total != c.total || got.Payload != c.rest {
			t.Errorf("ParseMarker(%q) = {%d %d %q}, want {%d %d %q}",
				c.payload, got.Index, got.Total, got.Payload, c.index, c.total, c.rest)
		}
	}
}
