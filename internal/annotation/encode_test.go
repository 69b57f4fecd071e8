package annotation

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEncode_WrapsLinesAndEscapes(t *testing.T) {
	got := Encode("a<b\nc&d")
	want := "<d><w:p><w:t>a&lt;b\n</w:t></w:p><w:p><w:t>c&amp;d</w:t></w:p></d>"
	if got != want {
		t.Fatalf("Encode = %q\nwant     %q", got, want)
	}
}

func TestAdjustOffset_MonotonicAndComplete(t *testing.T) {
	text := "Șef: Ion & <Ana>\n\tstr. Mihai Eminescu nr. 5 ăp. 3\n"
	enc := Encode(text)

	prev := 0
	for pos := 0; pos <= len(enc); pos++ {
		got := AdjustOffset(enc, pos)
		if got < prev {
			t.Fatalf("AdjustOffset decreased at %d: %d < %d", pos, got, prev)
		}
		prev = got
	}
	if prev != utf8.RuneCountInString(text) {
		t.Fatalf("full text maps to %d, want %d", prev, utf8.RuneCountInString(text))
	}
}

func TestAdjustOffset_InsideUnitClampsToStart(t *testing.T) {
	enc := Encode("a&b")
	amp := strings.Index(enc, "&amp;")
	if got := AdjustOffset(enc, amp); got != 1 {
		t.Fatalf("at escape start: %d", got)
	}
	for pos := amp + 1; pos < amp+len("&amp;"); pos++ {
		if got := AdjustOffset(enc, pos); got != 1 {
			t.Fatalf("inside escape at %d: got %d, want 1", pos, got)
		}
	}
	if got := AdjustOffset(enc, amp+len("&amp;")); got != 2 {
		t.Fatalf("after escape: %d", got)
	}
	// inside the leading markers
	for pos := 0; pos <= len("<d><w:p><w:t>"); pos++ {
		if got := AdjustOffset(enc, pos); got != 0 {
			t.Fatalf("inside markers at %d: got %d", pos, got)
		}
	}
}

func TestAdjustOffset_IdentityOnPlainText(t *testing.T) {
	plain := "no markers here, only ascii"
	for pos := 0; pos <= len(plain); pos++ {
		if got := AdjustOffset(plain, pos); got != pos {
			t.Fatalf("AdjustOffset(%d) = %d", pos, got)
		}
	}
	if got := AdjustOffset(plain, len(plain)+10); got != len(plain) {
		t.Fatalf("past the end: %d", got)
	}
}

func TestAdjustOffset_MarkerFreePositionsRecoverOriginal(t *testing.T) {
	text := "Ana & Ion <3 Brașov\nOradea"
	enc := Encode(text)
	for _, sub := range []string{"Ana", "Ion", "Brașov", "Oradea"} {
		encPos := strings.Index(enc, sub)
		want := utf8.RuneCountInString(text[:strings.Index(text, sub)])
		if got := AdjustOffset(enc, encPos); got != want {
			t.Errorf("%s: got %d, want %d", sub, got, want)
		}
	}
}

func TestSanitize(t *testing.T) {
	in := "<w:p><w:t>Co &amp; Co\r\n</w:t></w:p><w:p><w:t>\t&lt;x&gt; &amp;lt;</w:t></w:p>"
	want := "Co & Co   <x> &lt;"
	if got := Sanitize(in); got != want {
		t.Fatalf("Sanitize = %q, want %q", got, want)
	}
}

func TestParseTokens(t *testing.T) {
	input := strings.Join([]string{
		"# sent_id = 1",
		"1\tIon\tIon\tPROPN\t13\t16\tB-PER",
		"2\tPopescu\tPopescu\tPROPN\t17\t24\tI-PER\r",
		"3\tskip",
		"",
		"1\ta\ta\tDET\t25\t26\tO",
	}, "\n")
	tokens, err := ParseTokens(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseTokens: %v", err)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %+v", tokens)
	}
	if tokens[0].Form != "Ion" || tokens[0].Start != 13 || tokens[0].End != 16 || tokens[0].Label != "B-PER" {
		t.Fatalf("first token: %+v", tokens[0])
	}
	if tokens[1].Label != "I-PER" {
		t.Fatalf("trailing CR not trimmed: %+v", tokens[1])
	}
	if !tokens[2].Break {
		t.Fatalf("blank line should be a break: %+v", tokens[2])
	}
}

func TestParseTokens_BadOffset(t *testing.T) {
	_, err := ParseTokens(strings.NewReader("1\tIon\tIon\tPROPN\tx\t3\tB-PER\n"))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line-numbered error, got %v", err)
	}
}

func TestStandoffRoundTrip(t *testing.T) {
	entities := []Entity{
		{ID: 1, Type: "PER", Start: 4, End: 15, Text: "Ion Popescu"},
		{ID: 2, Type: "LOC", Start: 40, End: 49, Text: "București"},
	}
	var buf bytes.Buffer
	if err := WriteStandoff(&buf, entities); err != nil {
		t.Fatalf("WriteStandoff: %v", err)
	}
	parsed, err := ParseStandoff(&buf)
	if err != nil {
		t.Fatalf("ParseStandoff: %v", err)
	}
	if len(parsed) != len(entities) {
		t.Fatalf("got %d entities", len(parsed))
	}
	for i := range entities {
		if parsed[i] != entities[i] {
			t.Fatalf("entity %d: got %+v want %+v", i, parsed[i], entities[i])
		}
	}

	if _, err := ParseStandoff(strings.NewReader("X1\tPER 0 3\tIon\n")); err == nil {
		t.Fatalf("expected error for malformed id")
	}
}
