package annotation

import (
	"strings"
	"unicode/utf8"
)

// Structural markers wrapped around every line of the intermediate text.
const (
	markerDocOpen   = "<d>"
	markerDocClose  = "</d>"
	markerParaOpen  = "<w:p>"
	markerParaClose = "</w:p>"
	markerTextOpen  = "<w:t>"
	markerTextClose = "</w:t>"
)

var markers = []string{
	markerParaOpen,
	markerTextOpen,
	markerParaClose,
	markerTextClose,
	markerDocOpen,
	markerDocClose,
}

// escapes maps each escape sequence to the single character it stands for.
var escapes = []struct {
	seq  string
	char string
}{
	{"&amp;", "&"},
	{"&lt;", "<"},
	{"&gt;", ">"},
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// sanitizer runs in a single pass so "&amp;lt;" decodes to "&lt;", not "<".
var sanitizer = func() *strings.Replacer {
	pairs := make([]string, 0, 2*(len(markers)+len(escapes)+3))
	for _, m := range markers {
		pairs = append(pairs, m, "")
	}
	for _, e := range escapes {
		pairs = append(pairs, e.seq, e.char)
	}
	// line breaks and tabs would corrupt the standoff line; one space keeps
	// the text as long as the span it came from
	pairs = append(pairs, "\r", " ", "\n", " ", "\t", " ")
	return strings.NewReplacer(pairs...)
}()

// Encode builds the intermediate text the annotators see: the document
// wrapped in <d>, each line (line break included) in <w:p><w:t>..</w:t></w:p>,
// with & < > escaped.
func Encode(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 32)
	b.WriteString(markerDocOpen)
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		b.WriteString(markerParaOpen)
		b.WriteString(markerTextOpen)
		b.WriteString(escaper.Replace(line))
		b.WriteString(markerTextClose)
		b.WriteString(markerParaClose)
	}
	b.WriteString(markerDocClose)
	return b.String()
}

// Sanitize turns a slice of intermediate text into display text.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// AdjustOffset maps a byte position in the intermediate text to a character
// offset in the original text. Markers count for nothing, an escape sequence
// for one character, every other rune for one character. A position that
// falls inside a marker, escape or multi-byte rune maps to the offset of that
// unit's start, so the result never decreases as pos grows.
func AdjustOffset(intermediate string, pos int) int {
	if pos <= 0 {
		return 0
	}
	if pos > len(intermediate) {
		pos = len(intermediate)
	}
	offset := 0
	for i := 0; i < pos; {
		size, chars := unitAt(intermediate, i)
		if i+size > pos {
			break
		}
		offset += chars
		i += size
	}
	return offset
}

// unitAt returns the byte length of the unit starting at i and the number of
// original characters it stands for.
func unitAt(s string, i int) (size, chars int) {
	if s[i] == '<' {
		for _, m := range markers {
			if strings.HasPrefix(s[i:], m) {
				return len(m), 0
			}
		}
	}
	if s[i] == '&' {
		for _, e := range escapes {
			if strings.HasPrefix(s[i:], e.seq) {
				return len(e.seq), 1
			}
		}
	}
	_, size = utf8.DecodeRuneInString(s[i:])
	return size, 1
}
