package annotation

import (
	"io"
)

// Entity is a named-entity span over the original text. Start and End are
// character offsets; End is one past the last character.
type Entity struct {
	ID    int
	Type  string
	Start int
	End   int
	Text  string
}

// Extract merges BIO-tagged tokens into entities and remaps their spans from
// the intermediate text back onto the original text.
//
// Consecutive tokens with the same bare type form one entity. A sentence
// break, an outside token or a different type closes the open entity; a
// different type then opens a new one on the same token. Spans that come out
// empty are dropped without consuming an id.
func Extract(intermediate string, tokens []Token) []Entity {
	var (
		out      []Entity
		openType string
		start    int
		end      int
	)
	nextID := 1
	flush := func() {
		if openType == "" {
			return
		}
		if e, ok := closeSpan(intermediate, openType, start, end); ok {
			e.ID = nextID
			nextID++
			out = append(out, e)
		}
		openType = ""
		start, end = 0, 0
	}

	for _, tok := range tokens {
		if tok.Break {
			flush()
			continue
		}
		bare := BareType(tok.Label)
		if openType != "" && bare != openType {
			flush()
		}
		if bare == "" {
			continue
		}
		if openType == "" {
			openType = bare
			start = tok.Start
		}
		end = tok.End
	}
	flush()
	return out
}

func closeSpan(intermediate, typ string, start, end int) (Entity, bool) {
	start = clamp(start, 0, len(intermediate))
	end = clamp(end, 0, len(intermediate))
	if end <= start {
		return Entity{}, false
	}
	e := Entity{
		Type:  typ,
		Start: AdjustOffset(intermediate, start),
		End:   AdjustOffset(intermediate, end),
		Text:  Sanitize(intermediate[start:end]),
	}
	if e.End <= e.Start {
		return Entity{}, false
	}
	return e, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ExtractFromText encodes text the way the annotators saw it and extracts the
// entities tagged in the CoNLL-U Plus stream r.
func ExtractFromText(text string, r io.Reader) ([]Entity, error) {
	tokens, err := ParseTokens(r)
	if err != nil {
		return nil, err
	}
	return Extract(Encode(text), tokens), nil
}
