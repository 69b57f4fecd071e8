package annotation

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/racai-ai/saroj/constants"
)

// minTokenFields is the smallest column count of a usable token line.
const minTokenFields = 5

// Token is one tagged token of a CoNLL-U Plus stream. Start and End are byte
// offsets into the intermediate text. Break marks a sentence boundary.
type Token struct {
	Line  int
	Form  string
	Label string
	Start int
	End   int
	Break bool
}

// BareType strips the BIO prefix from a label. It returns "" for labels that
// mean "outside any entity".
func BareType(label string) string {
	bare := label
	if len(label) > constants.BIOPrefixWidth && label[constants.BIOPrefixWidth-1] == '-' {
		bare = label[constants.BIOPrefixWidth:]
	}
	switch bare {
	case constants.OutsideLabel, "_", "":
		return ""
	}
	return bare
}

// ParseTokens reads a CoNLL-U Plus stream. Comment lines are skipped, blank
// lines become sentence breaks and lines with too few columns are ignored.
// The form is column 2; start, end and label are the last three columns.
func ParseTokens(r io.Reader) ([]Token, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var tokens []Token
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			tokens = append(tokens, Token{Line: lineNo, Break: true})
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		n := len(fields)
		if n < minTokenFields {
			continue
		}
		start, err := strconv.Atoi(strings.TrimSpace(fields[n-3]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad start offset %q", lineNo, fields[n-3])
		}
		end, err := strconv.Atoi(strings.TrimSpace(fields[n-2]))
		if err != nil {
			return nil, fmt.Errorf("line %d: bad end offset %q", lineNo, fields[n-2])
		}
		if start < 0 || end < start {
			return nil, fmt.Errorf("line %d: invalid span %d-%d", lineNo, start, end)
		}
		tokens = append(tokens, Token{
			Line:  lineNo,
			Form:  fields[1],
			Label: strings.TrimSpace(fields[n-1]),
			Start: start,
			End:   end,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	return tokens, nil
}
