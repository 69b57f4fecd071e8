package annotation

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteStandoff writes one "T<id>\t<TYPE> <start> <end>\t<text>" line per entity.
func WriteStandoff(w io.Writer, entities []Entity) error {
	bw := bufio.NewWriter(w)
	for _, e := range entities {
		if _, err := fmt.Fprintf(bw, "T%d\t%s %d %d\t%s\n", e.ID, e.Type, e.Start, e.End, e.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ParseStandoff reads a standoff annotation file. Blank lines are tolerated.
func ParseStandoff(r io.Reader) ([]Entity, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var out []Entity
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseStandoffLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read standoff: %w", err)
	}
	return out, nil
}

func parseStandoffLine(line string) (Entity, error) {
	parts := strings.SplitN(line, "\t", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "T") {
		return Entity{}, fmt.Errorf("malformed entity line %q", line)
	}
	id, err := strconv.Atoi(parts[0][1:])
	if err != nil {
		return Entity{}, fmt.Errorf("bad entity id %q", parts[0])
	}
	span := strings.Fields(parts[1])
	if len(span) != 3 {
		return Entity{}, fmt.Errorf("bad span %q", parts[1])
	}
	start, err := strconv.Atoi(span[1])
	if err != nil {
		return Entity{}, fmt.Errorf("bad start offset %q", span[1])
	}
	end, err := strconv.Atoi(span[2])
	if err != nil {
		return Entity{}, fmt.Errorf("bad end offset %q", span[2])
	}
	e := Entity{ID: id, Type: span[0], Start: start, End: end}
	if len(parts) == 3 {
		e.Text = parts[2]
	}
	return e, nil
}
