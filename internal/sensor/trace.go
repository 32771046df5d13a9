package sensor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WriteTrace writes events as JSON lines.
func WriteTrace(w io.Writer, events []Event) error {
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("write trace event %d: %w", i, err)
		}
	}
	return nil
}

// ReadTrace parses a JSON-lines trace. Blank lines and lines starting with
// '#' are skipped.
func ReadTrace(r io.Reader) ([]Event, error) {
	var events []Event
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("trace line %d: %w", line, err)
		}
		if !ev.Kind.valid() {
			return nil, fmt.Errorf("trace line %d: unknown event kind %q", line, ev.Kind)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}
