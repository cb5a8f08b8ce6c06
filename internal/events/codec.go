// Package events extracts structured status events embedded in free-form
// automation output and logs controller decisions.
package events

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// Marker is the literal token that precedes every embedded event object.
const Marker = "LB_EVENT"

// Event is a status update emitted by a workload through the automation layer.
type Event struct {
	RunID            string `json:"run_id"`
	Host             string `json:"host"`
	Workload         string `json:"workload"`
	Repetition       int    `json:"repetition"`
	TotalRepetitions int    `json:"total_repetitions"`
	Status           string `json:"status"`
	Message          string `json:"message"`

	// Raw is the decoded JSON object exactly as it appeared after the marker.
	Raw json.RawMessage `json:"-"`
}

// Encode renders ev the way producers embed it in their output.
func Encode(ev Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		return Marker
	}
	return Marker + " " + string(data)
}

// Extract returns the first event found in text. It never panics; text
// without a decodable marker object yields false.
func Extract(text string) (Event, bool) {
	searchFrom := 0
	for {
		idx := strings.Index(text[searchFrom:], Marker)
		if idx < 0 {
			return Event{}, false
		}
		start := searchFrom + idx + len(Marker)
		if ev, _, ok := decodeAfter(text[start:]); ok {
			return ev, true
		}
		searchFrom = start
	}
}

// ExtractAll returns every event in text, in order of appearance.
func ExtractAll(text string) []Event {
	var out []Event
	searchFrom := 0
	for searchFrom < len(text) {
		idx := strings.Index(text[searchFrom:], Marker)
		if idx < 0 {
			break
		}
		start := searchFrom + idx + len(Marker)
		ev, consumed, ok := decodeAfter(text[start:])
		if ok {
			out = append(out, ev)
			searchFrom = start + consumed
			continue
		}
		searchFrom = start
	}
	return out
}

// ScanTexts extracts events from every text field of one automation result.
// The same event echoed in several fields (for example stdout and its
// line-array form) is returned once.
func ScanTexts(texts ...string) []Event {
	seen := make(map[string]struct{})
	var out []Event
	for _, text := range texts {
		if !strings.Contains(text, Marker) {
			continue
		}
		for _, ev := range ExtractAll(text) {
			key := digest(ev.Raw)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ev)
		}
	}
	return out
}

func digest(raw json.RawMessage) string {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// decodeAfter tries the candidate renderings of the text following a marker
// in order: raw, quotes stripped, escaped quotes unescaped, both. consumed is
// how many bytes of rest the decoded object spans.
func decodeAfter(rest string) (Event, int, bool) {
	stripped := stripQuotes(rest)
	offset := len(rest) - len(stripped)
	candidates := []struct {
		source   string
		unescape bool
		shift    int
	}{
		{rest, false, 0},
		{stripped, false, offset},
		{rest, true, 0},
		{stripped, true, offset},
	}
	for _, c := range candidates {
		text := c.source
		if c.unescape {
			text = unescapeQuotes(text)
		}
		obj, end, ok := cutObject(text)
		if !ok {
			continue
		}
		ev, err := decodeObject(obj)
		if err != nil {
			continue
		}
		if c.unescape {
			end = escapedIndex(c.source, end)
		}
		consumed := c.shift + end
		if consumed > len(rest) {
			consumed = len(rest)
		}
		return ev, consumed, true
	}
	return Event{}, 0, false
}

func stripQuotes(s string) string {
	t := strings.TrimLeft(s, " \t:=")
	for len(t) > 0 && (t[0] == '"' || t[0] == '\'') {
		t = t[1:]
	}
	return t
}

func unescapeQuotes(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// escapedIndex maps an index in unescapeQuotes(s) back to an index in s.
func escapedIndex(s string, unescaped int) int {
	out := 0
	i := 0
	for i < len(s) && out < unescaped {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i += 2
		} else {
			i++
		}
		out++
	}
	return i
}

// cutObject returns the first balanced JSON object in s. Braces inside quoted
// strings are not counted. end is the index just past the closing brace.
func cutObject(s string) (string, int, bool) {
	begin := strings.IndexByte(s, '{')
	if begin < 0 {
		return "", 0, false
	}
	depth := 0
	inString := false
	for i := begin; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[begin : i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

func decodeObject(obj string) (Event, error) {
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return Event{}, err
	}
	if fields == nil {
		return Event{}, fmt.Errorf("event is not an object")
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(obj)); err != nil {
		return Event{}, err
	}

	return Event{
		RunID:            stringField(fields, "run_id"),
		Host:             stringField(fields, "host"),
		Workload:         stringField(fields, "workload"),
		Repetition:       intField(fields, "repetition"),
		TotalRepetitions: intField(fields, "total_repetitions"),
		Status:           stringField(fields, "status"),
		Message:          stringField(fields, "message"),
		Raw:              json.RawMessage(buf.Bytes()),
	}, nil
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func intField(fields map[string]any, key string) int {
	switch v := fields[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return 0
}
