package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func decodeMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return m
}

func TestExtract_RecoversObjectInSurroundingText(t *testing.T) {
	obj := `{"run_id":"r1","host":"node-a","workload":"dfaas","repetition":2,"total_repetitions":3,"status":"running","message":"warming up","extra":{"nested":{"k":[1,2]}}}`
	text := "TASK [run workload] ok: " + Marker + " " + obj + " trailing noise"

	ev, ok := Extract(text)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Host != "node-a" || ev.Workload != "dfaas" || ev.Repetition != 2 || ev.TotalRepetitions != 3 {
		t.Fatalf("unexpected event fields: %+v", ev)
	}
	if ev.Status != "running" || ev.Message != "warming up" {
		t.Fatalf("unexpected status/message: %+v", ev)
	}

	want := decodeMap(t, []byte(obj))
	got := decodeMap(t, ev.Raw)
	wantJSON, _ := json.Marshal(want)
	gotJSON, _ := json.Marshal(got)
	if !bytes.Equal(wantJSON, gotJSON) {
		t.Fatalf("raw object mismatch:\n got %s\nwant %s", gotJSON, wantJSON)
	}
}

func TestExtract_EscapedObject(t *testing.T) {
	obj := `{"host":"h1","workload":"w","repetition":1,"status":"done","message":"brace } inside"}`
	escaped := strings.ReplaceAll(obj, `"`, `\"`)
	text := `{"msg": "` + Marker + ` ` + escaped + `"}`

	ev, ok := Extract(text)
	if !ok {
		t.Fatalf("expected event from escaped text %q", text)
	}
	if ev.Message != "brace } inside" {
		t.Fatalf("message = %q", ev.Message)
	}
	if ev.Status != "done" {
		t.Fatalf("status = %q", ev.Status)
	}
}

func TestExtract_QuotedObject(t *testing.T) {
	text := Marker + `: "{\"host\":\"h1\",\"workload\":\"w\",\"repetition\":3,\"status\":\"failed\"}"`
	ev, ok := Extract(text)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Repetition != 3 || ev.Status != "failed" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestExtract_BracesInsideStrings(t *testing.T) {
	text := Marker + ` {"host":"h","workload":"w","repetition":1,"status":"running","message":"{{ not a brace }"}`
	ev, ok := Extract(text)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Message != "{{ not a brace }" {
		t.Fatalf("message = %q", ev.Message)
	}
}

func TestExtract_NoMarker(t *testing.T) {
	inputs := []string{
		"",
		"plain output",
		`{"host":"h","status":"done"}`,
		Marker,
		Marker + " {truncated",
		Marker + ` {"unterminated": "string}`,
		Marker + " [1,2,3]",
	}
	for _, in := range inputs {
		if ev, ok := Extract(in); ok {
			t.Errorf("Extract(%q) = %+v, want no event", in, ev)
		}
	}
}

func TestExtract_SkipsBrokenMarkerAndFindsNext(t *testing.T) {
	text := Marker + " {broken " + Marker + ` {"host":"h","workload":"w","repetition":1,"status":"done"}`
	ev, ok := Extract(text)
	if !ok {
		t.Fatal("expected second marker to decode")
	}
	if ev.Status != "done" {
		t.Fatalf("status = %q", ev.Status)
	}
}

func TestExtractAll_RepeatedMarkers(t *testing.T) {
	first := Encode(Event{Host: "h", Workload: "w", Repetition: 1, Status: "running"})
	second := Encode(Event{Host: "h", Workload: "w", Repetition: 1, Status: "done"})
	evs := ExtractAll(first + "\n" + second)
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Status != "running" || evs[1].Status != "done" {
		t.Fatalf("unexpected order: %+v", evs)
	}
}

func TestScanTexts_DeduplicatesAcrossFields(t *testing.T) {
	line := Encode(Event{Host: "h", Workload: "w", Repetition: 1, Status: "done"})
	other := Encode(Event{Host: "h", Workload: "w", Repetition: 2, Status: "running"})

	evs := ScanTexts(line, "", line, "noise "+other)
	if len(evs) != 2 {
		t.Fatalf("expected 2 distinct events, got %d: %+v", len(evs), evs)
	}
}

func TestExtract_StringRepetition(t *testing.T) {
	ev, ok := Extract(Marker + ` {"host":"h","workload":"w","repetition":"4","status":"done"}`)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Repetition != 4 {
		t.Fatalf("repetition = %d", ev.Repetition)
	}
}

func TestValidator(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	good, _ := Extract(Marker + ` {"host":"h","workload":"w","repetition":1,"status":"done"}`)
	if err := v.Validate(good); err != nil {
		t.Fatalf("expected valid event: %v", err)
	}

	bad, _ := Extract(Marker + ` {"host":"h","workload":"w","repetition":0,"status":"done"}`)
	if err := v.Validate(bad); err == nil {
		t.Fatal("expected repetition 0 to be rejected")
	}
}
