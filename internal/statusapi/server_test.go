package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bc-dunia/fleetbench/internal/events"
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
)

type fakeSource struct {
	j     *journal.Journal
	state lifecycle.State
	stops atomic.Int32
}

func (f *fakeSource) RunID() string {
	if f.j == nil {
		return ""
	}
	return f.j.RunID()
}

func (f *fakeSource) Journal() *journal.Journal  { return f.j }
func (f *fakeSource) Lifecycle() lifecycle.State { return f.state }
func (f *fakeSource) Stop()                      { f.stops.Add(1) }

func newTestJournal() *journal.Journal {
	j := journal.New("run-1", journal.Metadata{TargetRepetitions: 2})
	j.AddTask(journal.TaskKey{Host: "a", Workload: "dfaas", Repetition: 1})
	j.AddTask(journal.TaskKey{Host: "a", Workload: "dfaas", Repetition: 2})
	return j
}

func startTestServer(t *testing.T, src Source, opts ...Option) *httptest.Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	ts := httptest.NewServer(NewServer("127.0.0.1:0", src, opts...).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, wantStatus int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d, want %d: %s", url, resp.StatusCode, wantStatus, body)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealthz(t *testing.T) {
	ts := startTestServer(t, &fakeSource{j: newTestJournal()})

	var health HealthResponse
	getJSON(t, ts.URL+"/healthz", http.StatusOK, &health)
	if health.Status != "ok" || health.RunID != "run-1" {
		t.Fatalf("unexpected health response: %+v", health)
	}
}

func TestJournalBeforeRunIsUnavailable(t *testing.T) {
	ts := startTestServer(t, &fakeSource{})

	var errResp ErrorResponse
	getJSON(t, ts.URL+"/v1/journal", http.StatusServiceUnavailable, &errResp)
	if errResp.ErrorCode != ErrorCodeRunNotStarted || !errResp.Retryable {
		t.Fatalf("unexpected error response: %+v", errResp)
	}
}

func TestJournalSnapshot(t *testing.T) {
	j := newTestJournal()
	j.Apply(events.Event{Host: "a", Workload: "dfaas", Repetition: 1, Status: "done"})
	ts := startTestServer(t, &fakeSource{j: j})

	var snap journal.Snapshot
	getJSON(t, ts.URL+"/v1/journal", http.StatusOK, &snap)
	if snap.RunID != "run-1" || len(snap.Tasks) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Tasks[0].Status != journal.StatusCompleted || snap.Tasks[1].Status != journal.StatusPending {
		t.Fatalf("unexpected task statuses: %s, %s", snap.Tasks[0].Status, snap.Tasks[1].Status)
	}
}

func TestJournalGroups(t *testing.T) {
	j := newTestJournal()
	j.Apply(events.Event{Host: "a", Workload: "dfaas", Repetition: 1, Status: "done"})
	j.Apply(events.Event{Host: "a", Workload: "dfaas", Repetition: 2, Status: "running"})
	ts := startTestServer(t, &fakeSource{j: j})

	var resp GroupsResponse
	getJSON(t, ts.URL+"/v1/journal/groups", http.StatusOK, &resp)
	if len(resp.Groups) != 1 {
		t.Fatalf("expected one group, got %d", len(resp.Groups))
	}
	g := resp.Groups[0]
	if g.Status != journal.GroupRunning || g.Completed != 1 || g.Total != 2 {
		t.Fatalf("unexpected group: %+v", g)
	}
}

func TestLifecycleAndStop(t *testing.T) {
	src := &fakeSource{
		j:     newTestJournal(),
		state: lifecycle.State{Phase: lifecycle.PhaseWorkloads, Stop: lifecycle.StopIdle},
	}
	ts := startTestServer(t, src)

	var raw map[string]string
	getJSON(t, ts.URL+"/v1/lifecycle", http.StatusOK, &raw)
	if raw["phase"] != "WORKLOADS" || raw["stop_stage"] != "IDLE" || raw["run_id"] != "run-1" {
		t.Fatalf("unexpected lifecycle: %v", raw)
	}

	resp, err := http.Post(ts.URL+"/v1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if src.stops.Load() != 1 {
		t.Fatalf("expected one stop request, got %d", src.stops.Load())
	}

	resp, err = http.Get(ts.URL + "/v1/stop")
	if err != nil {
		t.Fatalf("GET /v1/stop: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET /v1/stop, got %d", resp.StatusCode)
	}
}

func TestWatchReturnsOnChange(t *testing.T) {
	j := newTestJournal()
	ts := startTestServer(t, &fakeSource{j: j})
	since := j.Version()

	go func() {
		time.Sleep(50 * time.Millisecond)
		j.Apply(events.Event{Host: "a", Workload: "dfaas", Repetition: 1, Status: "running"})
	}()

	start := time.Now()
	var snap journal.Snapshot
	getJSON(t, ts.URL+"/v1/journal/watch?since="+strconv.FormatUint(since, 10), http.StatusOK, &snap)
	if snap.Version <= since {
		t.Fatalf("expected version > %d, got %d", since, snap.Version)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("watch did not return promptly")
	}
}

func TestWatchTimesOutWithCurrentSnapshot(t *testing.T) {
	j := newTestJournal()
	ts := startTestServer(t, &fakeSource{j: j}, WithWatchTimeout(50*time.Millisecond))

	var snap journal.Snapshot
	getJSON(t, ts.URL+"/v1/journal/watch?since="+strconv.FormatUint(j.Version(), 10), http.StatusOK, &snap)
	if snap.Version != j.Version() {
		t.Fatalf("expected current version %d, got %d", j.Version(), snap.Version)
	}
}

func TestWatchRejectsBadSince(t *testing.T) {
	ts := startTestServer(t, &fakeSource{j: newTestJournal()})

	var errResp ErrorResponse
	getJSON(t, ts.URL+"/v1/journal/watch?since=abc", http.StatusBadRequest, &errResp)
	if errResp.ErrorCode != ErrorCodeInvalidSince {
		t.Fatalf("unexpected error code %q", errResp.ErrorCode)
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Fatal("expected second start to fail")
	}

	var health HealthResponse
	getJSON(t, "http://"+s.Addr()+"/healthz", http.StatusOK, &health)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
