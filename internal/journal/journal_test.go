package journal

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bc-dunia/fleetbench/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestJournal(target int) (*Journal, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	j := New("run-1", Metadata{TargetRepetitions: target},
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return j, clock
}

func ev(host, workload string, rep int, status string) events.Event {
	return events.Event{RunID: "run-1", Host: host, Workload: workload, Repetition: rep, Status: status}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"running", StatusRunning, true},
		{" Started ", StatusRunning, true},
		{"DONE", StatusCompleted, true},
		{"success", StatusCompleted, true},
		{"error", StatusFailed, true},
		{"skip", StatusSkipped, true},
		{"unreachable", StatusUnreachable, true},
		{"queued", StatusPending, true},
		{"bogus", "", false},
		{"", "", false},
	}
	for _, tc := range tests {
		got, ok := ParseStatus(tc.raw)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseStatus(%q) = %q, %v; want %q, %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAddTaskIdempotent(t *testing.T) {
	j, _ := newTestJournal(1)
	key := TaskKey{Host: "h1", Workload: "dfaas", Repetition: 1}

	j.AddTask(key)
	j.Apply(ev("h1", "dfaas", 1, "running"))
	j.AddTask(key)

	got, ok := j.Get(key)
	if !ok {
		t.Fatal("task missing")
	}
	if got.Status != StatusRunning {
		t.Fatalf("AddTask must not reset an existing task, got %s", got.Status)
	}
}

func TestApplyMonotonic(t *testing.T) {
	j, clock := newTestJournal(1)
	key := TaskKey{Host: "h1", Workload: "dfaas", Repetition: 1}
	j.AddTask(key)

	running := ev("h1", "dfaas", 1, "running")
	running.Message = "warming up"
	state, changed := j.Apply(running)
	if !changed || state.Status != StatusRunning || state.CurrentAction != "warming up" {
		t.Fatalf("unexpected state after running: %+v changed=%v", state, changed)
	}
	if state.StartedAt == nil {
		t.Fatal("StartedAt must be set on RUNNING")
	}

	clock.Advance(3 * time.Second)
	state, _ = j.Apply(ev("h1", "dfaas", 1, "pending"))
	if state.Status != StatusRunning {
		t.Fatalf("RUNNING must not regress to PENDING, got %s", state.Status)
	}

	state, changed = j.Apply(ev("h1", "dfaas", 1, "done"))
	if !changed || state.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %+v", state)
	}
	if state.FinishedAt == nil || state.Duration() != 3*time.Second {
		t.Fatalf("duration = %v, want 3s", state.Duration())
	}

	state, changed = j.Apply(ev("h1", "dfaas", 1, "failed"))
	if changed || state.Status != StatusCompleted {
		t.Fatalf("terminal state must absorb, got %s changed=%v", state.Status, changed)
	}
}

func TestApplyIdenticalTerminalEventIsIdempotent(t *testing.T) {
	j, clock := newTestJournal(1)
	done := ev("h1", "dfaas", 1, "done")
	done.Message = "finished ok"

	first, _ := j.Apply(done)
	versionAfterFirst := j.Version()

	clock.Advance(time.Minute)
	second, changed := j.Apply(done)

	if changed {
		t.Fatal("replayed terminal event reported a change")
	}
	if j.Version() != versionAfterFirst {
		t.Fatal("replayed terminal event bumped the version")
	}
	if !first.FinishedAt.Equal(*second.FinishedAt) || !first.UpdatedAt.Equal(second.UpdatedAt) || first.Message != second.Message {
		t.Fatalf("state changed on replay:\nfirst  %+v\nsecond %+v", first, second)
	}
}

func TestApplyUnknownKeyCreatesTask(t *testing.T) {
	j, _ := newTestJournal(1)
	state, changed := j.Apply(ev("late-host", "w", 2, "running"))
	if !changed || state.Status != StatusRunning {
		t.Fatalf("unexpected state %+v", state)
	}
	if _, ok := j.Get(TaskKey{Host: "late-host", Workload: "w", Repetition: 2}); !ok {
		t.Fatal("unknown key should be created")
	}
}

func TestApplyDropsMalformed(t *testing.T) {
	j, _ := newTestJournal(1)
	malformed := []events.Event{
		ev("", "w", 1, "running"),
		ev("h", "", 1, "running"),
		ev("h", "w", 0, "running"),
		ev("h", "w", 1, "exploded"),
	}
	for _, e := range malformed {
		if _, changed := j.Apply(e); changed {
			t.Fatalf("malformed event applied: %+v", e)
		}
	}
	if n := len(j.Snapshot().Tasks); n != 0 {
		t.Fatalf("malformed events created %d tasks", n)
	}
}

func TestAggregatePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		target   int
		statuses []string
		want     GroupStatus
	}{
		{"failed wins over running", 3, []string{"failed", "running", "done"}, GroupFailed},
		{"running", 3, []string{"running", "done", "pending"}, GroupRunning},
		{"all skipped", 2, []string{"skipped", "skipped"}, GroupSkipped},
		{"done at target", 2, []string{"done", "done"}, GroupDone},
		{"partial", 3, []string{"done", "pending", "skipped"}, GroupPartial},
		{"pending", 2, []string{"pending", "pending"}, GroupPending},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			j, _ := newTestJournal(tc.target)
			for i, s := range tc.statuses {
				key := TaskKey{Host: "h1", Workload: "w", Repetition: i + 1}
				j.AddTask(key)
				if s != "pending" {
					j.Apply(ev("h1", "w", i+1, s))
				}
			}
			if got := j.Aggregate("h1", "w"); got != tc.want {
				t.Fatalf("Aggregate = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAggregateOneFailedOneRunning(t *testing.T) {
	j, _ := newTestJournal(3)
	for rep := 1; rep <= 3; rep++ {
		j.AddTask(TaskKey{Host: "h1", Workload: "dfaas", Repetition: rep})
	}
	j.Apply(ev("h1", "dfaas", 1, "failed"))
	j.Apply(ev("h1", "dfaas", 2, "running"))

	if got := j.Aggregate("h1", "dfaas"); got != GroupFailed {
		t.Fatalf("Aggregate = %s, want failed", got)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	j, _ := newTestJournal(1)
	j.Apply(ev("h1", "w", 1, "running"))

	snap := j.Snapshot()
	snap.Tasks[0].Status = StatusFailed
	*snap.Tasks[0].StartedAt = time.Time{}

	got, _ := j.Get(TaskKey{Host: "h1", Workload: "w", Repetition: 1})
	if got.Status != StatusRunning || got.StartedAt.IsZero() {
		t.Fatalf("snapshot mutation leaked into journal: %+v", got)
	}
}

func TestGroupsAndCounts(t *testing.T) {
	j, _ := newTestJournal(2)
	j.Apply(ev("h1", "a", 1, "done"))
	j.Apply(ev("h1", "a", 2, "done"))
	j.Apply(ev("h2", "a", 1, "running"))
	j.AddTask(TaskKey{Host: "h2", Workload: "a", Repetition: 2})

	groups := j.Groups()
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Host != "h1" || groups[0].Status != GroupDone || groups[0].Completed != 2 {
		t.Fatalf("unexpected first group %+v", groups[0])
	}
	if groups[1].Status != GroupRunning {
		t.Fatalf("unexpected second group %+v", groups[1])
	}

	counts := j.Counts()
	if counts[StatusCompleted] != 2 || counts[StatusRunning] != 1 || counts[StatusPending] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestMarkUnstarted(t *testing.T) {
	j, _ := newTestJournal(1)
	j.AddTask(TaskKey{Host: "h1", Workload: "w", Repetition: 1})
	j.AddTask(TaskKey{Host: "h1", Workload: "w", Repetition: 2})
	j.Apply(ev("h1", "w", 1, "running"))

	changed := j.MarkUnstarted(StatusSkipped, "stopped before start")
	if len(changed) != 1 || changed[0].Repetition != 2 {
		t.Fatalf("unexpected changed keys %v", changed)
	}
	got, _ := j.Get(TaskKey{Host: "h1", Workload: "w", Repetition: 2})
	if got.Status != StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", got.Status)
	}
	if j.MarkUnstarted(StatusRunning, "") != nil {
		t.Fatal("non-terminal status must be rejected")
	}
}

func TestSubscribeCoalesces(t *testing.T) {
	j, _ := newTestJournal(1)
	ch, cancel := j.Subscribe()
	defer cancel()

	j.Apply(ev("h1", "w", 1, "running"))
	j.Apply(ev("h1", "w", 1, "done"))

	select {
	case v := <-ch:
		if v != j.Version() {
			t.Fatalf("got version %d, want latest %d", v, j.Version())
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}

	select {
	case v := <-ch:
		t.Fatalf("unexpected extra notification %d", v)
	default:
	}
}

func TestConcurrentReaders(t *testing.T) {
	j, _ := newTestJournal(1)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					for _, task := range j.Snapshot().Tasks {
						if task.Status == "" {
							t.Error("observed partially initialized task")
							return
						}
					}
				}
			}
		}()
	}

	for rep := 1; rep <= 200; rep++ {
		j.Apply(ev("h1", "w", rep, "running"))
		j.Apply(ev("h1", "w", rep, "done"))
	}
	close(stop)
	wg.Wait()
}
