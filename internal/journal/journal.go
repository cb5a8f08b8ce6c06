// Package journal holds the authoritative in-memory state of every task in a
// run. It has a single writer (the controller's ingestion path) and any
// number of readers, which only ever see deep-copied snapshots.
package journal

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/fleetbench/internal/events"
)

// Journal tracks TaskState per TaskKey. Keys are never removed.
type Journal struct {
	mu      sync.RWMutex
	runID   string
	meta    Metadata
	tasks   map[TaskKey]*TaskState
	version uint64
	subs    map[int]chan uint64
	nextSub int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock overrides the time source used for task timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithLogger sets the logger used for dropped-event warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// New creates an empty journal for runID.
func New(runID string, meta Metadata, opts ...Option) *Journal {
	j := &Journal{
		runID:  runID,
		meta:   meta,
		tasks:  make(map[TaskKey]*TaskState),
		subs:   make(map[int]chan uint64),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "journal", "run_id", runID)
	return j
}

// RunID returns the run this journal belongs to.
func (j *Journal) RunID() string {
	return j.runID
}

// AddTask registers key as PENDING. Existing keys are left untouched.
func (j *Journal) AddTask(key TaskKey) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.tasks[key]; ok {
		return
	}
	j.tasks[key] = &TaskState{Key: key, Status: StatusPending, UpdatedAt: j.now()}
	j.bumpLocked()
}

// Apply folds ev into the journal. It returns the resulting state and whether
// anything changed. Malformed events are logged and dropped; events for
// unknown keys create the task.
func (j *Journal) Apply(ev events.Event) (TaskState, bool) {
	status, ok := ParseStatus(ev.Status)
	switch {
	case !ok:
		j.logger.Warn("journal_event_dropped", "reason", "unknown_status", "status", ev.Status,
			"host", ev.Host, "workload", ev.Workload, "repetition", ev.Repetition)
		return TaskState{}, false
	case strings.TrimSpace(ev.Host) == "" || strings.TrimSpace(ev.Workload) == "":
		j.logger.Warn("journal_event_dropped", "reason", "missing_key", "host", ev.Host, "workload", ev.Workload)
		return TaskState{}, false
	case ev.Repetition < 1:
		j.logger.Warn("journal_event_dropped", "reason", "invalid_repetition", "repetition", ev.Repetition)
		return TaskState{}, false
	}

	key := TaskKey{Host: ev.Host, Workload: ev.Workload, Repetition: ev.Repetition}
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	task, exists := j.tasks[key]
	if !exists {
		task = &TaskState{Key: key, Status: StatusPending, UpdatedAt: now}
		j.tasks[key] = task
	}

	changed := !exists
	if advance(task, status, ev.Message, now) {
		changed = true
	}
	if changed {
		task.UpdatedAt = now
		j.bumpLocked()
	}
	return task.clone(), changed
}

// advance applies the monotonic status rule to task. Terminal states absorb.
func advance(task *TaskState, next Status, message string, now time.Time) bool {
	if task.Status.IsTerminal() {
		return false
	}
	if next.rank() < task.Status.rank() {
		return false
	}

	changed := false
	if next != task.Status {
		task.Status = next
		changed = true
	}
	if next == StatusRunning && task.StartedAt == nil {
		t := now
		task.StartedAt = &t
		changed = true
	}
	if next.IsTerminal() {
		t := now
		if task.StartedAt == nil {
			task.StartedAt = &t
		}
		task.FinishedAt = &t
		task.CurrentAction = ""
	} else if message != "" && message != task.CurrentAction {
		task.CurrentAction = message
		changed = true
	}
	if message != "" && message != task.Message {
		task.Message = message
		changed = true
	}
	return changed
}

// MarkUnstarted resolves every still-PENDING task to status, which must be
// terminal. It returns the keys that were changed.
func (j *Journal) MarkUnstarted(status Status, message string) []TaskKey {
	if !status.IsTerminal() {
		return nil
	}
	now := j.now()

	j.mu.Lock()
	defer j.mu.Unlock()

	var changed []TaskKey
	for key, task := range j.tasks {
		if task.Status != StatusPending {
			continue
		}
		if advance(task, status, message, now) {
			task.UpdatedAt = now
			changed = append(changed, key)
		}
	}
	if len(changed) > 0 {
		sortKeys(changed)
		j.bumpLocked()
	}
	return changed
}

// Get returns a copy of the state for key.
func (j *Journal) Get(key TaskKey) (TaskState, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	task, ok := j.tasks[key]
	if !ok {
		return TaskState{}, false
	}
	return task.clone(), true
}

// Aggregate returns the status of every task of (host, workload) combined.
func (j *Journal) Aggregate(host, workload string) GroupStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var group []TaskState
	for key, task := range j.tasks {
		if key.Host == host && key.Workload == workload {
			group = append(group, *task)
		}
	}
	status, _ := aggregate(group, j.meta.TargetRepetitions)
	return status
}

// Version increases on every mutation.
func (j *Journal) Version() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.version
}

// Snapshot returns a deep copy of the journal.
func (j *Journal) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	tasks := make([]TaskState, 0, len(j.tasks))
	for _, task := range j.tasks {
		tasks = append(tasks, task.clone())
	}
	sort.Slice(tasks, func(a, b int) bool { return keyLess(tasks[a].Key, tasks[b].Key) })

	meta := j.meta
	if j.meta.Extra != nil {
		meta.Extra = make(map[string]string, len(j.meta.Extra))
		for k, v := range j.meta.Extra {
			meta.Extra[k] = v
		}
	}

	return Snapshot{
		RunID:    j.runID,
		Version:  j.version,
		TakenAt:  j.now(),
		Metadata: meta,
		Tasks:    tasks,
	}
}

// Groups aggregates the current snapshot per (host, workload).
func (j *Journal) Groups() []Group {
	return j.Snapshot().Groups()
}

// Counts returns the number of tasks per status.
func (j *Journal) Counts() map[Status]int {
	return j.Snapshot().Counts()
}

// Subscribe returns a channel that receives the journal version after
// mutations. Notifications coalesce; a slow reader only sees the latest
// version. The returned func unsubscribes and closes the channel.
func (j *Journal) Subscribe() (<-chan uint64, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	id := j.nextSub
	j.nextSub++
	ch := make(chan uint64, 1)
	j.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			delete(j.subs, id)
			close(ch)
		})
	}
}

func (j *Journal) bumpLocked() {
	j.version++
	for _, ch := range j.subs {
		select {
		case ch <- j.version:
		default:
			// Drop the stale pending value and replace it.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- j.version:
			default:
			}
		}
	}
}

func keyLess(a, b TaskKey) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	if a.Workload != b.Workload {
		return a.Workload < b.Workload
	}
	return a.Repetition < b.Repetition
}

func sortKeys(keys []TaskKey) {
	sort.Slice(keys, func(a, b int) bool { return keyLess(keys[a], keys[b]) })
}
