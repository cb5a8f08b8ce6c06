package journal

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle status of one task.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusUnreachable Status = "UNREACHABLE"
)

var statusAliases = map[string]Status{
	"pending":     StatusPending,
	"queued":      StatusPending,
	"running":     StatusRunning,
	"started":     StatusRunning,
	"start":       StatusRunning,
	"done":        StatusCompleted,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"success":     StatusCompleted,
	"ok":          StatusCompleted,
	"finished":    StatusCompleted,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
	"skipped":     StatusSkipped,
	"skip":        StatusSkipped,
	"unreachable": StatusUnreachable,
}

// ParseStatus normalizes a producer-supplied status string.
func ParseStatus(raw string) (Status, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusUnreachable:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// TaskKey identifies one unit of work.
type TaskKey struct {
	Host       string `json:"host"`
	Workload   string `json:"workload"`
	Repetition int    `json:"repetition"`
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s/%s#%d", k.Host, k.Workload, k.Repetition)
}

// TaskState is the tracked state of one task.
type TaskState struct {
	Key           TaskKey    `json:"key"`
	Status        Status     `json:"status"`
	CurrentAction string     `json:"current_action,omitempty"`
	Message       string     `json:"message,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Duration is the elapsed time of the task: finished minus started, or time
// since start while still running. Zero when the task never started.
func (t TaskState) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.FinishedAt != nil {
		return t.FinishedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

func (t TaskState) clone() TaskState {
	c := t
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return c
}

// Metadata is run-level information attached to the journal.
type Metadata struct {
	TargetRepetitions int               `json:"target_repetitions"`
	Extra             map[string]string `json:"extra,omitempty"`
}

// GroupStatus is the aggregated status of one (host, workload) pair.
type GroupStatus string

const (
	GroupFailed  GroupStatus = "failed"
	GroupRunning GroupStatus = "running"
	GroupSkipped GroupStatus = "skipped"
	GroupDone    GroupStatus = "done"
	GroupPartial GroupStatus = "partial"
	GroupPending GroupStatus = "pending"
)

// Group is the aggregate view of one (host, workload) pair.
type Group struct {
	Host      string      `json:"host"`
	Workload  string      `json:"workload"`
	Status    GroupStatus `json:"status"`
	Completed int         `json:"completed"`
	Total     int         `json:"total"`
}
