package journal

import "time"

// Snapshot is an immutable copy of the journal at one version. Tasks are
// ordered by host, workload and repetition.
type Snapshot struct {
	RunID    string      `json:"run_id"`
	Version  uint64      `json:"version"`
	TakenAt  time.Time   `json:"taken_at"`
	Metadata Metadata    `json:"metadata"`
	Tasks    []TaskState `json:"tasks"`
}

// Get finds the state for key.
func (s Snapshot) Get(key TaskKey) (TaskState, bool) {
	for _, task := range s.Tasks {
		if task.Key == key {
			return task, true
		}
	}
	return TaskState{}, false
}

// Counts returns the number of tasks per status.
func (s Snapshot) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, task := range s.Tasks {
		counts[task.Status]++
	}
	return counts
}

// Groups aggregates tasks per (host, workload), in task order.
func (s Snapshot) Groups() []Group {
	type groupKey struct{ host, workload string }

	var order []groupKey
	members := make(map[groupKey][]TaskState)
	for _, task := range s.Tasks {
		gk := groupKey{task.Key.Host, task.Key.Workload}
		if _, ok := members[gk]; !ok {
			order = append(order, gk)
		}
		members[gk] = append(members[gk], task)
	}

	groups := make([]Group, 0, len(order))
	for _, gk := range order {
		tasks := members[gk]
		status, completed := aggregate(tasks, s.Metadata.TargetRepetitions)
		groups = append(groups, Group{
			Host:      gk.host,
			Workload:  gk.workload,
			Status:    status,
			Completed: completed,
			Total:     len(tasks),
		})
	}
	return groups
}

// aggregate applies group precedence: failed, running, all skipped, done,
// partial, pending. target <= 0 means every task of the group.
func aggregate(tasks []TaskState, target int) (GroupStatus, int) {
	if target <= 0 {
		target = len(tasks)
	}

	var failed, running, skipped, completed int
	for _, task := range tasks {
		switch task.Status {
		case StatusFailed:
			failed++
		case StatusRunning:
			running++
		case StatusSkipped:
			skipped++
		case StatusCompleted:
			completed++
		}
	}

	switch {
	case failed > 0:
		return GroupFailed, completed
	case running > 0:
		return GroupRunning, completed
	case len(tasks) > 0 && skipped == len(tasks):
		return GroupSkipped, completed
	case len(tasks) > 0 && completed >= target:
		return GroupDone, completed
	case completed > 0:
		return GroupPartial, completed
	default:
		return GroupPending, completed
	}
}
