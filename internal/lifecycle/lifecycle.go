// Package lifecycle tracks a run along two independent axes: the phase the
// run is in and how far a coordinated stop has progressed. The right
// interruption action depends on the pair, so neither axis is folded into
// the other.
//
// A Lifecycle is owned by the controller's main loop and is not safe for
// concurrent mutation.
package lifecycle

// RunPhase is the phase of a run. It advances forward.
type RunPhase int

const (
	PhaseIdle RunPhase = iota
	PhaseGlobalSetup
	PhaseWorkloads
	PhaseGlobalTeardown
	PhaseFinished
)

func (p RunPhase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseGlobalSetup:
		return "GLOBAL_SETUP"
	case PhaseWorkloads:
		return "WORKLOADS"
	case PhaseGlobalTeardown:
		return "GLOBAL_TEARDOWN"
	case PhaseFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the phase name.
func (p RunPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// StopStage tracks a coordinated shutdown. STOPPED and FAILED absorb.
type StopStage int

const (
	StopIdle StopStage = iota
	StopArmed
	StopInterruptingSetup
	StopWaitingForRunners
	StopInterruptingTeardown
	StopTeardown
	StopStopped
	StopFailed
)

func (s StopStage) String() string {
	switch s {
	case StopIdle:
		return "IDLE"
	case StopArmed:
		return "ARMED"
	case StopInterruptingSetup:
		return "INTERRUPTING_SETUP"
	case StopWaitingForRunners:
		return "WAITING_FOR_RUNNERS"
	case StopInterruptingTeardown:
		return "INTERRUPTING_TEARDOWN"
	case StopTeardown:
		return "TEARDOWN"
	case StopStopped:
		return "STOPPED"
	case StopFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the stage name.
func (s StopStage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the stage absorbs further marks.
func (s StopStage) IsTerminal() bool {
	return s == StopStopped || s == StopFailed
}

// StopAction is what the controller must do when a stop is requested.
type StopAction int

const (
	ActionNone StopAction = iota
	ActionInterruptSetup
	ActionWaitForRunners
	ActionInterruptTeardown
)

func (a StopAction) String() string {
	switch a {
	case ActionInterruptSetup:
		return "interrupt_setup"
	case ActionWaitForRunners:
		return "wait_for_runners"
	case ActionInterruptTeardown:
		return "interrupt_teardown"
	default:
		return "none"
	}
}

// State is a point-in-time copy of both axes.
type State struct {
	Phase RunPhase  `json:"phase"`
	Stop  StopStage `json:"stop_stage"`
}

// Transition describes one change on either axis.
type Transition struct {
	From State
	To   State
}

// Lifecycle holds the phase and stop stage of one run.
type Lifecycle struct {
	phase    RunPhase
	stop     StopStage
	observer func(Transition)
}

// New creates a Lifecycle in IDLE/IDLE.
func New() *Lifecycle {
	return &Lifecycle{}
}

// OnTransition registers fn to be called after every effective change.
func (l *Lifecycle) OnTransition(fn func(Transition)) {
	l.observer = fn
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() RunPhase {
	return l.phase
}

// Stage returns the current stop stage.
func (l *Lifecycle) Stage() StopStage {
	return l.stop
}

// State returns both axes.
func (l *Lifecycle) State() State {
	return State{Phase: l.phase, Stop: l.stop}
}

// StopRequested reports whether a stop has been armed at any point.
func (l *Lifecycle) StopRequested() bool {
	return l.stop != StopIdle
}

// StartPhase sets the phase unconditionally. Sequencing belongs to the caller.
func (l *Lifecycle) StartPhase(p RunPhase) {
	l.set(p, l.stop)
}

// ArmStop moves the stop stage from IDLE to ARMED. It returns false and
// changes nothing from any other stage, so repeated stop signals are
// harmless.
func (l *Lifecycle) ArmStop() bool {
	if l.stop != StopIdle {
		return false
	}
	l.set(l.phase, StopArmed)
	return true
}

// StopAction maps the current phase to the interruption the controller
// should perform.
func (l *Lifecycle) StopAction() StopAction {
	switch l.phase {
	case PhaseIdle, PhaseGlobalSetup:
		return ActionInterruptSetup
	case PhaseWorkloads:
		return ActionWaitForRunners
	case PhaseGlobalTeardown:
		return ActionInterruptTeardown
	default:
		return ActionNone
	}
}

func (l *Lifecycle) MarkInterruptingSetup()    { l.mark(StopInterruptingSetup) }
func (l *Lifecycle) MarkWaitingRunners()       { l.mark(StopWaitingForRunners) }
func (l *Lifecycle) MarkInterruptingTeardown() { l.mark(StopInterruptingTeardown) }
func (l *Lifecycle) MarkTeardown()             { l.mark(StopTeardown) }
func (l *Lifecycle) MarkFailed()               { l.mark(StopFailed) }
func (l *Lifecycle) MarkStopped()              { l.mark(StopStopped) }

// Finish always moves the phase to FINISHED. The stop stage becomes STOPPED
// only when a stop was armed and the stage is not already terminal, so a
// normal completion keeps IDLE.
func (l *Lifecycle) Finish() {
	stop := l.stop
	if stop != StopIdle && !stop.IsTerminal() {
		stop = StopStopped
	}
	l.set(PhaseFinished, stop)
}

func (l *Lifecycle) mark(stage StopStage) {
	if l.stop.IsTerminal() {
		return
	}
	l.set(l.phase, stage)
}

func (l *Lifecycle) set(phase RunPhase, stop StopStage) {
	from := l.State()
	l.phase = phase
	l.stop = stop
	to := l.State()
	if from != to && l.observer != nil {
		l.observer(Transition{From: from, To: to})
	}
}
