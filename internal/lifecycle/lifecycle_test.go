package lifecycle

import "testing"

func TestFinishAfterArmStop(t *testing.T) {
	l := New()
	l.StartPhase(PhaseWorkloads)
	if !l.ArmStop() {
		t.Fatal("ArmStop from IDLE should succeed")
	}
	l.Finish()

	if l.Phase() != PhaseFinished {
		t.Fatalf("phase = %s, want FINISHED", l.Phase())
	}
	if l.Stage() != StopStopped {
		t.Fatalf("stage = %s, want STOPPED", l.Stage())
	}
}

func TestFinishWithoutStopLeavesIdle(t *testing.T) {
	l := New()
	l.StartPhase(PhaseGlobalSetup)
	l.StartPhase(PhaseWorkloads)
	l.StartPhase(PhaseGlobalTeardown)
	l.Finish()

	if l.Phase() != PhaseFinished {
		t.Fatalf("phase = %s, want FINISHED", l.Phase())
	}
	if l.Stage() != StopIdle {
		t.Fatalf("stage = %s, want IDLE", l.Stage())
	}
	if l.StopRequested() {
		t.Fatal("normal completion must not look like a stop")
	}
}

func TestFinishKeepsFailed(t *testing.T) {
	l := New()
	l.ArmStop()
	l.MarkFailed()
	l.Finish()
	if l.Stage() != StopFailed {
		t.Fatalf("stage = %s, want FAILED", l.Stage())
	}
}

func TestArmStopOnlyFromIdle(t *testing.T) {
	l := New()
	l.ArmStop()
	l.MarkWaitingRunners()

	if l.ArmStop() {
		t.Fatal("re-arming should be a no-op")
	}
	if l.Stage() != StopWaitingForRunners {
		t.Fatalf("stage = %s, want WAITING_FOR_RUNNERS", l.Stage())
	}
}

func TestMarksIgnoredAfterTerminal(t *testing.T) {
	marks := []func(*Lifecycle){
		(*Lifecycle).MarkInterruptingSetup,
		(*Lifecycle).MarkWaitingRunners,
		(*Lifecycle).MarkInterruptingTeardown,
		(*Lifecycle).MarkTeardown,
		(*Lifecycle).MarkFailed,
	}
	for _, terminal := range []StopStage{StopStopped, StopFailed} {
		for _, mark := range marks {
			l := New()
			l.ArmStop()
			if terminal == StopStopped {
				l.MarkStopped()
			} else {
				l.MarkFailed()
			}
			mark(l)
			if l.Stage() != terminal {
				t.Fatalf("stage moved from %s to %s", terminal, l.Stage())
			}
		}
	}
}

func TestStopActionByPhase(t *testing.T) {
	tests := []struct {
		phase RunPhase
		want  StopAction
	}{
		{PhaseIdle, ActionInterruptSetup},
		{PhaseGlobalSetup, ActionInterruptSetup},
		{PhaseWorkloads, ActionWaitForRunners},
		{PhaseGlobalTeardown, ActionInterruptTeardown},
		{PhaseFinished, ActionNone},
	}
	for _, tc := range tests {
		l := New()
		l.StartPhase(tc.phase)
		if got := l.StopAction(); got != tc.want {
			t.Errorf("StopAction in %s = %s, want %s", tc.phase, got, tc.want)
		}
	}
}

func TestOnTransitionReportsEffectiveChanges(t *testing.T) {
	l := New()
	var seen []Transition
	l.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	l.StartPhase(PhaseGlobalSetup)
	l.StartPhase(PhaseGlobalSetup)
	l.ArmStop()
	l.ArmStop()
	l.MarkInterruptingSetup()
	l.Finish()

	if len(seen) != 4 {
		t.Fatalf("expected 4 transitions, got %d: %+v", len(seen), seen)
	}
	last := seen[len(seen)-1]
	if last.From.Stop != StopInterruptingSetup || last.To.Stop != StopStopped || last.To.Phase != PhaseFinished {
		t.Fatalf("unexpected final transition %+v", last)
	}
}

func TestStateNames(t *testing.T) {
	if PhaseGlobalTeardown.String() != "GLOBAL_TEARDOWN" {
		t.Fatalf("unexpected phase name %s", PhaseGlobalTeardown)
	}
	if StopWaitingForRunners.String() != "WAITING_FOR_RUNNERS" {
		t.Fatalf("unexpected stage name %s", StopWaitingForRunners)
	}
	b, _ := State{Phase: PhaseWorkloads, Stop: StopArmed}.Phase.MarshalText()
	if string(b) != "WORKLOADS" {
		t.Fatalf("MarshalText = %s", b)
	}
}
