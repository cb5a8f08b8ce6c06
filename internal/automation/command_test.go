package automation

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("command runner tests need /bin/sh")
	}
}

func TestResultTexts(t *testing.T) {
	res := Result{
		Msg:         "m",
		Stdout:      "out",
		StdoutLines: []string{"l1", "l2"},
		StderrLines: []string{"e1"},
		Results: []Result{
			{Stdout: "nested", Results: []Result{{Msg: "deep", Unreachable: true}}},
		},
	}
	require.Equal(t, []string{"m", "out", "l1", "l2", "e1", "nested", "deep"}, res.Texts())
	require.True(t, res.AnyUnreachable())
	require.False(t, res.AnyFailed())
}

func TestResultUnreachableHosts(t *testing.T) {
	res := Result{Results: []Result{
		{Host: "a"},
		{Host: "b", Unreachable: true},
		{Results: []Result{{Host: "c", Unreachable: true}, {Host: "b", Unreachable: true}}},
		{Unreachable: true},
	}}
	require.Equal(t, []string{"b", "c"}, res.UnreachableHosts())
}

func TestResultSummary(t *testing.T) {
	require.Equal(t, "msg", Result{Msg: "msg", Stderr: "x"}.Summary())
	require.Equal(t, "last line", Result{Stderr: "first\nlast line\n"}.Summary())
	require.Equal(t, "", Result{}.Summary())
}

func TestEnviron(t *testing.T) {
	env := Environ(Invocation{
		RunID:      "run-1",
		Step:       StepWorkload,
		Hosts:      []string{"a", "b"},
		Host:       "a",
		Workload:   "dfaas",
		Repetition: 2,
		StopFile:   "/w/.stop",
	})
	require.Contains(t, env, "FLEETBENCH_RUN_ID=run-1")
	require.Contains(t, env, "FLEETBENCH_STEP=workload")
	require.Contains(t, env, "FLEETBENCH_HOSTS=a,b")
	require.Contains(t, env, "FLEETBENCH_REPETITION=2")
	require.Contains(t, env, "FLEETBENCH_STOP_FILE=/w/.stop")
	require.NotContains(t, env, "FLEETBENCH_PLUGIN=")
}

func TestCommandRunnerRawOutput(t *testing.T) {
	requireShell(t)
	r := NewCommandRunner(CommandConfig{
		Workload: `echo "run $FLEETBENCH_WORKLOAD#$FLEETBENCH_REPETITION"; echo warn >&2`,
	}, quietLogger())

	res, err := r.RunWorkload(context.Background(), Invocation{Step: StepWorkload, Workload: "dfaas", Repetition: 3})
	require.NoError(t, err)
	require.False(t, res.Failed)
	require.Equal(t, []string{"run dfaas#3"}, res.StdoutLines)
	require.Equal(t, []string{"warn"}, res.StderrLines)
}

func TestCommandRunnerJSONResult(t *testing.T) {
	requireShell(t)
	r := NewCommandRunner(CommandConfig{
		Setup: `printf '{"msg":"prepared","results":[{"stdout":"ok"},{"unreachable":true}]}'`,
	}, quietLogger())

	res, err := r.Setup(context.Background(), Invocation{Step: StepSetup})
	require.NoError(t, err)
	require.Equal(t, "prepared", res.Msg)
	require.Len(t, res.Results, 2)
	require.True(t, res.AnyUnreachable())
}

func TestCommandRunnerExitCode(t *testing.T) {
	requireShell(t)
	r := NewCommandRunner(CommandConfig{Teardown: "exit 3"}, quietLogger())

	res, err := r.Teardown(context.Background(), Invocation{Step: StepTeardown})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Equal(t, 3, res.RC)
}

func TestCommandRunnerEmptyCommandSkips(t *testing.T) {
	r := NewCommandRunner(CommandConfig{}, quietLogger())
	res, err := r.Setup(context.Background(), Invocation{Step: StepSetup})
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

func TestCommandRunnerCancelled(t *testing.T) {
	requireShell(t)
	r := NewCommandRunner(CommandConfig{Workload: "sleep 5"}, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.RunWorkload(ctx, Invocation{Step: StepWorkload})
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 4*time.Second)
}
