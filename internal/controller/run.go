package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/bc-dunia/fleetbench/internal/automation"
	"github.com/bc-dunia/fleetbench/internal/events"
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/otel"
	"github.com/bc-dunia/fleetbench/internal/plan"
)

// drainTimeout bounds the last poll of a task log after its workload call
// returned.
const drainTimeout = 5 * time.Second

// run is the state of one Run call. The lifecycle and cancelPhase are only
// touched from the goroutine executing Run; ingest is serialized by
// ingestMu and may be called from any host worker.
type run struct {
	c         *Controller
	plan      *plan.Plan
	id        string
	journal   *journal.Journal
	lc        *lifecycle.Lifecycle
	el        *events.EventLogger
	logger    *slog.Logger
	startedAt time.Time

	cancelPhase context.CancelCauseFunc
	cancelled   bool
	armed       bool
	stopPhase   lifecycle.RunPhase
	stopCause   error
	stopping    atomic.Bool

	ingestMu sync.Mutex

	hostMu      sync.Mutex
	unreachable map[string]string
}

func (r *run) execute(ctx context.Context) (journal.Snapshot, error) {
	ctx, span := r.c.tracer.StartRunSpan(ctx, r.id, len(r.plan.Hosts), len(r.plan.Workloads))
	defer span.End()

	r.logger.Info("run_started",
		"hosts", r.plan.HostNames(),
		"workloads", len(r.plan.Workloads),
		"tasks", len(r.plan.Tasks()),
		"target_repetitions", r.plan.TargetRepetitions(),
	)

	r.signalHosts(ctx, true)

	runErr := r.setup(ctx)
	if runErr == nil && !r.armed && ctx.Err() == nil {
		r.workloads(ctx)
	}
	if err := r.teardown(ctx); err != nil && runErr == nil {
		runErr = err
	}
	// ctx may end while no phase is being awaited.
	if ctx.Err() != nil && !r.armed {
		r.handleStop(ctx, "context cancelled", context.Cause(ctx))
	}
	return r.finish(span, runErr)
}

// phase enters p and runs call on a goroutine under a context the main
// loop can cancel, serving stop requests until call returns.
func (r *run) phase(ctx context.Context, p lifecycle.RunPhase, call func(context.Context) error) error {
	r.lc.StartPhase(p)
	r.cancelled = false
	ctx, span := r.c.tracer.StartPhaseSpan(ctx, r.id, p.String())
	defer span.End()

	phaseCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.cancelPhase = cancel
	defer func() { r.cancelPhase = nil }()

	// A stop that arrived between phases is served before launching.
	r.pollStop(ctx)
	if phaseCtx.Err() != nil {
		return context.Cause(phaseCtx)
	}

	done := make(chan error, 1)
	go func() { done <- call(phaseCtx) }()

	err := r.await(ctx, done)
	if err != nil {
		otel.RecordError(span, err, "automation", false)
	}
	return err
}

func (r *run) await(ctx context.Context, done <-chan error) error {
	ctxDone := ctx.Done()
	for {
		select {
		case err := <-done:
			return err
		case reason := <-r.c.stopCh:
			r.handleStop(ctx, reason, ErrStopRequested)
		case <-ctxDone:
			ctxDone = nil
			r.handleStop(ctx, "context cancelled", context.Cause(ctx))
		}
	}
}

func (r *run) pollStop(ctx context.Context) {
	select {
	case reason := <-r.c.stopCh:
		r.handleStop(ctx, reason, ErrStopRequested)
	default:
	}
}

// handleStop arms the stop and performs the interruption the current phase
// calls for. Only the first request has an effect.
func (r *run) handleStop(ctx context.Context, reason string, cause error) {
	if !r.lc.ArmStop() {
		r.el.LogStopIgnored(r.lc.Stage().String(), "stop already in progress")
		return
	}
	r.armed = true
	r.stopPhase = r.lc.Phase()
	r.stopCause = cause
	r.logger.Warn("stop_requested", "reason", reason, "phase", r.stopPhase.String())

	switch action := r.lc.StopAction(); action {
	case lifecycle.ActionInterruptSetup:
		r.lc.MarkInterruptingSetup()
		r.cancel(cause)
	case lifecycle.ActionWaitForRunners:
		r.lc.MarkWaitingRunners()
		r.stopping.Store(true)
		r.signalHosts(ctx, false)
	case lifecycle.ActionInterruptTeardown:
		// Teardown still runs to completion so hosts are cleaned up; only
		// the caller's context can cut it short.
		r.lc.MarkInterruptingTeardown()
	default:
		r.el.LogStopIgnored(r.lc.Stage().String(), "no interruptible phase")
	}
}

func (r *run) cancel(cause error) {
	r.cancelled = true
	if r.cancelPhase != nil {
		r.cancelPhase(cause)
	}
}

// interrupted reports whether err is the result of the phase being
// cancelled or of ctx ending rather than a genuine automation failure.
func (r *run) interrupted(ctx context.Context, err error) bool {
	return err != nil && (r.cancelled || ctx.Err() != nil)
}

// fail reports an automation failure in phase p. The stop stage records it
// only while a stop is in progress; otherwise the returned error is the
// sole record of the failed run.
func (r *run) fail(p lifecycle.RunPhase, err error) error {
	if r.armed {
		r.lc.MarkFailed()
	}
	return NewAutomationError(r.id, p, err)
}

func (r *run) setup(ctx context.Context) error {
	inv := r.invocation(automation.StepSetup)
	var res automation.Result
	err := r.phase(ctx, lifecycle.PhaseGlobalSetup, func(ctx context.Context) error {
		var err error
		res, err = r.c.runner.Setup(ctx, inv)
		return err
	})
	r.ingestResult(res, "setup", "")

	switch {
	case r.interrupted(ctx, err):
		r.logger.Warn("setup_interrupted", "error", err)
		return nil
	case err != nil:
		return r.fail(lifecycle.PhaseGlobalSetup, err)
	}

	detail := firstNonEmpty(res.Summary(), "host unreachable during setup")
	hosts := res.UnreachableHosts()
	if len(hosts) == 0 && res.AnyUnreachable() && len(r.plan.Hosts) == 1 {
		hosts = []string{r.plan.Hosts[0].Name}
	}
	for _, host := range hosts {
		r.markUnreachable(host, detail)
		r.resolveHost(host, detail)
	}

	if failed(res) {
		return r.fail(lifecycle.PhaseGlobalSetup,
			fmt.Errorf("setup reported failure: %s", firstNonEmpty(res.Summary(), fmt.Sprintf("rc=%d", res.RC))))
	}
	return nil
}

func (r *run) workloads(ctx context.Context) {
	if r.c.probe != nil {
		probeCtx, stopProbe := context.WithCancel(ctx)
		probeDone := make(chan struct{})
		go func() {
			defer close(probeDone)
			r.c.probe.Run(probeCtx)
		}()
		defer func() {
			stopProbe()
			<-probeDone
		}()
	}

	_ = r.phase(ctx, lifecycle.PhaseWorkloads, func(ctx context.Context) error {
		sem := make(chan struct{}, r.c.cfg.MaxParallelHosts)
		var wg sync.WaitGroup
		for _, h := range r.plan.Hosts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				defer func() { <-sem }()
				r.runHost(ctx, h)
			}()
		}
		wg.Wait()
		return nil
	})
}

func (r *run) teardown(ctx context.Context) error {
	if ctx.Err() != nil {
		r.logger.Warn("teardown_skipped", "reason", "context cancelled")
		return nil
	}
	if r.armed {
		r.lc.MarkTeardown()
	}

	inv := r.invocation(automation.StepTeardown)
	var res automation.Result
	err := r.phase(ctx, lifecycle.PhaseGlobalTeardown, func(ctx context.Context) error {
		var err error
		res, err = r.c.runner.Teardown(ctx, inv)
		return err
	})
	r.ingestResult(res, "teardown", "")

	switch {
	case r.interrupted(ctx, err):
		r.logger.Warn("teardown_interrupted", "error", err)
		return nil
	case err != nil:
		return r.fail(lifecycle.PhaseGlobalTeardown, err)
	case failed(res):
		return r.fail(lifecycle.PhaseGlobalTeardown,
			fmt.Errorf("teardown reported failure: %s", firstNonEmpty(res.Summary(), fmt.Sprintf("rc=%d", res.RC))))
	}
	return nil
}

func (r *run) finish(span trace.Span, runErr error) (journal.Snapshot, error) {
	reason := "not started"
	switch {
	case runErr != nil:
		reason = "run failed"
	case r.armed:
		reason = "stop requested"
	}
	for _, key := range r.journal.MarkUnstarted(journal.StatusSkipped, reason) {
		if state, ok := r.journal.Get(key); ok {
			r.c.metrics.RecordTaskStatus(context.Background(), key.Workload, "skipped")
			r.emitTask(state)
		}
	}

	r.lc.Finish()

	snap := r.journal.Snapshot()
	counts := make(map[string]int)
	for status, n := range snap.Counts() {
		counts[strings.ToLower(string(status))] = n
	}
	state := r.lc.State()
	elapsed := r.c.now().Sub(r.startedAt)
	r.el.LogRunFinished(state.Phase.String(), state.Stop.String(), counts, elapsed)

	attrs := map[string]any{"stop_stage": state.Stop.String(), "elapsed_ms": elapsed.Milliseconds()}
	for status, n := range counts {
		attrs["tasks."+status] = n
	}
	r.emit(logsink.Record{
		Level:   slog.LevelInfo,
		Message: "run_finished",
		Labels:  map[string]string{"kind": "run"},
		Attrs:   attrs,
	})

	if runErr == nil && r.armed {
		runErr = NewInterruptedError(r.id, r.stopPhase, r.stopCause)
	}
	if runErr != nil {
		kind := "run"
		if cErr := AsError(runErr); cErr != nil {
			kind = cErr.Kind.String()
		}
		otel.RecordError(span, runErr, kind, false)
	}
	return snap, runErr
}

// runHost executes the tasks of one host in order until the host becomes
// unreachable or a stop stops new launches.
func (r *run) runHost(ctx context.Context, h plan.Host) {
	workdir := r.workDir(h)
	if h.TransportOrDefault() == plan.TransportLocal {
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			r.logger.Warn("workdir_create_failed", "host", h.Name, "path", workdir, "error", err)
		}
	}

	for _, key := range r.plan.HostTasks(h.Name) {
		if detail, ok := r.isUnreachable(h.Name); ok {
			r.resolveHost(h.Name, detail)
			return
		}
		if r.stopping.Load() || ctx.Err() != nil {
			return
		}
		if state, ok := r.journal.Get(key); ok && state.Status.IsTerminal() {
			continue
		}
		r.runTask(ctx, h, workdir, key)
	}
}

func (r *run) runTask(ctx context.Context, h plan.Host, workdir string, key journal.TaskKey) {
	w, _ := r.plan.Workload(key.Workload)
	ctx, span := r.c.tracer.StartTaskSpan(ctx, otel.TaskSpanOptions{
		RunID:      r.id,
		Host:       key.Host,
		Workload:   key.Workload,
		Repetition: key.Repetition,
	})
	defer span.End()

	inv := r.invocation(automation.StepWorkload)
	inv.Hosts = []string{h.Name}
	inv.Host = h.Name
	inv.Workload = w.Name
	inv.Package = w.Package
	inv.Plugin = w.Plugin
	inv.Scenario = w.Scenario
	inv.Repetition = key.Repetition
	inv.TotalRepetitions = r.plan.RepetitionsOf(w)
	inv.WorkDir = workdir
	inv.LogPath = h.TaskLogPath(workdir, w.Name, key.Repetition)
	inv.StopFile = r.stopFile(h)

	r.apply(r.synthetic(key, inv.TotalRepetitions, journal.StatusRunning, "launched"))

	f := r.newFollower(h, key, inv.LogPath)
	followCtx, stopFollow := context.WithCancel(ctx)
	followDone := make(chan struct{})
	go func() {
		defer close(followDone)
		f.run(followCtx)
	}()

	res, err := r.c.runner.RunWorkload(ctx, inv)
	stopFollow()
	<-followDone
	r.ingestResult(res, "workload", h.Name)

	if state, ok := r.journal.Get(key); ok && state.Status.IsTerminal() {
		if state.Status == journal.StatusFailed {
			otel.RecordError(span, errors.New(state.Message), "workload", false)
		}
		return
	}

	var status journal.Status
	var message string
	switch {
	case res.AnyUnreachable():
		status, message = journal.StatusUnreachable, firstNonEmpty(res.Summary(), "host unreachable")
		r.markUnreachable(h.Name, message)
	case err != nil:
		status, message = journal.StatusFailed, err.Error()
		otel.RecordError(span, err, "workload", false)
	case res.AnyFailed():
		status, message = journal.StatusFailed, firstNonEmpty(res.Summary(), fmt.Sprintf("exit status %d", res.RC))
	default:
		status, message = journal.StatusCompleted, res.Summary()
	}
	r.apply(r.synthetic(key, inv.TotalRepetitions, status, message))
}

// resolveHost marks every unfinished task of host UNREACHABLE.
func (r *run) resolveHost(host, detail string) {
	for _, key := range r.plan.HostTasks(host) {
		w, _ := r.plan.Workload(key.Workload)
		r.apply(r.synthetic(key, r.plan.RepetitionsOf(w), journal.StatusUnreachable, detail))
	}
}

func (r *run) markUnreachable(host, detail string) {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	if _, ok := r.unreachable[host]; ok {
		return
	}
	r.unreachable[host] = detail
	r.el.LogHostUnreachable(host, detail)
}

func (r *run) isUnreachable(host string) (string, bool) {
	r.hostMu.Lock()
	defer r.hostMu.Unlock()
	detail, ok := r.unreachable[host]
	return detail, ok
}

// signalHosts places (or, with remove, deletes) the stop file on every
// reachable host concurrently. Failures are logged and never abort the run.
func (r *run) signalHosts(ctx context.Context, remove bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.c.cfg.StopSignalTimeout)
	defer cancel()

	op := "signal"
	if remove {
		op = "clear"
	}
	var wg sync.WaitGroup
	for _, h := range r.plan.Hosts {
		if _, down := r.isUnreachable(h.Name); down {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := r.stopFile(h)
			var err error
			if remove {
				err = r.c.signaler.Clear(ctx, h, p)
			} else {
				err = r.c.signaler.Signal(ctx, h, p)
			}
			if err != nil {
				r.logger.Warn("stop_file_failed", "op", op, "host", h.Name, "path", p, "error", err)
				return
			}
			r.logger.Debug("stop_file", "op", op, "host", h.Name, "path", p)
		}()
	}
	wg.Wait()
}

// workDir is where the automation layer writes task logs for h.
func (r *run) workDir(h plan.Host) string {
	if h.WorkDir != "" {
		return h.WorkDir
	}
	if h.TransportOrDefault() == plan.TransportLocal {
		return filepath.Join(r.c.cfg.OutputDir, r.id, "hosts", h.Name)
	}
	return path.Join(".fleetbench", r.id)
}

func (r *run) stopFile(h plan.Host) string {
	if h.TransportOrDefault() == plan.TransportLocal {
		return filepath.Join(r.workDir(h), r.c.cfg.StopFileName)
	}
	return path.Join(r.workDir(h), r.c.cfg.StopFileName)
}

func (r *run) mirrorPath(key journal.TaskKey) string {
	return filepath.Join(r.c.cfg.OutputDir, r.id, "mirror", key.Host,
		fmt.Sprintf("%s-%d.log", key.Workload, key.Repetition))
}

func (r *run) invocation(step automation.Step) automation.Invocation {
	return automation.Invocation{
		RunID: r.id,
		Step:  step,
		Hosts: r.plan.HostNames(),
	}
}

func (r *run) synthetic(key journal.TaskKey, total int, status journal.Status, message string) events.Event {
	return events.Event{
		RunID:            r.id,
		Host:             key.Host,
		Workload:         key.Workload,
		Repetition:       key.Repetition,
		TotalRepetitions: total,
		Status:           strings.ToLower(string(status)),
		Message:          message,
	}
}

// failed reports a failure that is not explained by an unreachable host.
func failed(res automation.Result) bool {
	if res.Unreachable {
		return false
	}
	if res.Failed {
		return true
	}
	for _, nested := range res.Results {
		if failed(nested) {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
