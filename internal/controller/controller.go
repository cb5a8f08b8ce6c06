// Package controller drives one benchmark run: it sequences the run phases,
// launches workloads through the automation layer, follows task logs, and
// folds every observed event into the journal.
package controller

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bc-dunia/fleetbench/internal/automation"
	"github.com/bc-dunia/fleetbench/internal/events"
	"github.com/bc-dunia/fleetbench/internal/hostprobe"
	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
	"github.com/bc-dunia/fleetbench/internal/logsink"
	"github.com/bc-dunia/fleetbench/internal/offsets"
	"github.com/bc-dunia/fleetbench/internal/otel"
	"github.com/bc-dunia/fleetbench/internal/plan"
	"github.com/bc-dunia/fleetbench/internal/remote"
)

const (
	defaultMaxParallelHosts  = 8
	defaultPollInterval      = 500 * time.Millisecond
	defaultStopFileName      = ".fleetbench-stop"
	defaultStopSignalTimeout = 30 * time.Second

	// tailConsumer names the controller in the offset store.
	tailConsumer = "controller"
)

// Config holds controller settings. Zero values take defaults.
type Config struct {
	// OutputDir holds per-run directories: local host work dirs and
	// mirrors of remote task logs.
	OutputDir        string
	Component        string
	MaxParallelHosts int
	PollInterval     time.Duration
	TerminalStatuses []string
	StopFileName     string
	// StrictEvents drops events that fail schema validation.
	StrictEvents bool
	// StopSignalTimeout bounds placing or clearing stop files on all hosts.
	StopSignalTimeout time.Duration
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.OutputDir == "" {
		c.OutputDir = "."
	}
	if c.Component == "" {
		c.Component = "controller"
	}
	if c.MaxParallelHosts <= 0 {
		c.MaxParallelHosts = defaultMaxParallelHosts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.StopFileName == "" {
		c.StopFileName = defaultStopFileName
	}
	if c.StopSignalTimeout <= 0 {
		c.StopSignalTimeout = defaultStopSignalTimeout
	}
	return c
}

// RunProtector keeps an active run out of retention cleanup.
type RunProtector interface {
	Protect(runID string)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for controller decisions.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithSinks adds log sinks that receive task events and phase changes.
func WithSinks(sinks ...logsink.Sink) Option {
	return func(c *Controller) { c.sinks = append(c.sinks, sinks...) }
}

// WithTracer sets the tracer for run, phase and task spans.
func WithTracer(tracer *otel.Tracer) Option {
	return func(c *Controller) { c.tracer = tracer }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *otel.Metrics) Option {
	return func(c *Controller) { c.metrics = metrics }
}

// WithStopSignaler overrides how stop files are placed and cleared.
func WithStopSignaler(s remote.StopSignaler) Option {
	return func(c *Controller) { c.signaler = s }
}

// WithExecutors sets the executors used to reach remote hosts.
func WithExecutors(e remote.Executors) Option {
	return func(c *Controller) { c.executors = e }
}

// WithOffsetStore sets where task log offsets are committed.
func WithOffsetStore(store offsets.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithProbe samples the controller host during the workloads phase.
func WithProbe(p *hostprobe.Probe) Option {
	return func(c *Controller) { c.probe = p }
}

// WithRunProtector registers the run with a retention manager.
func WithRunProtector(p RunProtector) Option {
	return func(c *Controller) { c.protector = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs one plan. It is the only writer of the journal and the
// only mutator of the lifecycle; readers use Journal and Lifecycle.
type Controller struct {
	cfg       Config
	runner    automation.Runner
	logger    *slog.Logger
	sinks     []logsink.Sink
	tracer    *otel.Tracer
	metrics   *otel.Metrics
	signaler  remote.StopSignaler
	executors remote.Executors
	store     offsets.Store
	probe     *hostprobe.Probe
	protector RunProtector
	validator *events.Validator
	now       func() time.Time

	stopCh  chan string
	started atomic.Bool

	mu      sync.RWMutex
	runID   string
	journal *journal.Journal
	state   lifecycle.State
}

// New creates a Controller.
func New(cfg Config, runner automation.Runner, opts ...Option) (*Controller, error) {
	if runner == nil {
		return nil, NewConfigError("", "controller requires an automation runner")
	}
	c := &Controller{
		cfg:    cfg.WithDefaults(),
		runner: runner,
		stopCh: make(chan string, 1),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otel.NoopTracer()
	}
	if c.signaler == nil {
		c.signaler = remote.HostStopSignaler{Executors: c.executors}
	}
	if c.store == nil {
		c.store = offsets.NewMemoryStore()
	}
	if c.cfg.StrictEvents {
		v, err := events.NewValidator()
		if err != nil {
			return nil, NewConfigError("", err.Error())
		}
		c.validator = v
	}
	return c, nil
}

// Stop requests a coordinated stop. It is safe from any goroutine and
// never blocks; the run loop decides what to interrupt from the current
// phase. Repeated requests are harmless.
func (c *Controller) Stop() {
	select {
	case c.stopCh <- "stop requested":
	default:
	}
}

// RunID returns the id of the run, empty before Run.
func (c *Controller) RunID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.runID
}

// Journal returns the journal of the run, nil before Run.
func (c *Controller) Journal() *journal.Journal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.journal
}

// Lifecycle returns a copy of the current phase and stop stage.
func (c *Controller) Lifecycle() lifecycle.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run executes p to completion or interruption and returns the final
// journal snapshot. A Controller runs a single plan.
func (c *Controller) Run(ctx context.Context, p *plan.Plan) (journal.Snapshot, error) {
	if p == nil {
		return journal.Snapshot{}, NewConfigError("", "plan is required")
	}
	if err := p.Validate(); err != nil {
		return journal.Snapshot{}, NewConfigError(p.RunID, err.Error())
	}
	if !c.started.CompareAndSwap(false, true) {
		return journal.Snapshot{}, NewConfigError(p.RunID, "controller already ran a plan")
	}

	r := c.newRun(p)
	return r.execute(ctx)
}

func (c *Controller) newRun(p *plan.Plan) *run {
	runID := p.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := c.logger.With("component", c.cfg.Component)

	j := journal.New(runID, journal.Metadata{
		TargetRepetitions: p.TargetRepetitions(),
		Extra: map[string]string{
			"hosts":     strconv.Itoa(len(p.Hosts)),
			"workloads": strconv.Itoa(len(p.Workloads)),
		},
	}, journal.WithClock(c.now), journal.WithLogger(logger))
	for _, key := range p.Tasks() {
		j.AddTask(key)
	}

	r := &run{
		c:           c,
		plan:        p,
		id:          runID,
		journal:     j,
		lc:          lifecycle.New(),
		el:          events.NewEventLoggerWithLogger(runID, logger),
		logger:      logger.With("run_id", runID),
		startedAt:   c.now(),
		unreachable: make(map[string]string),
	}
	r.lc.OnTransition(r.onTransition)

	c.mu.Lock()
	c.runID = runID
	c.journal = j
	c.state = r.lc.State()
	c.mu.Unlock()

	if c.protector != nil {
		c.protector.Protect(runID)
	}
	return r
}
