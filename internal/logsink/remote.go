package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gowebpki/jcs"

	"github.com/bc-dunia/fleetbench/internal/otel"
)

// PushPath is appended to remote endpoints that do not already end with it.
const PushPath = "/loki/api/v1/push"

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultTimeout       = 5 * time.Second
	defaultQueueSize     = 10000
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffFactor = 2.0

	maxBackoffInterval   = time.Minute
	maxResponseBodyBytes = 4 * 1024
)

// ErrCloseTimeout is returned by Close when the worker did not finish
// within its shutdown bound.
var ErrCloseTimeout = errors.New("remote sink: shutdown timed out")

// RemoteConfig configures a RemoteBatchSink.
type RemoteConfig struct {
	// Name identifies the sink in logs and metrics. Default "loki".
	Name string

	Endpoint      string
	BatchSize     int
	FlushInterval time.Duration
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	// Negative values are treated as zero.
	MaxRetries    int
	QueueSize     int
	BackoffBase   time.Duration
	BackoffFactor float64

	// DefaultLabels are the lowest-precedence labels; StaticLabels override them.
	DefaultLabels map[string]string
	StaticLabels  map[string]string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *otel.Metrics
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c RemoteConfig) WithDefaults() RemoteConfig {
	if c.Name == "" {
		c.Name = "loki"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NormalizeEndpoint validates raw and appends PushPath when missing. A
// trailing slash is stripped first. Only http and https are accepted.
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("remote sink endpoint cannot be empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid remote sink endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid remote sink endpoint %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid remote sink endpoint %q: missing host", raw)
	}
	trimmed = strings.TrimRight(trimmed, "/")
	if !strings.HasSuffix(trimmed, PushPath) {
		trimmed += PushPath
	}
	return trimmed, nil
}

// RemoteStats are cumulative counters of a RemoteBatchSink.
type RemoteStats struct {
	Enqueued      int64 `json:"enqueued"`
	Dropped       int64 `json:"dropped"`
	Shipped       int64 `json:"shipped"`
	FailedBatches int64 `json:"failed_batches"`
	Retries       int64 `json:"retries"`
	Attempts      int64 `json:"attempts"`
}

type queueItem struct {
	entry    LogEntry
	sentinel bool
}

// RemoteBatchSink batches entries on one background worker and pushes them
// to a Loki-compatible endpoint.
type RemoteBatchSink struct {
	cfg      RemoteConfig
	endpoint string
	labels   map[string]string
	logger   *slog.Logger
	phase    atomic.Value

	queue chan queueItem

	// stopCtx is cancelled when Close is called; hardCtx when the shutdown
	// bound expires and in-flight requests must be abandoned.
	stopCtx    context.Context
	stopCancel context.CancelFunc
	hardCtx    context.Context
	hardCancel context.CancelFunc
	closeOnce  sync.Once
	finished   chan struct{}

	enqueued      atomic.Int64
	dropped       atomic.Int64
	shipped       atomic.Int64
	failedBatches atomic.Int64
	retries       atomic.Int64
	attempts      atomic.Int64
}

// NewRemoteBatchSink validates cfg and starts the worker. An invalid
// endpoint fails here rather than at first delivery.
func NewRemoteBatchSink(cfg RemoteConfig) (*RemoteBatchSink, error) {
	cfg = cfg.WithDefaults()
	endpoint, err := NormalizeEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	stopCtx, stopCancel := context.WithCancel(context.Background())
	hardCtx, hardCancel := context.WithCancel(context.Background())

	s := &RemoteBatchSink{
		cfg:        cfg,
		endpoint:   endpoint,
		labels:     mergeLabels(cfg.DefaultLabels, cfg.StaticLabels),
		logger:     cfg.Logger.With("component", "remote_sink", "sink", cfg.Name),
		queue:      make(chan queueItem, cfg.QueueSize),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
		finished:   make(chan struct{}),
	}
	s.phase.Store("")

	go s.run()
	return s, nil
}

// Endpoint returns the normalized push URL.
func (s *RemoteBatchSink) Endpoint() string {
	return s.endpoint
}

// SetPhase sets the phase tag applied to every subsequent entry.
func (s *RemoteBatchSink) SetPhase(phase string) {
	s.phase.Store(phase)
}

// Labels computes the label set for rec: defaults, static labels, the
// record's dynamic labels, its identity fields, then the phase tag.
func (s *RemoteBatchSink) Labels(rec Record) map[string]string {
	phase := rec.Phase
	if phase == "" {
		phase, _ = s.phase.Load().(string)
	}
	return mergeLabels(
		s.labels,
		rec.Labels,
		rec.fieldLabels(),
		map[string]string{"phase": phase},
	)
}

// Emit converts rec to a LogEntry and enqueues it without blocking.
func (s *RemoteBatchSink) Emit(rec Record) {
	labels := s.Labels(rec)
	if len(labels) == 0 {
		s.drop("no_labels", 1)
		return
	}
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	s.EmitEntry(LogEntry{Labels: labels, Timestamp: ts.UnixNano(), Line: rec.render()})
}

// EmitEntry enqueues a pre-labelled entry without blocking. On a full queue,
// or after Close, the entry is dropped.
func (s *RemoteBatchSink) EmitEntry(entry LogEntry) {
	if len(entry.Labels) == 0 {
		s.drop("no_labels", 1)
		return
	}
	if s.stopCtx.Err() != nil {
		s.drop("closed", 1)
		return
	}
	select {
	case s.queue <- queueItem{entry: entry}:
		s.enqueued.Add(1)
	default:
		s.drop("queue_full", 1)
	}
}

func (s *RemoteBatchSink) drop(reason string, n int64) {
	s.dropped.Add(n)
	s.cfg.Metrics.RecordSinkEntries(context.Background(), s.cfg.Name, "dropped", n)
	s.logger.Debug("remote_sink_entry_dropped", "reason", reason, "count", n)
}

func (s *RemoteBatchSink) run() {
	defer close(s.finished)

	pending := make([]LogEntry, 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case item := <-s.queue:
			if item.sentinel {
				s.shutdownFlush(pending)
				return
			}
			pending = append(pending, item.entry)
			if len(pending) >= s.cfg.BatchSize {
				s.flush(pending, false)
				pending = make([]LogEntry, 0, s.cfg.BatchSize)
				resetTimer()
			}

		case <-timer.C:
			if len(pending) > 0 {
				s.flush(pending, false)
				pending = make([]LogEntry, 0, s.cfg.BatchSize)
			}
			timer.Reset(s.cfg.FlushInterval)

		case <-s.stopCtx.Done():
			s.shutdownFlush(pending)
			return
		}
	}
}

// shutdownFlush drains whatever is already queued and ships it with a
// single attempt per batch.
func (s *RemoteBatchSink) shutdownFlush(pending []LogEntry) {
	for drained := false; !drained; {
		select {
		case item := <-s.queue:
			if !item.sentinel {
				pending = append(pending, item.entry)
			}
		default:
			drained = true
		}
	}
	for len(pending) > 0 {
		n := min(len(pending), s.cfg.BatchSize)
		s.flush(pending[:n], true)
		pending = pending[n:]
	}
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

// buildPayload groups entries into one stream per distinct label set, in
// order of first appearance.
func buildPayload(entries []LogEntry) pushRequest {
	index := make(map[string]int)
	req := pushRequest{Streams: make([]pushStream, 0, 1)}
	for _, e := range entries {
		key := labelKey(e.Labels)
		i, ok := index[key]
		if !ok {
			i = len(req.Streams)
			index[key] = i
			req.Streams = append(req.Streams, pushStream{Stream: e.Labels})
		}
		req.Streams[i].Values = append(req.Streams[i].Values,
			[2]string{strconv.FormatInt(e.Timestamp, 10), e.Line})
	}
	return req
}

// labelKey is the canonical (RFC 8785) JSON form of a label set.
func labelKey(labels map[string]string) string {
	raw, err := json.Marshal(labels)
	if err != nil {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("push rejected: status=%d body=%s", e.code, e.body)
}

func (s *RemoteBatchSink) flush(entries []LogEntry, final bool) {
	if len(entries) == 0 {
		return
	}
	body, err := json.Marshal(buildPayload(entries))
	if err != nil {
		s.failed(entries, err)
		return
	}

	maxRetries := uint64(s.cfg.MaxRetries)
	if final {
		maxRetries = 0
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffBase
	policy.Multiplier = s.cfg.BackoffFactor
	policy.RandomizationFactor = 0
	policy.MaxInterval = time.Duration(math.Min(
		float64(s.cfg.BackoffBase)*math.Pow(s.cfg.BackoffFactor, float64(s.cfg.MaxRetries)),
		float64(maxBackoffInterval),
	))
	policy.MaxElapsedTime = 0
	policy.Reset()

	waitCtx := s.stopCtx
	if final {
		waitCtx = s.hardCtx
	}

	attempt := 0
	op := func() error {
		if attempt > 0 && s.stopCtx.Err() != nil && !final {
			return backoff.Permanent(errors.New("sink stopping"))
		}
		attempt++
		s.attempts.Add(1)
		return s.push(body)
	}
	notify := func(err error, wait time.Duration) {
		s.retries.Add(1)
		s.cfg.Metrics.RecordSinkRetry(context.Background(), s.cfg.Name)
		s.logger.Debug("remote_sink_retry", "attempt", attempt, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), waitCtx), notify)
	if err != nil {
		s.failed(entries, err)
		return
	}
	s.shipped.Add(int64(len(entries)))
	s.cfg.Metrics.RecordSinkEntries(context.Background(), s.cfg.Name, "shipped", int64(len(entries)))
}

func (s *RemoteBatchSink) failed(entries []LogEntry, err error) {
	s.failedBatches.Add(1)
	s.cfg.Metrics.RecordSinkEntries(context.Background(), s.cfg.Name, "failed", int64(len(entries)))
	s.logger.Debug("remote_sink_batch_dropped", "entries", len(entries), "error", err)
}

// push performs one HTTP attempt. 4xx responses are permanent.
func (s *RemoteBatchSink) push(body []byte) error {
	ctx, cancel := context.WithTimeout(s.hardCtx, s.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return backoff.Permanent(&statusError{code: resp.StatusCode, body: string(snippet)})
	default:
		return &statusError{code: resp.StatusCode, body: string(snippet)}
	}
}

// Close stops the worker and waits for the final flush, bounded by twice
// the flush interval or ctx, whichever ends first. Entries emitted after
// Close are dropped.
func (s *RemoteBatchSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.stopCancel()
		select {
		case s.queue <- queueItem{sentinel: true}:
		default:
		}
	})

	bound := time.NewTimer(2 * s.cfg.FlushInterval)
	defer bound.Stop()

	select {
	case <-s.finished:
		return nil
	case <-bound.C:
		s.hardCancel()
		s.logger.Debug("remote_sink_close_timeout")
		return ErrCloseTimeout
	case <-ctx.Done():
		s.hardCancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of the sink counters.
func (s *RemoteBatchSink) Stats() RemoteStats {
	return RemoteStats{
		Enqueued:      s.enqueued.Load(),
		Dropped:       s.dropped.Load(),
		Shipped:       s.shipped.Load(),
		FailedBatches: s.failedBatches.Load(),
		Retries:       s.retries.Load(),
		Attempts:      s.attempts.Load(),
	}
}
