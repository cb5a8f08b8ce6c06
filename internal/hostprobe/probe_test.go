package hostprobe

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/fleetbench/internal/logsink"
)

type captureSink struct {
	mu      sync.Mutex
	records []logsink.Record
}

func (s *captureSink) Emit(rec logsink.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *captureSink) SetPhase(string) {}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) snapshot() []logsink.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]logsink.Record(nil), s.records...)
}

func TestProbeEmitsLabelledSamples(t *testing.T) {
	sink := &captureSink{}
	logger := slog.New(logsink.NewHandler(logsink.Context{}, slog.LevelDebug, sink))

	fake := func() Sample {
		return Sample{
			CPUPercent: 42.5,
			MemPercent: 61,
			Process:    &ProcessSample{PID: 7, NumThreads: 12},
		}
	}
	p := New(20*time.Millisecond, fake, logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, n := p.Last()
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	records := sink.snapshot()
	require.GreaterOrEqual(t, len(records), 2)
	rec := records[0]
	require.Equal(t, "host_probe", rec.Message)
	require.Equal(t, "hostprobe", rec.Component)
	require.Equal(t, map[string]string{"kind": "host_probe"}, rec.Labels)
	require.Equal(t, 42.5, rec.Attrs["cpu_percent"])
	require.EqualValues(t, 12, rec.Attrs["process.threads"])

	last, _ := p.Last()
	require.Equal(t, 42.5, last.CPUPercent)
}

func TestCollectReturnsSample(t *testing.T) {
	s := Collect()
	require.False(t, s.Timestamp.IsZero())
	require.NotNil(t, s.Process)
	require.Positive(t, s.Process.PID)
}
