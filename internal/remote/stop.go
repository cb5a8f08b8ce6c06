package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bc-dunia/fleetbench/internal/plan"
)

// StopSignaler places and removes the stop file the automation layer
// watches on each host.
type StopSignaler interface {
	Signal(ctx context.Context, host plan.Host, path string) error
	Clear(ctx context.Context, host plan.Host, path string) error
}

// LocalStopSignaler manages stop files on the controller's own filesystem.
type LocalStopSignaler struct{}

// Signal creates path and its parent directory.
func (LocalStopSignaler) Signal(_ context.Context, _ plan.Host, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create stop file dir: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("write stop file: %w", err)
	}
	return nil
}

// Clear removes path; a missing file is not an error.
func (LocalStopSignaler) Clear(_ context.Context, _ plan.Host, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stop file: %w", err)
	}
	return nil
}

// ExecStopSignaler manages stop files through an Executor, addressing the
// host by its plan address.
type ExecStopSignaler struct {
	Executor Executor
}

// Signal creates path on the host.
func (s ExecStopSignaler) Signal(ctx context.Context, host plan.Host, path string) error {
	if _, err := s.Executor.Run(ctx, host.Address, s.Executor.Dialect().TouchFile(path)); err != nil {
		return fmt.Errorf("signal stop on %s: %w", host.Name, err)
	}
	return nil
}

// Clear removes path on the host.
func (s ExecStopSignaler) Clear(ctx context.Context, host plan.Host, path string) error {
	if _, err := s.Executor.Run(ctx, host.Address, s.Executor.Dialect().RemoveFile(path)); err != nil {
		return fmt.Errorf("clear stop file on %s: %w", host.Name, err)
	}
	return nil
}

// HostStopSignaler routes each host to the signaler of its transport.
// Local hosts use LocalStopSignaler.
type HostStopSignaler struct {
	Executors Executors
}

func (s HostStopSignaler) route(host plan.Host) (StopSignaler, error) {
	if host.TransportOrDefault() == plan.TransportLocal && s.Executors.Local == nil {
		return LocalStopSignaler{}, nil
	}
	ex, err := s.Executors.For(host)
	if err != nil {
		return nil, err
	}
	return ExecStopSignaler{Executor: ex}, nil
}

// Signal creates the stop file on host.
func (s HostStopSignaler) Signal(ctx context.Context, host plan.Host, path string) error {
	r, err := s.route(host)
	if err != nil {
		return err
	}
	return r.Signal(ctx, host, path)
}

// Clear removes the stop file on host.
func (s HostStopSignaler) Clear(ctx context.Context, host plan.Host, path string) error {
	r, err := s.route(host)
	if err != nil {
		return err
	}
	return r.Clear(ctx, host, path)
}
