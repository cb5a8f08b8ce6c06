package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Fetcher mirrors a remote append-only log into a local file. The local
// file size is the remote read offset, so a restarted fetcher resumes
// where it stopped.
type Fetcher struct {
	Executor   Executor
	Address    string
	RemotePath string
	LocalPath  string
}

// Sync appends every byte written remotely since the last sync and returns
// how many were appended.
func (f *Fetcher) Sync(ctx context.Context) (int64, error) {
	offset, err := localSize(f.LocalPath)
	if err != nil {
		return 0, err
	}

	out, err := f.Executor.Run(ctx, f.Address, f.Executor.Dialect().ReadFrom(f.RemotePath, offset))
	if err != nil {
		return 0, fmt.Errorf("fetch %s from %s: %w", f.RemotePath, f.Address, err)
	}
	if out == "" {
		return 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(f.LocalPath), 0o755); err != nil {
		return 0, fmt.Errorf("create mirror dir: %w", err)
	}
	file, err := os.OpenFile(f.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open mirror file: %w", err)
	}
	n, err := file.WriteString(out)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return int64(n), fmt.Errorf("write mirror file: %w", err)
	}
	return int64(n), nil
}

func localSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("stat mirror file: %w", err)
	}
	return info.Size(), nil
}
