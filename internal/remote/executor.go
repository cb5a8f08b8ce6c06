// Package remote reaches fleet hosts to place stop files and mirror task
// logs. SSH serves Unix hosts and WinRM serves Windows hosts.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/bc-dunia/fleetbench/internal/plan"
)

// Executor runs one command on a host and returns its standard output.
// A non-zero exit status is reported as *ExitError.
type Executor interface {
	Run(ctx context.Context, address, command string) (string, error)
	Dialect() Dialect
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command exited with status %d: %s", e.Code, strings.TrimSpace(e.Stderr))
	}
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Dialect renders the few file commands fleetbench needs in a host's shell.
type Dialect int

const (
	DialectPOSIX Dialect = iota
	DialectPowerShell
)

func (d Dialect) String() string {
	if d == DialectPowerShell {
		return "powershell"
	}
	return "posix"
}

// Quote quotes s as a single literal argument.
func (d Dialect) Quote(s string) string {
	if d == DialectPowerShell {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// TouchFile creates path and its parent directory.
func (d Dialect) TouchFile(path string) string {
	if d == DialectPowerShell {
		return fmt.Sprintf("New-Item -ItemType File -Force -Path %s | Out-Null", d.Quote(path))
	}
	dir := "."
	switch i := strings.LastIndexByte(path, '/'); {
	case i == 0:
		dir = "/"
	case i > 0:
		dir = path[:i]
	}
	return fmt.Sprintf("mkdir -p %s && touch %s", d.Quote(dir), d.Quote(path))
}

// RemoveFile removes path; a missing file is not an error.
func (d Dialect) RemoveFile(path string) string {
	if d == DialectPowerShell {
		return fmt.Sprintf("Remove-Item -Force -ErrorAction SilentlyContinue -Path %s", d.Quote(path))
	}
	return fmt.Sprintf("rm -f %s", d.Quote(path))
}

// ReadFrom prints path starting at byte offset; a missing file prints
// nothing.
func (d Dialect) ReadFrom(path string, offset int64) string {
	if d == DialectPowerShell {
		q := d.Quote(path)
		return fmt.Sprintf(
			"if (Test-Path %[1]s) { $f = [System.IO.File]::Open(%[1]s, 'Open', 'Read', 'ReadWrite'); "+
				"$null = $f.Seek(%[2]d, 'Begin'); $r = New-Object System.IO.StreamReader($f); "+
				"[Console]::Out.Write($r.ReadToEnd()); $r.Close() }",
			q, offset)
	}
	return fmt.Sprintf("if [ -f %[1]s ]; then tail -c +%[2]d %[1]s; fi", d.Quote(path), offset+1)
}

// ShellExecutor runs commands on the local host through /bin/sh. The
// address is ignored.
type ShellExecutor struct {
	Shell string
}

// Run executes command locally.
func (e ShellExecutor) Run(ctx context.Context, _ string, command string) (string, error) {
	shell := e.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return stdout.String(), fmt.Errorf("run local command: %w", err)
	}
	return stdout.String(), nil
}

// Dialect returns DialectPOSIX.
func (ShellExecutor) Dialect() Dialect {
	return DialectPOSIX
}

// Executors selects an Executor by host transport.
type Executors struct {
	Local Executor
	SSH   Executor
	WinRM Executor
}

// For returns the executor serving h.
func (e Executors) For(h plan.Host) (Executor, error) {
	var ex Executor
	switch h.TransportOrDefault() {
	case plan.TransportLocal:
		ex = e.Local
		if ex == nil {
			ex = ShellExecutor{}
		}
	case plan.TransportSSH:
		ex = e.SSH
	case plan.TransportWinRM:
		ex = e.WinRM
	}
	if ex == nil {
		return nil, fmt.Errorf("host %q: no executor configured for transport %q", h.Name, h.TransportOrDefault())
	}
	return ex, nil
}

func withDefaultPort(address string, port int) string {
	if port <= 0 || strings.Contains(address, ":") {
		return address
	}
	return address + ":" + strconv.Itoa(port)
}
