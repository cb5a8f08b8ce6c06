package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

// waitDelay bounds how long output pipes held by orphaned children may
// delay a cancelled command.
const waitDelay = 2 * time.Second

// CommandConfig configures a CommandRunner. An empty command skips its step.
type CommandConfig struct {
	Setup    string
	Workload string
	Teardown string
	// Shell runs each command as `Shell -c command`. Default /bin/sh.
	Shell string
	// Dir is the working directory of every command.
	Dir string
	// Env is added to the process environment after the FLEETBENCH_*
	// variables, so it can override them.
	Env map[string]string
}

// CommandRunner runs shell commands as the automation layer.
type CommandRunner struct {
	cfg    CommandConfig
	logger *slog.Logger
}

// NewCommandRunner creates a CommandRunner.
func NewCommandRunner(cfg CommandConfig, logger *slog.Logger) *CommandRunner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{cfg: cfg, logger: logger.With("component", "automation")}
}

// Setup runs the setup command.
func (r *CommandRunner) Setup(ctx context.Context, inv Invocation) (Result, error) {
	return r.run(ctx, r.cfg.Setup, inv)
}

// RunWorkload runs the workload command for one task.
func (r *CommandRunner) RunWorkload(ctx context.Context, inv Invocation) (Result, error) {
	return r.run(ctx, r.cfg.Workload, inv)
}

// Teardown runs the teardown command.
func (r *CommandRunner) Teardown(ctx context.Context, inv Invocation) (Result, error) {
	return r.run(ctx, r.cfg.Teardown, inv)
}

func (r *CommandRunner) run(ctx context.Context, command string, inv Invocation) (Result, error) {
	if strings.TrimSpace(command) == "" {
		return Result{}, nil
	}

	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", command)
	cmd.Dir = r.cfg.Dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), Environ(inv)...)
	for _, k := range sortedKeys(r.cfg.Env) {
		cmd.Env = append(cmd.Env, k+"="+r.cfg.Env[k])
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("automation_command_start",
		"step", string(inv.Step),
		"host", inv.Host,
		"workload", inv.Workload,
		"repetition", inv.Repetition,
	)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return parseOutput(stdout.Bytes(), stderr.Bytes()), fmt.Errorf("%s command interrupted: %w", inv.Step, ctxErr)
	}

	res := parseOutput(stdout.Bytes(), stderr.Bytes())
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return res, fmt.Errorf("start %s command: %w", inv.Step, err)
		}
		res.Failed = true
		res.RC = exitErr.ExitCode()
	}

	r.logger.Debug("automation_command_done",
		"step", string(inv.Step),
		"host", inv.Host,
		"workload", inv.Workload,
		"repetition", inv.Repetition,
		"rc", res.RC,
		"failed", res.Failed,
	)
	return res, nil
}

// parseOutput uses stdout as a JSON result document when it is one, and
// falls back to raw text otherwise.
func parseOutput(stdout, stderr []byte) Result {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res Result
		if err := json.Unmarshal(trimmed, &res); err == nil {
			if res.Stderr == "" {
				res.Stderr = string(stderr)
			}
			return res
		}
	}
	return Result{
		Stdout:      string(stdout),
		Stderr:      string(stderr),
		StdoutLines: splitLines(string(stdout)),
		StderrLines: splitLines(string(stderr)),
	}
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// Environ renders inv as FLEETBENCH_* environment entries.
func Environ(inv Invocation) []string {
	env := []string{
		"FLEETBENCH_RUN_ID=" + inv.RunID,
		"FLEETBENCH_STEP=" + string(inv.Step),
		"FLEETBENCH_HOSTS=" + strings.Join(inv.Hosts, ","),
	}
	add := func(key, value string) {
		if value != "" {
			env = append(env, "FLEETBENCH_"+key+"="+value)
		}
	}
	add("HOST", inv.Host)
	add("WORKLOAD", inv.Workload)
	add("PACKAGE", inv.Package)
	add("PLUGIN", inv.Plugin)
	add("SCENARIO", inv.Scenario)
	if inv.Repetition > 0 {
		add("REPETITION", strconv.Itoa(inv.Repetition))
	}
	if inv.TotalRepetitions > 0 {
		add("TOTAL_REPETITIONS", strconv.Itoa(inv.TotalRepetitions))
	}
	add("WORKDIR", inv.WorkDir)
	add("LOG_PATH", inv.LogPath)
	add("STOP_FILE", inv.StopFile)
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
