package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bc-dunia/fleetbench/internal/controller"
	"github.com/bc-dunia/fleetbench/internal/lifecycle"
)

const testPlan = `
run_id: cli-run
repetitions: 2
hosts:
  - name: node-a
workloads:
  - name: dfaas
    plugin: k6
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"interrupted", controller.NewInterruptedError("r", lifecycle.PhaseWorkloads, controller.ErrStopRequested), exitInterrupted},
		{"config", controller.NewConfigError("r", "bad plan"), exitUsage},
		{"usage", fmt.Errorf("%w: missing flag", errUsage), exitUsage},
		{"other", errors.New("boom"), exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestPlanValidate(t *testing.T) {
	path := writeFile(t, "plan.yaml", testPlan)

	out, err := execute(t, "plan", "validate", path)
	if err != nil {
		t.Fatalf("plan validate: %v", err)
	}
	if !strings.Contains(out, "1 hosts, 1 workloads, 2 tasks") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestPlanValidateRejectsInvalidPlan(t *testing.T) {
	path := writeFile(t, "plan.yaml", "hosts: []\n")

	_, err := execute(t, "plan", "validate", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if exitCode(err) != exitUsage {
		t.Errorf("exitCode = %d, want %d", exitCode(err), exitUsage)
	}
}

func TestResolveConfigPrecedence(t *testing.T) {
	cfgPath := writeFile(t, "fleetbench.yaml", "log_level: warn\noutput_dir: /tmp/from-file\n")
	t.Setenv("FLEETBENCH_LOG_LEVEL", "error")
	t.Setenv("FLEETBENCH_OUTPUT_DIR", "")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--config", cfgPath, "--log-level", "debug"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := resolveConfig(cmd)
	if err != nil {
		t.Fatalf("resolveConfig: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want flag value %q", cfg.LogLevel, "debug")
	}
	if cfg.OutputDir != "/tmp/from-file" {
		t.Errorf("OutputDir = %q, want file value", cfg.OutputDir)
	}
}

func TestResolveConfigMissingFileIsUsageError(t *testing.T) {
	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	_, err := resolveConfig(cmd)
	if !errors.Is(err, errUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunCommandCompletesPlan(t *testing.T) {
	outDir := t.TempDir()
	cfgPath := writeFile(t, "fleetbench.yaml", `
file_log:
  enabled: false
tailer:
  poll_interval: 20ms
automation:
  workload_command: "true"
`)
	planPath := writeFile(t, "plan.yaml", testPlan)

	out, err := execute(t, "run", "--config", cfgPath, "--output-dir", outDir, "--plan", planPath)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "run cli-run") || !strings.Contains(out, "completed=2") {
		t.Errorf("unexpected summary: %q", out)
	}
	if _, err := os.Stat(filepath.Join(outDir, "cli-run", "hosts", "node-a")); err != nil {
		t.Errorf("expected host workdir: %v", err)
	}
}

func TestRunCommandRequiresPlan(t *testing.T) {
	_, err := execute(t, "run")
	if err == nil {
		t.Fatal("expected missing --plan error")
	}
}

func TestPruneEmptyOutputDir(t *testing.T) {
	outDir := filepath.Join(t.TempDir(), "absent")

	out, err := execute(t, "prune", "--output-dir", outDir)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !strings.Contains(out, "nothing to prune") {
		t.Errorf("unexpected output: %q", out)
	}
}
