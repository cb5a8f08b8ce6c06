// Package automation defines the boundary to the external automation layer
// that actually prepares hosts and runs workloads.
package automation

import (
	"context"
	"strings"
)

// Step names one call into the automation layer.
type Step string

const (
	StepSetup    Step = "setup"
	StepWorkload Step = "workload"
	StepTeardown Step = "teardown"
)

// Invocation describes one call. Setup and teardown address every host in
// Hosts; a workload call addresses Host only.
type Invocation struct {
	RunID string
	Step  Step
	Hosts []string

	Host             string
	Workload         string
	Package          string
	Plugin           string
	Scenario         string
	Repetition       int
	TotalRepetitions int

	// WorkDir is the host-side directory for task logs and the stop file.
	WorkDir  string
	LogPath  string
	StopFile string
}

// Result is what the automation layer reported for one call. Its shape
// follows playbook-style task results: free text fields, split lines and
// nested per-item results.
type Result struct {
	// Host attributes a nested result to one host of a multi-host call.
	Host        string   `json:"host,omitempty"`
	Msg         string   `json:"msg,omitempty"`
	Stdout      string   `json:"stdout,omitempty"`
	Stderr      string   `json:"stderr,omitempty"`
	StdoutLines []string `json:"stdout_lines,omitempty"`
	StderrLines []string `json:"stderr_lines,omitempty"`
	Results     []Result `json:"results,omitempty"`

	Unreachable bool `json:"unreachable,omitempty"`
	Failed      bool `json:"failed,omitempty"`
	RC          int  `json:"rc,omitempty"`
}

// Texts returns every text field of r and its nested results, in the order
// msg, stdout, stderr, stdout_lines, stderr_lines, results.
func (r Result) Texts() []string {
	var out []string
	for _, s := range []string{r.Msg, r.Stdout, r.Stderr} {
		if s != "" {
			out = append(out, s)
		}
	}
	out = append(out, r.StdoutLines...)
	out = append(out, r.StderrLines...)
	for _, nested := range r.Results {
		out = append(out, nested.Texts()...)
	}
	return out
}

// AnyUnreachable reports whether r or a nested result flags an unreachable
// host.
func (r Result) AnyUnreachable() bool {
	if r.Unreachable {
		return true
	}
	for _, nested := range r.Results {
		if nested.AnyUnreachable() {
			return true
		}
	}
	return false
}

// UnreachableHosts returns the hosts of nested results flagged unreachable,
// in order of appearance.
func (r Result) UnreachableHosts() []string {
	var hosts []string
	seen := make(map[string]struct{})
	var walk func(Result)
	walk = func(res Result) {
		if res.Unreachable && res.Host != "" {
			if _, dup := seen[res.Host]; !dup {
				seen[res.Host] = struct{}{}
				hosts = append(hosts, res.Host)
			}
		}
		for _, nested := range res.Results {
			walk(nested)
		}
	}
	walk(r)
	return hosts
}

// AnyFailed reports whether r or a nested result failed.
func (r Result) AnyFailed() bool {
	if r.Failed {
		return true
	}
	for _, nested := range r.Results {
		if nested.AnyFailed() {
			return true
		}
	}
	return false
}

// Summary returns a short human readable description of the outcome.
func (r Result) Summary() string {
	if r.Msg != "" {
		return r.Msg
	}
	for _, s := range []string{r.Stderr, r.Stdout} {
		if s = strings.TrimSpace(s); s != "" {
			if i := strings.LastIndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
			}
			return s
		}
	}
	return ""
}

// Runner drives the automation layer. Errors mean the call itself could
// not be made or was cancelled; workload failures are reported in Result.
type Runner interface {
	Setup(ctx context.Context, inv Invocation) (Result, error)
	RunWorkload(ctx context.Context, inv Invocation) (Result, error)
	Teardown(ctx context.Context, inv Invocation) (Result, error)
}
