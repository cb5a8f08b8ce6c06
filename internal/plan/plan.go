// Package plan loads the static benchmark plan: which hosts run which
// workloads, and how many repetitions of each.
package plan

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/bc-dunia/fleetbench/internal/journal"
	"github.com/bc-dunia/fleetbench/schemas"
)

// Transport names how the controller reaches a host.
type Transport string

const (
	TransportLocal Transport = "local"
	TransportSSH   Transport = "ssh"
	TransportWinRM Transport = "winrm"
)

// DefaultLogPathTemplate locates a task log inside a host's work dir.
const DefaultLogPathTemplate = "{workdir}/{workload}-{repetition}.log"

// Plan is a validated benchmark plan.
type Plan struct {
	RunID       string     `yaml:"run_id,omitempty" json:"run_id,omitempty"`
	Repetitions int        `yaml:"repetitions" json:"repetitions"`
	Hosts       []Host     `yaml:"hosts" json:"hosts"`
	Workloads   []Workload `yaml:"workloads" json:"workloads"`
}

// Host is one machine of the fleet.
type Host struct {
	Name      string    `yaml:"name" json:"name"`
	Address   string    `yaml:"address,omitempty" json:"address,omitempty"`
	Transport Transport `yaml:"transport,omitempty" json:"transport,omitempty"`
	// WorkDir is where the automation layer writes task logs and where
	// the stop file is placed.
	WorkDir string `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	// LogPath overrides DefaultLogPathTemplate for this host.
	LogPath string `yaml:"log_path,omitempty" json:"log_path,omitempty"`
}

// Workload is one benchmark run on every host.
type Workload struct {
	Name     string `yaml:"name" json:"name"`
	Package  string `yaml:"package,omitempty" json:"package,omitempty"`
	Plugin   string `yaml:"plugin,omitempty" json:"plugin,omitempty"`
	Scenario string `yaml:"scenario,omitempty" json:"scenario,omitempty"`
	// Repetitions overrides the plan-wide count when positive.
	Repetitions int `yaml:"repetitions,omitempty" json:"repetitions,omitempty"`
}

// Load reads and validates a plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// Parse validates YAML (or JSON) plan data against the plan schema and
// decodes it.
func Parse(data []byte) (*Plan, error) {
	doc, err := toJSON(data)
	if err != nil {
		return nil, err
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	var p Plan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func toJSON(data []byte) ([]byte, error) {
	var doc any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("plan is empty")
		}
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert plan to json: %w", err)
	}
	return out, nil
}

var loadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	data, err := schemas.FS.ReadFile("plan/v1.json")
	if err != nil {
		return nil, fmt.Errorf("read plan schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	return schema, nil
})

func validateSchema(doc []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(doc)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("plan schema validation failed: %v", result.Errors)
}

// Validate checks rules the schema cannot express.
func (p *Plan) Validate() error {
	if p.Repetitions < 1 {
		return fmt.Errorf("repetitions must be >= 1, got %d", p.Repetitions)
	}
	if len(p.Hosts) == 0 {
		return fmt.Errorf("plan has no hosts")
	}
	if len(p.Workloads) == 0 {
		return fmt.Errorf("plan has no workloads")
	}

	hosts := make(map[string]struct{}, len(p.Hosts))
	for _, h := range p.Hosts {
		if h.Name == "" {
			return fmt.Errorf("host name cannot be empty")
		}
		if _, dup := hosts[h.Name]; dup {
			return fmt.Errorf("duplicate host %q", h.Name)
		}
		hosts[h.Name] = struct{}{}
		switch h.TransportOrDefault() {
		case TransportLocal:
		case TransportSSH, TransportWinRM:
			if h.Address == "" {
				return fmt.Errorf("host %q: %s transport requires an address", h.Name, h.Transport)
			}
		default:
			return fmt.Errorf("host %q: unknown transport %q", h.Name, h.Transport)
		}
	}

	workloads := make(map[string]struct{}, len(p.Workloads))
	for _, w := range p.Workloads {
		if w.Name == "" {
			return fmt.Errorf("workload name cannot be empty")
		}
		if _, dup := workloads[w.Name]; dup {
			return fmt.Errorf("duplicate workload %q", w.Name)
		}
		workloads[w.Name] = struct{}{}
		if w.Repetitions < 0 {
			return fmt.Errorf("workload %q: repetitions must be >= 1", w.Name)
		}
	}
	return nil
}

// RepetitionsOf returns the effective repetition count of w.
func (p *Plan) RepetitionsOf(w Workload) int {
	if w.Repetitions > 0 {
		return w.Repetitions
	}
	return p.Repetitions
}

// TargetRepetitions is the completion target used for group aggregation.
// It is zero when workloads override the count differently, in which case
// each group's own task count is the target.
func (p *Plan) TargetRepetitions() int {
	for _, w := range p.Workloads {
		if p.RepetitionsOf(w) != p.Repetitions {
			return 0
		}
	}
	return p.Repetitions
}

// Tasks enumerates every task of the plan in host, workload, repetition
// order.
func (p *Plan) Tasks() []journal.TaskKey {
	var keys []journal.TaskKey
	for _, h := range p.Hosts {
		keys = append(keys, p.HostTasks(h.Name)...)
	}
	return keys
}

// HostTasks enumerates the tasks of one host.
func (p *Plan) HostTasks(host string) []journal.TaskKey {
	var keys []journal.TaskKey
	for _, w := range p.Workloads {
		for rep := 1; rep <= p.RepetitionsOf(w); rep++ {
			keys = append(keys, journal.TaskKey{Host: host, Workload: w.Name, Repetition: rep})
		}
	}
	return keys
}

// Workload returns the workload named name.
func (p *Plan) Workload(name string) (Workload, bool) {
	for _, w := range p.Workloads {
		if w.Name == name {
			return w, true
		}
	}
	return Workload{}, false
}

// HostNames returns the host names in plan order.
func (p *Plan) HostNames() []string {
	names := make([]string, len(p.Hosts))
	for i, h := range p.Hosts {
		names[i] = h.Name
	}
	return names
}

// TransportOrDefault returns the host transport, local when unset.
func (h Host) TransportOrDefault() Transport {
	if h.Transport == "" {
		return TransportLocal
	}
	return h.Transport
}

// TaskLogPath expands the host's log path template for one task.
func (h Host) TaskLogPath(workdir, workload string, repetition int) string {
	tmpl := h.LogPath
	if tmpl == "" {
		tmpl = DefaultLogPathTemplate
	}
	return strings.NewReplacer(
		"{workdir}", workdir,
		"{host}", h.Name,
		"{workload}", workload,
		"{repetition}", strconv.Itoa(repetition),
	).Replace(tmpl)
}
