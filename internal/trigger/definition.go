// Package trigger decides when a sync run starts. A Definition is read from a
// GitHub Actions style workflow file: cron schedules evaluated in UTC, manual
// dispatch, and push events filtered by changed paths.
package trigger

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/Lllllllleong/dbfsync/internal/config"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// EventKind names the event that asks for a run.
type EventKind string

const (
	EventSchedule EventKind = "schedule"
	EventDispatch EventKind = "workflow_dispatch"
	EventPush     EventKind = "push"
)

// Event is one trigger occurrence. Cron is set for schedule events and Paths
// for push events.
type Event struct {
	Kind  EventKind
	Cron  string
	Paths []string
}

// Schedule is a five-field cron expression fixed to UTC.
type Schedule struct {
	Expr  string
	sched cron.Schedule
}

// ParseSchedule parses expr with the standard cron grammar.
func ParseSchedule(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Schedule{}, errors.New("cron schedule required")
	}
	sched, err := cron.ParseStandard("CRON_TZ=UTC " + expr)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Schedule{Expr: expr, sched: sched}, nil
}

// Next returns the first fire time strictly after t, in UTC.
func (s Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t).UTC()
}

// Definition is the trigger configuration of the sync workflow.
type Definition struct {
	Name      string
	Schedules []Schedule
	Dispatch  bool
	Push      *PushFilter
	// Env lists the environment variables every run must receive.
	Env []string
}

// Accepts reports whether ev should start a run.
func (d *Definition) Accepts(ev Event) bool {
	switch ev.Kind {
	case EventSchedule:
		for _, s := range d.Schedules {
			if s.Expr == strings.TrimSpace(ev.Cron) {
				return true
			}
		}
		return false
	case EventDispatch:
		return d.Dispatch
	case EventPush:
		return d.Push != nil && d.Push.Matches(ev.Paths)
	default:
		return false
	}
}

// NextRuns returns the next fire time of every schedule after t, earliest first.
func (d *Definition) NextRuns(t time.Time) []time.Time {
	out := make([]time.Time, 0, len(d.Schedules))
	for _, s := range d.Schedules {
		out = append(out, s.Next(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// RequiredEnv checks that every variable in Env is set to a non-blank value.
func (d *Definition) RequiredEnv(lookup func(string) (string, bool)) error {
	var missing []string
	for _, name := range d.Env {
		if v, ok := lookup(name); !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s environment variable must be set", config.ErrMissingSecret, strings.Join(missing, ", "))
	}
	return nil
}

// Load reads a workflow definition from path.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", path, err)
	}
	return def, nil
}

type workflowFile struct {
	Name string             `yaml:"name"`
	On   onBlock            `yaml:"on"`
	Jobs map[string]jobSpec `yaml:"jobs"`
}

type jobSpec struct {
	Env   map[string]string `yaml:"env"`
	Steps []struct {
		Env map[string]string `yaml:"env"`
	} `yaml:"steps"`
}

type onBlock struct {
	Schedules []string
	Dispatch  bool
	Push      *pushBlock
}

type pushBlock struct {
	Paths       []string `yaml:"paths"`
	PathsIgnore []string `yaml:"paths-ignore"`
}

// UnmarshalYAML accepts the three shapes of "on": a single event name, a
// list of names, or a mapping of event name to settings.
func (o *onBlock) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return o.addEvent(node.Value, nil)
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		for _, n := range names {
			if err := o.addEvent(n, nil); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if err := o.addEvent(node.Content[i].Value, node.Content[i+1]); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("line %d: unsupported \"on\" block", node.Line)
	}
}

func (o *onBlock) addEvent(name string, value *yaml.Node) error {
	switch name {
	case "schedule":
		if value == nil {
			return errors.New("schedule event needs cron entries")
		}
		var entries []struct {
			Cron string `yaml:"cron"`
		}
		if err := value.Decode(&entries); err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		for _, e := range entries {
			o.Schedules = append(o.Schedules, e.Cron)
		}
	case "workflow_dispatch":
		o.Dispatch = true
	case "push":
		o.Push = &pushBlock{}
		if value != nil && value.Kind == yaml.MappingNode {
			if err := value.Decode(o.Push); err != nil {
				return fmt.Errorf("line %d: %w", value.Line, err)
			}
		}
	}
	return nil
}

// Parse builds a Definition from workflow YAML.
func Parse(data []byte) (*Definition, error) {
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}

	def := &Definition{Name: wf.Name, Dispatch: wf.On.Dispatch}
	for _, expr := range wf.On.Schedules {
		s, err := ParseSchedule(expr)
		if err != nil {
			return nil, err
		}
		def.Schedules = append(def.Schedules, s)
	}
	if wf.On.Push != nil {
		pf, err := NewPushFilter(wf.On.Push.Paths, wf.On.Push.PathsIgnore)
		if err != nil {
			return nil, err
		}
		def.Push = pf
	}
	if len(def.Schedules) == 0 && !def.Dispatch && def.Push == nil {
		return nil, errors.New("workflow declares no schedule, workflow_dispatch or push trigger")
	}
	def.Env = secretEnv(wf.Jobs)
	return def, nil
}

// secretEnv collects the env names fed from repository secrets.
func secretEnv(jobs map[string]jobSpec) []string {
	seen := map[string]bool{}
	add := func(env map[string]string) {
		for name, value := range env {
			if strings.Contains(value, "secrets.") {
				seen[name] = true
			}
		}
	}
	for _, j := range jobs {
		add(j.Env)
		for _, s := range j.Steps {
			add(s.Env)
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
