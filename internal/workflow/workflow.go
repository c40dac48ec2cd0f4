package workflow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/floe/pkg/model"
)

// Definition is a workflow file: a named tree of tasks plus optional
// session-level settings.
//
//	name: daily-load
//	timezone: UTC
//	params:
//	  env: prod
//	sla:
//	  duration: 2h
//	  type: notify
//	  channel: "#ops"
//	tasks:
//	  - name: extract
//	    type: sh
//	    command: ./extract.sh
//	  - name: load
//	    type: sh
//	    command: ./load.sh
//	    after: [extract]
type Definition struct {
	Name     string         `yaml:"name"`
	TimeZone string         `yaml:"timezone"`
	Params   map[string]any `yaml:"params"`
	SLA      *SLA           `yaml:"sla"`
	Tasks    []TaskDef      `yaml:"tasks"`
}

// SLA schedules an alert task injected into the attempt when the session
// runs longer than Duration. All other keys become the alert task config.
type SLA struct {
	Duration string         `yaml:"duration"`
	Config   map[string]any `yaml:",inline"`
}

// TaskDef is one task in a workflow file. A task with nested tasks is a
// grouping task; "after" names sibling tasks that must succeed first.
// The retry, error, and check keys map to the reserved config entries;
// all remaining keys pass through as operator config.
type TaskDef struct {
	Name   string         `yaml:"name"`
	After  []string       `yaml:"after"`
	Retry  any            `yaml:"retry"`
	Error  map[string]any `yaml:"error"`
	Check  map[string]any `yaml:"check"`
	Tasks  []TaskDef      `yaml:"tasks"`
	Config map[string]any `yaml:",inline"`
}

// Load reads and validates a workflow definition file.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes a workflow definition from YAML.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("workflow %s has no tasks", def.Name)
	}
	if _, err := def.TaskSpecs(); err != nil {
		return nil, err
	}
	return &def, nil
}

// TaskSpecs flattens the task tree into submission order: parents before
// children, siblings in file order.
func (d *Definition) TaskSpecs() ([]model.TaskSpec, error) {
	var specs []model.TaskSpec
	if err := flatten(d.Tasks, nil, &specs); err != nil {
		return nil, err
	}
	if err := model.ValidateSpecs(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func flatten(defs []TaskDef, parentIndex *int, specs *[]model.TaskSpec) error {
	siblingIndex := make(map[string]int, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return fmt.Errorf("task name is required")
		}
		if _, dup := siblingIndex[def.Name]; dup {
			return fmt.Errorf("duplicate task name %q", def.Name)
		}

		config := model.Params{}
		for k, v := range def.Config {
			config[k] = v
		}
		if def.Retry != nil {
			config["_retry"] = def.Retry
		}
		if len(def.Error) > 0 {
			config["_error"] = def.Error
		}
		if len(def.Check) > 0 {
			config["_check"] = def.Check
		}

		taskType := model.TaskTypeAction
		if len(def.Tasks) > 0 {
			taskType = model.TaskTypeGrouping
		}

		spec := model.TaskSpec{
			Name:        def.Name,
			TaskType:    taskType,
			Config:      config,
			ParentIndex: parentIndex,
		}
		for _, name := range def.After {
			idx, ok := siblingIndex[name]
			if !ok {
				return fmt.Errorf("task %q waits for unknown sibling %q", def.Name, name)
			}
			spec.UpstreamIndexes = append(spec.UpstreamIndexes, idx)
		}

		index := len(*specs)
		siblingIndex[def.Name] = index
		*specs = append(*specs, spec)

		if len(def.Tasks) > 0 {
			parent := index
			if err := flatten(def.Tasks, &parent, specs); err != nil {
				return err
			}
		}
	}
	return nil
}

// Monitors builds the session monitors for an attempt starting at
// sessionTime.
func (d *Definition) Monitors(sessionTime time.Time) ([]model.SessionMonitor, error) {
	if d.SLA == nil {
		return nil, nil
	}
	if d.SLA.Duration == "" {
		return nil, fmt.Errorf("sla duration is required")
	}
	duration, err := time.ParseDuration(d.SLA.Duration)
	if err != nil {
		return nil, fmt.Errorf("parse sla duration: %w", err)
	}

	config := model.Params{}
	for k, v := range d.SLA.Config {
		config[k] = v
	}
	return []model.SessionMonitor{{
		Type:        "sla",
		Config:      config,
		NextRunTime: sessionTime.Add(duration),
	}}, nil
}
