// Package models defines the pipeline definition consumed by the engine and
// the runtime types shared between the scheduler, step runner and verifier.
package models

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Definition is a full pipeline definition as loaded from a gantry.yml file.
type Definition struct {
	Name        string            `yaml:"name" validate:"required"`
	On          Triggers          `yaml:"on"`
	Env         map[string]string `yaml:"env"`
	Concurrency *Concurrency      `yaml:"concurrency"`
	Jobs        []Job             `yaml:"jobs" validate:"required,min=1,dive"`
	Downstream  *Downstream       `yaml:"downstream"`
}

// Lookup returns the job with the given id, or nil.
func (d *Definition) Lookup(id string) *Job {
	for i := range d.Jobs {
		if d.Jobs[i].ID == id {
			return &d.Jobs[i]
		}
	}
	return nil
}

// Job is a named unit of work, optionally expanded into multiple instances
// through its matrix.
type Job struct {
	ID             string            `yaml:"id" validate:"required"`
	RunsOn         string            `yaml:"runsOn"`
	Needs          []string          `yaml:"needs"`
	Matrix         *Matrix           `yaml:"matrix"`
	Steps          []Step            `yaml:"steps" validate:"required,min=1,dive"`
	TimeoutMinutes int               `yaml:"timeoutMinutes" validate:"min=0"`
	Concurrency    *Concurrency      `yaml:"concurrency"`
	FailFast       *bool             `yaml:"failFast"`
	Retry          *RetryPolicy      `yaml:"retry"`
	Env            map[string]string `yaml:"env"`
	Artifacts      []string          `yaml:"artifacts"`

	// Advisory and NoSource are set on synthesized downstream jobs and are
	// not accepted from the definition file.
	Advisory bool `yaml:"-"`
	NoSource bool `yaml:"-"`

	// Line is the position of the job mapping in the source document.
	Line int `yaml:"-"`
}

// UnmarshalYAML records the source line so validation errors can point at
// the offending job.
func (j *Job) UnmarshalYAML(node *yaml.Node) error {
	type plain Job
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*j = Job(p)
	j.Line = node.Line
	return nil
}

// FailFastEnabled reports whether sibling matrix instances should be
// cancelled when one of them fails. Defaults to true.
func (j *Job) FailFastEnabled() bool {
	return j.FailFast == nil || *j.FailFast
}

// Timeout returns the wall-clock bound for one instance of this job,
// falling back to the given default when the job does not set one.
func (j *Job) Timeout(fallback time.Duration) time.Duration {
	if j.TimeoutMinutes > 0 {
		return time.Duration(j.TimeoutMinutes) * time.Minute
	}
	return fallback
}

// Step is a single instruction inside a job. The command string is opaque to
// the engine and handed to an executor as-is.
type Step struct {
	Name        string            `yaml:"name"`
	Run         string            `yaml:"run" validate:"required"`
	If          *Condition        `yaml:"if"`
	AlwaysRun   bool              `yaml:"alwaysRun"`
	Env         map[string]string `yaml:"env"`
	CoverageMin float64           `yaml:"coverageMin" validate:"min=0,max=100"`
}

// Key identifies the step inside its job for condition lookups and logs.
// Unnamed steps are keyed by position.
func (s *Step) Key(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("#%d", index+1)
}

// Matrix describes the expansion axes of a job. Axis declaration order is
// preserved so that the cartesian product is stable.
type Matrix struct {
	Axes    []Axis
	Include []Assignment
}

// Axis is one named dimension of a matrix.
type Axis struct {
	Name   string
	Values []string
}

// UnmarshalYAML decodes the matrix block through the node API so that axis
// order survives; a plain map would shuffle it.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "axes":
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: matrix axes must be a mapping of name to values", val.Line)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				name, values := val.Content[j], val.Content[j+1]
				if values.Kind != yaml.SequenceNode {
					return fmt.Errorf("line %d: axis %q must be a sequence", values.Line, name.Value)
				}
				ax := Axis{Name: name.Value}
				for _, v := range values.Content {
					ax.Values = append(ax.Values, v.Value)
				}
				m.Axes = append(m.Axes, ax)
			}
		case "include":
			if err := val.Decode(&m.Include); err != nil {
				return err
			}
		default:
			return fmt.Errorf("line %d: unknown matrix field %q", key.Line, key.Value)
		}
	}
	return nil
}

// Axis returns the axis with the given name, or nil.
func (m *Matrix) Axis(name string) *Axis {
	for i := range m.Axes {
		if m.Axes[i].Name == name {
			return &m.Axes[i]
		}
	}
	return nil
}

// Concurrency limits a pipeline or job to one active run per group key.
type Concurrency struct {
	Group            string `yaml:"group" validate:"required"`
	CancelInProgress bool   `yaml:"cancelInProgress"`
}

// Key expands the {pipeline}, {ref} and {event} placeholders of the group
// key against a trigger event.
func (c *Concurrency) Key(pipeline string, ev TriggerEvent) string {
	return strings.NewReplacer(
		"{pipeline}", pipeline,
		"{ref}", ev.Ref,
		"{event}", ev.Event,
	).Replace(c.Group)
}

// RetryPolicy allows one narrowed re-attempt of a failed step. NarrowArgs is
// appended to the step command so the external test runner restricts itself
// to previously failed cases (pytest --last-failed and friends).
type RetryPolicy struct {
	NarrowArgs string `yaml:"narrowArgs" validate:"required"`
}

// DownstreamPrefix namespaces the job ids synthesized for downstream
// checks. User-defined job ids must not use it.
const DownstreamPrefix = "downstream/"

// Downstream declares compatibility checks against consumer projects, run
// once the artifact of the named job is available.
type Downstream struct {
	ArtifactFrom string            `yaml:"artifactFrom" validate:"required"`
	Checks       []DownstreamCheck `yaml:"checks" validate:"required,min=1,dive"`
}

// DownstreamCheck is one consumer project to verify. Fetch defaults to a
// shallow git fetch of Repo. The check's steps run in a fresh workspace with
// CI_ARTIFACT pointing at the retrieved primary artifact.
type DownstreamCheck struct {
	Name     string `yaml:"name" validate:"required"`
	Repo     string `yaml:"repo" validate:"required"`
	Ref      string `yaml:"ref"`
	RunsOn   string `yaml:"runsOn"`
	Advisory bool   `yaml:"advisory"`
	Fetch    string `yaml:"fetch"`
	Install  string `yaml:"install" validate:"required"`
	Test     string `yaml:"test" validate:"required"`
}
