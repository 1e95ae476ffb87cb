package pipeline

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/opnlabs/gantry/pkg/matrix"
	"github.com/opnlabs/gantry/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// maxMatrixInstances bounds a single job's expansion.
const maxMatrixInstances = 256

// Validate checks a decoded definition against every structural invariant
// and reports all violations at once.
func Validate(def *models.Definition) error {
	var errs DefinitionErrors

	if err := validate.Struct(def); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs.add(0, "%s failed on the %s rule", fe.Namespace(), fe.Tag())
		}
	}

	if def.On.Empty() {
		errs.add(0, "pipeline %q declares no triggers", def.Name)
	}

	byID := make(map[string]*models.Job, len(def.Jobs))
	for i := range def.Jobs {
		job := &def.Jobs[i]
		if strings.HasPrefix(job.ID, models.DownstreamPrefix) {
			errs.add(job.Line, "job id %q uses the reserved %s prefix", job.ID, models.DownstreamPrefix)
		}
		if prev, ok := byID[job.ID]; ok {
			errs.add(job.Line, "duplicate job id %q, first defined at line %d", job.ID, prev.Line)
			continue
		}
		byID[job.ID] = job
	}

	for i := range def.Jobs {
		job := &def.Jobs[i]
		validateNeeds(job, byID, &errs)
		validateMatrix(job, &errs)
		validateSteps(job, &errs)
	}

	if cycle := findCycle(def.Jobs); len(cycle) > 0 {
		errs.add(0, "dependency cycle through %s", strings.Join(cycle, " -> "))
	}

	validateDownstream(def, byID, &errs)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateNeeds(job *models.Job, byID map[string]*models.Job, errs *DefinitionErrors) {
	for _, dep := range job.Needs {
		if dep == job.ID {
			errs.add(job.Line, "job %q depends on itself", job.ID)
			continue
		}
		if _, ok := byID[dep]; !ok {
			errs.add(job.Line, "job %q needs unknown job %q", job.ID, dep)
		}
	}
}

func validateMatrix(job *models.Job, errs *DefinitionErrors) {
	if job.Matrix == nil {
		return
	}
	seen := make(map[string]bool)
	for _, ax := range job.Matrix.Axes {
		if len(ax.Values) == 0 {
			errs.add(job.Line, "job %q: matrix axis %q has no values", job.ID, ax.Name)
		}
		if seen[ax.Name] {
			errs.add(job.Line, "job %q: matrix axis %q declared twice", job.ID, ax.Name)
		}
		seen[ax.Name] = true
	}
	if n := matrix.Count(job.Matrix); n > maxMatrixInstances {
		errs.add(job.Line, "job %q: matrix expands to %d instances, limit is %d", job.ID, n, maxMatrixInstances)
	}
}

func validateSteps(job *models.Job, errs *DefinitionErrors) {
	keys := make(map[string]int, len(job.Steps))
	for i := range job.Steps {
		keys[job.Steps[i].Key(i)] = i
	}
	for i := range job.Steps {
		step := &job.Steps[i]
		if step.If == nil {
			continue
		}
		if err := step.If.Validate(); err != nil {
			errs.add(job.Line, "job %q step %s: %v", job.ID, step.Key(i), err)
			continue
		}
		for _, ref := range step.If.ReferencedSteps() {
			pos, ok := keys[ref]
			if !ok {
				errs.add(job.Line, "job %q step %s: condition references unknown step %q", job.ID, step.Key(i), ref)
				continue
			}
			if pos >= i {
				errs.add(job.Line, "job %q step %s: condition references step %q which runs later", job.ID, step.Key(i), ref)
			}
		}
		if job.Matrix == nil {
			for _, key := range step.If.MatrixKeys() {
				errs.add(job.Line, "job %q step %s: matrix condition on %q but the job has no matrix", job.ID, step.Key(i), key)
			}
		}
	}
}

func validateDownstream(def *models.Definition, byID map[string]*models.Job, errs *DefinitionErrors) {
	ds := def.Downstream
	if ds == nil {
		return
	}
	producer, ok := byID[ds.ArtifactFrom]
	if !ok {
		errs.add(0, "downstream artifactFrom references unknown job %q", ds.ArtifactFrom)
	} else if len(producer.Artifacts) == 0 {
		errs.add(producer.Line, "downstream artifactFrom job %q declares no artifacts", ds.ArtifactFrom)
	}

	names := make(map[string]bool, len(ds.Checks))
	for _, check := range ds.Checks {
		if names[check.Name] {
			errs.add(0, "duplicate downstream check %q", check.Name)
		}
		names[check.Name] = true
		if _, clash := byID[check.Name]; clash {
			errs.add(0, "downstream check %q collides with a job id", check.Name)
		}
	}
}

// findCycle runs Kahn's algorithm over the dependency edges and returns the
// ids left with unresolved in-degrees, which are exactly the jobs on or
// downstream of a cycle. Unknown references are reported separately and
// ignored here.
func findCycle(jobs []models.Job) []string {
	known := make(map[string]bool, len(jobs))
	for i := range jobs {
		known[jobs[i].ID] = true
	}

	inDegree := make(map[string]int, len(jobs))
	dependents := make(map[string][]string)
	for i := range jobs {
		job := &jobs[i]
		if _, ok := inDegree[job.ID]; !ok {
			inDegree[job.ID] = 0
		}
		for _, dep := range job.Needs {
			if !known[dep] || dep == job.ID {
				continue
			}
			dependents[dep] = append(dependents[dep], job.ID)
			inDegree[job.ID]++
		}
	}

	queue := make([]string, 0, len(jobs))
	for i := range jobs {
		if inDegree[jobs[i].ID] == 0 {
			queue = append(queue, jobs[i].ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(inDegree) {
		return nil
	}
	var cycle []string
	for i := range jobs {
		if inDegree[jobs[i].ID] > 0 {
			cycle = append(cycle, jobs[i].ID)
		}
	}
	return cycle
}
