// Package downstream turns the downstream block of a pipeline definition
// into ordinary jobs the engine can schedule. Each consumer check becomes a
// job that depends on the artifact producer, fetches the consumer project
// into a fresh workspace and runs its install and test commands against the
// published artifact.
package downstream

import (
	"fmt"

	"github.com/opnlabs/gantry/pkg/models"
)

// Synthesize returns one job per declared downstream check. The jobs carry
// the reserved downstream/ id prefix, depend on the artifact producer and
// start from an empty workspace instead of a copy of the pipeline source.
// A nil downstream block yields no jobs.
func Synthesize(def *models.Definition) []models.Job {
	ds := def.Downstream
	if ds == nil {
		return nil
	}
	jobs := make([]models.Job, 0, len(ds.Checks))
	for _, check := range ds.Checks {
		jobs = append(jobs, synthesize(ds, check))
	}
	return jobs
}

func synthesize(ds *models.Downstream, check models.DownstreamCheck) models.Job {
	fetch := check.Fetch
	if fetch == "" {
		fetch = defaultFetch(check)
	}
	return models.Job{
		ID:       models.DownstreamPrefix + check.Name,
		RunsOn:   check.RunsOn,
		Needs:    []string{ds.ArtifactFrom},
		Advisory: check.Advisory,
		NoSource: true,
		Env:      map[string]string{"CI_DOWNSTREAM": check.Name},
		Steps: []models.Step{
			{Name: "fetch", Run: fetch},
			{Name: "install", Run: check.Install},
			{Name: "test", Run: check.Test},
		},
	}
}

// defaultFetch is a shallow checkout of the consumer repository into the
// workspace root, pinned to the check's ref when one is given. A plain
// clone would refuse the workspace because the retrieved artifact already
// sits in it, so this uses the init and fetch form instead.
func defaultFetch(check models.DownstreamCheck) string {
	ref := check.Ref
	if ref == "" {
		ref = "HEAD"
	}
	return fmt.Sprintf("git init -q . && git remote add origin %s && git fetch -q --depth 1 origin %s && git checkout -q FETCH_HEAD", check.Repo, ref)
}
