package engine

import (
	"testing"

	"github.com/opnlabs/gantry/pkg/models"
)

func mkInstance(t *testing.T, id string, st models.Status, advisory bool) *models.JobInstance {
	t.Helper()
	job := &models.Job{ID: id, Advisory: advisory}
	inst := models.NewJobInstance(job, models.Assignment{})
	switch st {
	case models.StatusQueued:
	case models.StatusSkipped, models.StatusCancelled:
		if err := inst.Finish(st, nil); err != nil {
			t.Fatal(err)
		}
	default:
		if err := inst.Transition(models.StatusRunning); err != nil {
			t.Fatal(err)
		}
		if err := inst.Finish(st, nil); err != nil {
			t.Fatal(err)
		}
	}
	return inst
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T) []*models.JobInstance
		want models.Status
	}{
		{
			name: "all succeeded",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusSucceeded, false),
					mkInstance(t, "b", models.StatusSucceeded, false),
				}
			},
			want: models.StatusSucceeded,
		},
		{
			name: "failure dominates",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusSucceeded, false),
					mkInstance(t, "b", models.StatusFailed, false),
					mkInstance(t, "c", models.StatusCancelled, false),
					mkInstance(t, "d", models.StatusTimedOut, false),
				}
			},
			want: models.StatusFailed,
		},
		{
			name: "timeout dominates cancellation",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusTimedOut, false),
					mkInstance(t, "b", models.StatusCancelled, false),
				}
			},
			want: models.StatusTimedOut,
		},
		{
			name: "cancellation dominates success",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusSucceeded, false),
					mkInstance(t, "b", models.StatusCancelled, false),
				}
			},
			want: models.StatusCancelled,
		},
		{
			name: "skipped never blocks",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusSucceeded, false),
					mkInstance(t, "b", models.StatusSkipped, false),
				}
			},
			want: models.StatusSucceeded,
		},
		{
			name: "advisory failures ignored",
			run: func(t *testing.T) []*models.JobInstance {
				return []*models.JobInstance{
					mkInstance(t, "a", models.StatusSucceeded, false),
					mkInstance(t, "downstream/x", models.StatusFailed, true),
					mkInstance(t, "downstream/y", models.StatusTimedOut, true),
				}
			},
			want: models.StatusSucceeded,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregate(tc.run(t)); got != tc.want {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestNewRunExpandsJobsAndDownstream(t *testing.T) {
	def := &models.Definition{
		Name: "lib",
		On:   models.Triggers{Push: &models.TriggerFilter{}},
		Jobs: []models.Job{
			{ID: "build", Steps: []models.Step{{Run: "true"}}},
			{
				ID: "test",
				Matrix: &models.Matrix{Axes: []models.Axis{
					{Name: "os", Values: []string{"linux", "macos"}},
				}},
				Steps: []models.Step{{Run: "true"}},
			},
		},
		Downstream: &models.Downstream{
			ArtifactFrom: "build",
			Checks: []models.DownstreamCheck{
				{Name: "consumer", Repo: "https://example.com/c.git", Install: "true", Test: "true", Advisory: true},
			},
		},
	}

	run := newRun(def, pushEvent)
	if run.ID == "" {
		t.Error("expected a run id")
	}
	if len(run.Instances) != 4 {
		t.Fatalf("expected 4 instances, got %d", len(run.Instances))
	}
	ds := run.Instance("downstream/consumer")
	if ds == nil {
		t.Fatal("expected a synthesized downstream instance")
	}
	if !ds.Advisory {
		t.Error("advisory flag lost in synthesis")
	}
	if got := len(run.InstancesOf("test")); got != 2 {
		t.Errorf("expected 2 matrix instances, got %d", got)
	}
}

func TestMatrixEnvKey(t *testing.T) {
	tests := []struct {
		axis string
		want string
	}{
		{"os", "MATRIX_OS"},
		{"python-version", "MATRIX_PYTHON_VERSION"},
		{"node.major", "MATRIX_NODE_MAJOR"},
		{"x86_64", "MATRIX_X86_64"},
	}
	for _, tc := range tests {
		if got := matrixEnvKey(tc.axis); got != tc.want {
			t.Errorf("matrixEnvKey(%q): expected %s, got %s", tc.axis, tc.want, got)
		}
	}
}

func TestExecutorForLabels(t *testing.T) {
	eng := New(WithRunners(map[string]string{"python": "python:3.12-slim"}))

	if _, err := eng.executorFor(&models.Job{ID: "a"}); err != nil {
		t.Errorf("empty label must resolve to the local executor: %v", err)
	}
	if _, err := eng.executorFor(&models.Job{ID: "a", RunsOn: "local"}); err != nil {
		t.Errorf("local label must resolve to the local executor: %v", err)
	}
	if _, err := eng.executorFor(&models.Job{ID: "a", RunsOn: "python"}); err != nil {
		t.Errorf("configured label must resolve: %v", err)
	}
	if _, err := eng.executorFor(&models.Job{ID: "a", RunsOn: "gpu"}); err == nil {
		t.Error("unknown label must be rejected")
	}
}
