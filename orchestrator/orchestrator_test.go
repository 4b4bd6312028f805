package orchestrator_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bsaid97/go-geoqc/errorstore"
	"github.com/bsaid97/go-geoqc/feature"
	"github.com/bsaid97/go-geoqc/indexmanager"
	"github.com/bsaid97/go-geoqc/internal/log"
	"github.com/bsaid97/go-geoqc/orchestrator"
	"github.com/bsaid97/go-geoqc/rules"
)

func newJobManager(t *testing.T, layers map[string]string) (*orchestrator.JobManager, *feature.GeoJSONSource) {
	t.Helper()
	src := feature.NewGeoJSONSource()
	for name, fc := range layers {
		_, err := src.LoadLayer(name, []byte(fc))
		require.NoError(t, err)
	}

	store, err := errorstore.Open(filepath.Join(t.TempDir(), "qc.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	indexes, err := indexmanager.New(indexmanager.DefaultCacheSize, log.Nop())
	require.NoError(t, err)

	jm := orchestrator.NewJobManager(src, indexes, store, nil, nil, log.Nop())
	return jm, src
}

func waitForTerminal(t *testing.T, jm *orchestrator.JobManager, jobID string) *orchestrator.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := jm.GetJobResult(jobID)
		require.True(t, ok)
		switch job.Status {
		case orchestrator.StatusCompleted, orchestrator.StatusFailed, orchestrator.StatusCancelled:
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return nil
}

func TestStartValidation_CleanLayerCompletesWithExitSuccess(t *testing.T) {
	jm, _ := newJobManager(t, map[string]string{
		"parcels": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}
		]}`,
	})

	rs := &rules.RuleSet{
		Rows: []rules.LayerRow{{TableID: "1", TableName: "parcels", GeometryType: "Polygon"}},
		GeometryRules: []rules.GeometryRule{
			{Layer: "parcels", Check: rules.CheckDuplicateGeom, Tolerance: 1e-3},
		},
	}

	jobID := jm.StartValidation(orchestrator.Config{
		StorePath: "test.gdb", RuleSet: rs, RunName: "run-clean", ExecutedBy: "tester",
	})
	job := waitForTerminal(t, jm, jobID)
	assert.Equal(t, orchestrator.StatusCompleted, job.Status)
	assert.Equal(t, orchestrator.ExitSuccess, job.ExitCode)
}

func TestStartValidation_ErrorsFoundYieldsExitErrorsFound(t *testing.T) {
	jm, _ := newJobManager(t, map[string]string{
		"parcels": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[0,0]}},
			{"type":"Feature","properties":{"OBJECTID":2},"geometry":{"type":"Point","coordinates":[0.0005,0]}}
		]}`,
	})

	rs := &rules.RuleSet{
		Rows: []rules.LayerRow{{TableID: "1", TableName: "parcels", GeometryType: "Point"}},
		GeometryRules: []rules.GeometryRule{
			{Layer: "parcels", Check: rules.CheckDuplicateGeom, Tolerance: 1e-3},
		},
	}

	jobID := jm.StartValidation(orchestrator.Config{
		StorePath: "test.gdb", RuleSet: rs, RunName: "run-dup", ExecutedBy: "tester",
	})
	job := waitForTerminal(t, jm, jobID)
	assert.Equal(t, orchestrator.StatusCompleted, job.Status)
	assert.Equal(t, orchestrator.ExitErrorsFound, job.ExitCode)
}

func TestStartValidation_UnknownLayerFailsTableCheck(t *testing.T) {
	jm, _ := newJobManager(t, map[string]string{})

	rs := &rules.RuleSet{
		Rows: []rules.LayerRow{{TableID: "1", TableName: "missing", GeometryType: "Point"}},
	}

	jobID := jm.StartValidation(orchestrator.Config{
		StorePath: "test.gdb", RuleSet: rs, RunName: "run-missing", ExecutedBy: "tester",
		Stages: []int{orchestrator.StageTableChecks},
	})
	job := waitForTerminal(t, jm, jobID)
	assert.Equal(t, orchestrator.StatusCompleted, job.Status)
	require.Len(t, job.Stages, 1)
	assert.Error(t, job.Stages[0].Err)
}

// TestCancelJob_StopsBeforeLaterStages encodes the shape of spec.md §8
// scenario S6: a cancellation requested up front leaves the run in
// Cancelled with no later stage executed.
func TestCancelJob_StopsBeforeLaterStages(t *testing.T) {
	jm, _ := newJobManager(t, map[string]string{
		"parcels": `{"type":"FeatureCollection","features":[
			{"type":"Feature","properties":{"OBJECTID":1},"geometry":{"type":"Point","coordinates":[0,0]}}
		]}`,
	})

	rs := &rules.RuleSet{
		Rows: []rules.LayerRow{{TableID: "1", TableName: "parcels", GeometryType: "Point"}},
		GeometryRules: []rules.GeometryRule{
			{Layer: "parcels", Check: rules.CheckDuplicateGeom, Tolerance: 1e-3},
		},
	}

	jobID := jm.StartValidation(orchestrator.Config{
		StorePath: "test.gdb", RuleSet: rs, RunName: "run-cancel", ExecutedBy: "tester",
	})
	jm.CancelJob(jobID)
	job := waitForTerminal(t, jm, jobID)
	assert.Equal(t, orchestrator.StatusCancelled, job.Status)
	assert.Equal(t, orchestrator.ExitCancelled, job.ExitCode)
}
