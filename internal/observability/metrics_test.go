package observability

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTextfile(t *testing.T, m *Metrics) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "peerless.prom")
	require.NoError(t, m.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("")

	m.RecordTraining(1, 400, 3*time.Second)
	m.RecordValidation(1, 2, 0.93, 0.41)
	m.RecordScored(1, 2, 150)
	m.RecordScored(1, 2, 50)
	m.RecordCandidates(12, 4)
	m.RecordRun("train", nil)
	m.RecordRun("train", errors.New("boom"))

	out := readTextfile(t, m)
	for _, line := range []string{
		`peerless_training_examples{split="1"} 400`,
		`peerless_training_duration_seconds_count{split="1"} 1`,
		`peerless_validation_auc{fold="2",split="1"} 0.93`,
		`peerless_validation_threshold{fold="2",split="1"} 0.41`,
		`peerless_test_windows_scored_total{fold="2",split="1"} 200`,
		`peerless_candidates_corroborated 12`,
		`peerless_candidates_retained 4`,
		`peerless_runs_total{command="train",status="success"} 1`,
		`peerless_runs_total{command="train",status="failure"} 1`,
	} {
		assert.Contains(t, out, line)
	}
	assert.Contains(t, out, "peerless_last_successful_run_timestamp_seconds")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTraining(0, 1, time.Second)
		m.RecordValidation(0, 1, 1, 1)
		m.RecordScored(0, 1, 1)
		m.RecordCandidates(1, 1)
		m.RecordRun("train", nil)
	})
	assert.NoError(t, m.WriteTextfile("/nonexistent/metrics.prom"))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := NewMetrics("lab")
	m.RecordCandidates(3, 2)

	out := readTextfile(t, m)
	assert.True(t, strings.HasPrefix(out, "# HELP"))
	assert.Contains(t, out, "lab_candidates_retained 2")

	assert.Error(t, m.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}
