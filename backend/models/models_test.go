package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTransitions(t *testing.T) {
	now := time.Now()

	job := &ConversionJob{State: JobStatePending}
	require.NoError(t, job.Transition(JobStateRunning, now))
	require.NotNil(t, job.StartedAt)
	require.NoError(t, job.Transition(JobStateSucceeded, now.Add(time.Second)))
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, time.Second, job.Duration())

	// terminal states never change
	assert.Error(t, job.Transition(JobStateFailed, now))
	assert.Error(t, job.Transition(JobStateRunning, now))
	assert.Equal(t, JobStateSucceeded, job.State)
}

func TestJobTransitionSkipsRunningOnlyForFailure(t *testing.T) {
	job := &ConversionJob{State: JobStatePending}
	assert.Error(t, job.Transition(JobStateSucceeded, time.Now()))

	require.NoError(t, job.Transition(JobStateFailed, time.Now()))
	assert.Nil(t, job.StartedAt)
	assert.Zero(t, job.Duration())
}

func TestArtifactKindFromExt(t *testing.T) {
	tests := []struct {
		ext  string
		kind ArtifactKind
		ok   bool
	}{
		{".csv", ArtifactCSV, true},
		{"XLSX", ArtifactXLSX, true},
		{".Html", ArtifactHTML, true},
		{".htm", "", false},
		{".xml", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		kind, ok := ArtifactKindFromExt(tt.ext)
		assert.Equal(t, tt.ok, ok, tt.ext)
		assert.Equal(t, tt.kind, kind, tt.ext)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	code := 0
	job := &ConversionJob{
		ExitCode:    &code,
		OutputFiles: map[ArtifactKind]string{ArtifactCSV: "a.csv"},
	}

	c := job.Clone()
	*c.ExitCode = 9
	c.OutputFiles[ArtifactHTML] = "a.html"

	assert.Equal(t, 0, *job.ExitCode)
	assert.Len(t, job.OutputFiles, 1)
}
