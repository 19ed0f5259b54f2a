package models

import (
	"fmt"
	"strings"
	"time"
)

// Document represents an uploaded source file staged in the incoming root
type Document struct {
	ID           string    `json:"documentId"`
	OriginalName string    `json:"originalName"`
	StoredName   string    `json:"storedName"`
	StoragePath  string    `json:"-"`
	SizeBytes    int64     `json:"sizeBytes"`
	CreatedAt    time.Time `json:"createdAt"`
}

// JobState is the lifecycle state of a conversion job
type JobState string

// JobState constants
const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

var jobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateFailed},
	JobStateRunning: {JobStateSucceeded, JobStateFailed},
}

// ArtifactKind is one of the converted output formats
type ArtifactKind string

// ArtifactKind constants
const (
	ArtifactCSV  ArtifactKind = "csv"
	ArtifactXLSX ArtifactKind = "xlsx"
	ArtifactHTML ArtifactKind = "html"
)

// ArtifactKinds lists every kind in probe order
var ArtifactKinds = []ArtifactKind{ArtifactCSV, ArtifactXLSX, ArtifactHTML}

// Ext returns the file extension for the kind, including the dot
func (k ArtifactKind) Ext() string {
	return "." + string(k)
}

// ArtifactKindFromExt maps an extension (with or without dot, any case) to a kind
func ArtifactKindFromExt(ext string) (ArtifactKind, bool) {
	switch normalizeExt(ext) {
	case "csv":
		return ArtifactCSV, true
	case "xlsx":
		return ArtifactXLSX, true
	case "html":
		return ArtifactHTML, true
	}
	return "", false
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// ConversionJob represents one converter invocation for a document
type ConversionJob struct {
	ID             string                  `json:"jobId"`
	DocumentID     string                  `json:"documentId"`
	StoredName     string                  `json:"storedName"`
	OutputBaseName string                  `json:"outputBaseName"`
	State          JobState                `json:"state"`
	IsDemo         bool                    `json:"isDemo"`
	ExitCode       *int                    `json:"exitCode,omitempty"`
	Stdout         string                  `json:"-"`
	Stderr         string                  `json:"stderr,omitempty"`
	ErrorKind      string                  `json:"errorKind,omitempty"`
	ErrorMessage   string                  `json:"errorMessage,omitempty"`
	OutputFiles    map[ArtifactKind]string `json:"outputFiles"`
	StartedAt      *time.Time              `json:"startedAt,omitempty"`
	FinishedAt     *time.Time              `json:"finishedAt,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// Transition moves the job to the next state, rejecting illegal moves
func (j *ConversionJob) Transition(to JobState, at time.Time) error {
	for _, allowed := range jobTransitions[j.State] {
		if allowed != to {
			continue
		}
		j.State = to
		switch {
		case to == JobStateRunning:
			j.StartedAt = &at
		case to.Terminal():
			j.FinishedAt = &at
		}
		return nil
	}
	return fmt.Errorf("illegal job transition %s -> %s", j.State, to)
}

// Duration returns the wall time between start and finish, or zero
func (j *ConversionJob) Duration() time.Duration {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return 0
	}
	return j.FinishedAt.Sub(*j.StartedAt)
}

// Clone returns a copy that shares no mutable state with j
func (j *ConversionJob) Clone() *ConversionJob {
	c := *j
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	if j.OutputFiles != nil {
		c.OutputFiles = make(map[ArtifactKind]string, len(j.OutputFiles))
		for k, v := range j.OutputFiles {
			c.OutputFiles[k] = v
		}
	}
	return &c
}

// Artifact represents one converted output file
type Artifact struct {
	FileName   string       `json:"fileName"`
	Kind       ArtifactKind `json:"kind"`
	SizeBytes  int64        `json:"sizeBytes"`
	ModifiedAt time.Time    `json:"modifiedAt"`
	SourceStem string       `json:"sourceStem"`
}

// ArtifactGroup collects artifacts that share a source stem
type ArtifactGroup struct {
	ID               string                     `json:"id"`
	OriginalName     string                     `json:"originalName"`
	NewestModifiedAt time.Time                  `json:"newestModifiedAt"`
	Artifacts        map[ArtifactKind]*Artifact `json:"artifacts"`
}

// JobFilter narrows job history queries
type JobFilter struct {
	DocumentID string
	State      string
	Limit      int
	Offset     int
}
