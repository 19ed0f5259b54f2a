package database

import (
	"encoding/json"
	"time"

	"github.com/andi/xmlconv/backend/models"
)

// JobModel represents a conversion job in the database
type JobModel struct {
	ID             string `gorm:"primaryKey;type:varchar(36)"`
	DocumentID     string `gorm:"type:varchar(64);index"`
	StoredName     string `gorm:"type:varchar(512);not null"`
	OutputBaseName string `gorm:"type:varchar(512);index"`
	State          string `gorm:"type:varchar(20);not null;index"`
	IsDemo         bool   `gorm:"not null;default:false"`
	ExitCode       *int
	Stderr         string `gorm:"type:text"`
	ErrorKind      string `gorm:"type:varchar(50)"`
	ErrorMessage   string `gorm:"type:text"`
	OutputFiles    string `gorm:"type:text"` // JSON map of kind to file name
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (JobModel) TableName() string {
	return "conversion_jobs"
}

// ToJob converts JobModel to models.ConversionJob
func (m *JobModel) ToJob() *models.ConversionJob {
	outputs := map[models.ArtifactKind]string{}
	if m.OutputFiles != "" {
		// a corrupt column only loses the file list
		_ = json.Unmarshal([]byte(m.OutputFiles), &outputs)
	}
	return &models.ConversionJob{
		ID:             m.ID,
		DocumentID:     m.DocumentID,
		StoredName:     m.StoredName,
		OutputBaseName: m.OutputBaseName,
		State:          models.JobState(m.State),
		IsDemo:         m.IsDemo,
		ExitCode:       m.ExitCode,
		Stderr:         m.Stderr,
		ErrorKind:      m.ErrorKind,
		ErrorMessage:   m.ErrorMessage,
		OutputFiles:    outputs,
		StartedAt:      m.StartedAt,
		FinishedAt:     m.FinishedAt,
		CreatedAt:      m.CreatedAt,
	}
}

// FromJob converts models.ConversionJob to JobModel
func FromJob(j *models.ConversionJob) *JobModel {
	outputs := "{}"
	if len(j.OutputFiles) > 0 {
		if data, err := json.Marshal(j.OutputFiles); err == nil {
			outputs = string(data)
		}
	}
	return &JobModel{
		ID:             j.ID,
		DocumentID:     j.DocumentID,
		StoredName:     j.StoredName,
		OutputBaseName: j.OutputBaseName,
		State:          string(j.State),
		IsDemo:         j.IsDemo,
		ExitCode:       j.ExitCode,
		Stderr:         j.Stderr,
		ErrorKind:      j.ErrorKind,
		ErrorMessage:   j.ErrorMessage,
		OutputFiles:    outputs,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		CreatedAt:      j.CreatedAt,
	}
}
