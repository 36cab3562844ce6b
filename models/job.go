package models

import (
	"time"
)

// Job status values. These literals are part of the external contract and
// must round-trip exactly.
const (
	JobStatusPending           = "pending"
	JobStatusSearching         = "searching"
	JobStatusAwaitingScreening = "awaiting_screening"
	JobStatusExtracting        = "extracting"
	JobStatusBuilding          = "building"
	JobStatusAnalyzing         = "analyzing"
	JobStatusCompleted         = "completed"
	JobStatusFailed            = "failed"
	JobStatusCancelled         = "cancelled"
)

// ResearchJob represents one run of the literature pipeline for a topic.
// Only the orchestrator mutates it.
type ResearchJob struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID string `json:"owner_id" gorm:"index;not null"`
	Topic   string `json:"topic" gorm:"not null"`

	Status   string `json:"status" gorm:"index;default:'pending'"`
	Progress int    `json:"progress" gorm:"default:0"`

	ArticlesFound     int `json:"articles_found" gorm:"default:0"`
	ArticlesProcessed int `json:"articles_processed" gorm:"default:0"`

	GraphID string `json:"graph_id,omitempty" gorm:"index"`
	Error   string `json:"error,omitempty" gorm:"type:text"`
}

// TableName sets the explicit table name for GORM.
func (ResearchJob) TableName() string {
	return "research_jobs"
}

// Terminal reports whether the job can no longer change state.
func (j *ResearchJob) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
