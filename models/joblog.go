package models

import "time"

// JobLog is one append-only log line produced by a pipeline stage. Exposed to
// callers for progress transparency.
type JobLog struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	JobID   string `json:"job_id" gorm:"index;not null"`
	Stage   string `json:"stage" gorm:"index"`
	Level   string `json:"level" gorm:"default:'info'"`
	Message string `json:"message" gorm:"type:text"`
}

// TableName sets the explicit table name for GORM.
func (JobLog) TableName() string {
	return "job_logs"
}
