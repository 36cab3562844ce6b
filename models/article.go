package models

import (
	"time"

	"gorm.io/datatypes"
)

// Screening status values. Part of the external contract.
const (
	ScreeningPending  = "pending"
	ScreeningIncluded = "included"
	ScreeningExcluded = "excluded"
)

// PDF archive status values.
const (
	PDFStatusNone    = "none"
	PDFStatusFetched = "fetched"
	PDFStatusFailed  = "failed"
)

// Article represents one candidate study found for a job. Created by the
// search stage, updated by screening and extraction.
type Article struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	JobID string `json:"job_id" gorm:"index;not null"`

	PMID     string `json:"pmid,omitempty" gorm:"column:pmid;index"`
	DOI      string `json:"doi,omitempty" gorm:"column:doi;index"`
	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty" gorm:"type:text"`
	Authors  string `json:"authors,omitempty"`
	Year     int    `json:"year,omitempty"`
	Source   string `json:"source,omitempty"`
	URL      string `json:"url,omitempty"`

	CitationCount  int     `json:"citation_count" gorm:"default:0"`
	RelevanceScore float64 `json:"relevance_score" gorm:"default:0"`

	ScreeningStatus string `json:"screening_status" gorm:"index;default:'pending'"`
	ScreeningReason string `json:"screening_reason,omitempty"`

	// Serialized extraction output, empty until the extraction stage ran.
	Entities  datatypes.JSON `json:"entities,omitempty" gorm:"type:jsonb"`
	Relations datatypes.JSON `json:"relations,omitempty" gorm:"type:jsonb"`
	Extracted bool           `json:"extracted" gorm:"default:false"`

	PDFStatus string `json:"pdf_status" gorm:"default:'none'"`
	S3Link    string `json:"s3_link,omitempty"`
}

// TableName sets the explicit table name for GORM.
func (Article) TableName() string {
	return "articles"
}
