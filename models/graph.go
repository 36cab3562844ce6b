package models

import (
	"time"

	"gorm.io/datatypes"
)

// Graph is the persisted graph record for a job. The structural data lives in
// versioned snapshots; the graph row itself only tracks identity, ownership
// and the latest version number.
type Graph struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OwnerID  string `json:"owner_id" gorm:"index;not null"`
	JobID    string `json:"job_id" gorm:"uniqueIndex"`
	Topic    string `json:"topic"`
	Directed bool   `json:"directed" gorm:"default:false"`

	// Version of the newest snapshot. Strictly increasing, assigned under a
	// per-graph lock.
	Version int `json:"version" gorm:"default:0"`
}

// TableName sets the explicit table name for GORM.
func (Graph) TableName() string {
	return "graphs"
}

// GraphSnapshot is an immutable copy of a graph's structure (and optionally
// its metrics) at one version. Snapshots are never updated after creation.
type GraphSnapshot struct {
	ID        string    `json:"id" gorm:"type:uuid;primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	GraphID string `json:"graph_id" gorm:"index:idx_graph_snapshots_version,unique;not null"`
	Version int    `json:"version" gorm:"index:idx_graph_snapshots_version,unique;not null"`

	Nodes   datatypes.JSON `json:"nodes" gorm:"type:jsonb"`
	Edges   datatypes.JSON `json:"edges" gorm:"type:jsonb"`
	Metrics datatypes.JSON `json:"metrics,omitempty" gorm:"type:jsonb"`
}

// TableName sets the explicit table name for GORM.
func (GraphSnapshot) TableName() string {
	return "graph_snapshots"
}

// GraphNode is one de-duplicated entity in a built graph. Serialized into the
// snapshot's Nodes payload.
type GraphNode struct {
	ID          string   `json:"id"`
	Label       string   `json:"label"`
	DisplayName string   `json:"display_name"`
	Type        string   `json:"type"`
	Confidence  float64  `json:"confidence"`
	Support     int      `json:"support"`
	ArticleIDs  []string `json:"article_ids,omitempty"`
}

// GraphEdge is one merged relation between two nodes. Weight counts distinct
// supporting articles.
type GraphEdge struct {
	ID            string   `json:"id"`
	Source        string   `json:"source"`
	Target        string   `json:"target"`
	Label         string   `json:"label"`
	Weight        int      `json:"weight"`
	RelationTypes []string `json:"relation_types,omitempty"`
	ArticleIDs    []string `json:"article_ids,omitempty"`
}
