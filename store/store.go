// Package store fronts persistence for jobs, articles, graphs, snapshots and
// job logs. The pipeline only ever talks to the Store interface; the gorm
// implementation backs it in production and the memory implementation backs
// it in tests.
package store

import (
	"context"
	"errors"
	"time"

	"scholargraph/models"
)

// Sentinel errors mapped to HTTP status codes at the boundary.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
)

// Store is the persistence contract consumed by the pipeline.
type Store interface {
	// Jobs. Owner-filtered reads return ErrNotFound on ownership mismatch so
	// callers cannot distinguish foreign jobs from missing ones.
	CreateJob(ctx context.Context, job *models.ResearchJob) error
	GetJob(ctx context.Context, id string) (*models.ResearchJob, error)
	GetJobForOwner(ctx context.Context, id, ownerID string) (*models.ResearchJob, error)
	ListJobs(ctx context.Context, ownerID string) ([]*models.ResearchJob, error)
	SaveJob(ctx context.Context, job *models.ResearchJob) error
	DeleteJob(ctx context.Context, id string) error
	// ListStaleJobs returns non-terminal jobs last updated before cutoff.
	ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.ResearchJob, error)

	// Articles.
	CreateArticles(ctx context.Context, articles []*models.Article) error
	ListArticles(ctx context.Context, jobID string) ([]*models.Article, error)
	ListArticlesByScreening(ctx context.Context, jobID, screeningStatus string) ([]*models.Article, error)
	SaveArticle(ctx context.Context, article *models.Article) error
	DeleteArticlesByJob(ctx context.Context, jobID string) error

	// Job logs, append-only.
	AppendLog(ctx context.Context, log *models.JobLog) error
	ListLogs(ctx context.Context, jobID string) ([]*models.JobLog, error)
	DeleteLogsByJob(ctx context.Context, jobID string) error

	// Graphs and snapshots. Snapshots are immutable once created.
	CreateGraph(ctx context.Context, graph *models.Graph) error
	GetGraph(ctx context.Context, id string) (*models.Graph, error)
	GetGraphForOwner(ctx context.Context, id, ownerID string) (*models.Graph, error)
	GetGraphByJob(ctx context.Context, jobID string) (*models.Graph, error)
	SaveGraph(ctx context.Context, graph *models.Graph) error
	CreateSnapshot(ctx context.Context, snapshot *models.GraphSnapshot) error
	GetSnapshot(ctx context.Context, graphID string, version int) (*models.GraphSnapshot, error)
	LatestSnapshot(ctx context.Context, graphID string) (*models.GraphSnapshot, error)
}
