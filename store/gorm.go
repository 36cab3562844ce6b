package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"scholargraph/models"
)

// GormStore implements Store on a PostgreSQL database via gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates all tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.ResearchJob{},
		&models.Article{},
		&models.JobLog{},
		&models.Graph{},
		&models.GraphSnapshot{},
	)
}

func (s *GormStore) CreateJob(ctx context.Context, job *models.ResearchJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*models.ResearchJob, error) {
	var job models.ResearchJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *GormStore) GetJobForOwner(ctx context.Context, id, ownerID string) (*models.ResearchJob, error) {
	var job models.ResearchJob
	err := s.db.WithContext(ctx).First(&job, "id = ? AND owner_id = ?", id, ownerID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &job, nil
}

func (s *GormStore) ListJobs(ctx context.Context, ownerID string) ([]*models.ResearchJob, error) {
	var jobs []*models.ResearchJob
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at desc").
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) SaveJob(ctx context.Context, job *models.ResearchJob) error {
	return s.updateExisting(ctx, job, job.ID)
}

func (s *GormStore) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*models.ResearchJob, error) {
	terminal := []string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}
	var jobs []*models.ResearchJob
	err := s.db.WithContext(ctx).
		Where("status NOT IN ? AND updated_at < ?", terminal, cutoff).
		Order("updated_at asc").
		Find(&jobs).Error
	return jobs, err
}

func (s *GormStore) DeleteJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.ResearchJob{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateArticles(ctx context.Context, articles []*models.Article) error {
	if len(articles) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(articles).Error
}

func (s *GormStore) ListArticles(ctx context.Context, jobID string) ([]*models.Article, error) {
	var articles []*models.Article
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at asc, id asc").
		Find(&articles).Error
	return articles, err
}

func (s *GormStore) ListArticlesByScreening(ctx context.Context, jobID, screeningStatus string) ([]*models.Article, error) {
	var articles []*models.Article
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND screening_status = ?", jobID, screeningStatus).
		Order("created_at asc, id asc").
		Find(&articles).Error
	return articles, err
}

func (s *GormStore) SaveArticle(ctx context.Context, article *models.Article) error {
	return s.updateExisting(ctx, article, article.ID)
}

func (s *GormStore) DeleteArticlesByJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Delete(&models.Article{}, "job_id = ?", jobID).Error
}

func (s *GormStore) AppendLog(ctx context.Context, log *models.JobLog) error {
	return s.db.WithContext(ctx).Create(log).Error
}

func (s *GormStore) ListLogs(ctx context.Context, jobID string) ([]*models.JobLog, error) {
	var logs []*models.JobLog
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id asc").
		Find(&logs).Error
	return logs, err
}

func (s *GormStore) DeleteLogsByJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Delete(&models.JobLog{}, "job_id = ?", jobID).Error
}

func (s *GormStore) CreateGraph(ctx context.Context, graph *models.Graph) error {
	return s.db.WithContext(ctx).Create(graph).Error
}

func (s *GormStore) GetGraph(ctx context.Context, id string) (*models.Graph, error) {
	var graph models.Graph
	err := s.db.WithContext(ctx).First(&graph, "id = ?", id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &graph, nil
}

func (s *GormStore) GetGraphForOwner(ctx context.Context, id, ownerID string) (*models.Graph, error) {
	var graph models.Graph
	err := s.db.WithContext(ctx).First(&graph, "id = ? AND owner_id = ?", id, ownerID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &graph, nil
}

func (s *GormStore) GetGraphByJob(ctx context.Context, jobID string) (*models.Graph, error) {
	var graph models.Graph
	err := s.db.WithContext(ctx).First(&graph, "job_id = ?", jobID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &graph, nil
}

func (s *GormStore) SaveGraph(ctx context.Context, graph *models.Graph) error {
	return s.updateExisting(ctx, graph, graph.ID)
}

// updateExisting writes all fields of an existing row. Unlike gorm's Save it
// never falls back to an insert when the row is gone, so a late pipeline
// write can never resurrect a deleted record.
func (s *GormStore) updateExisting(ctx context.Context, model any, id string) error {
	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Select("*").Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateSnapshot(ctx context.Context, snapshot *models.GraphSnapshot) error {
	err := s.db.WithContext(ctx).Create(snapshot).Error
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: snapshot version %d for graph %s", ErrConflict, snapshot.Version, snapshot.GraphID)
	}
	return err
}

func (s *GormStore) GetSnapshot(ctx context.Context, graphID string, version int) (*models.GraphSnapshot, error) {
	var snap models.GraphSnapshot
	err := s.db.WithContext(ctx).First(&snap, "graph_id = ? AND version = ?", graphID, version).Error
	if err != nil {
		return nil, translate(err)
	}
	return &snap, nil
}

func (s *GormStore) LatestSnapshot(ctx context.Context, graphID string) (*models.GraphSnapshot, error) {
	var snap models.GraphSnapshot
	err := s.db.WithContext(ctx).
		Where("graph_id = ?", graphID).
		Order("version desc").
		First(&snap).Error
	if err != nil {
		return nil, translate(err)
	}
	return &snap, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey))
}
