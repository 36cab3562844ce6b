package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scholargraph/models"
)

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]models.ResearchJob
	articles  map[string]models.Article
	logs      []models.JobLog
	graphs    map[string]models.Graph
	snapshots map[string][]models.GraphSnapshot
	logSeq    uint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]models.ResearchJob),
		articles:  make(map[string]models.Article),
		graphs:    make(map[string]models.Graph),
		snapshots: make(map[string][]models.GraphSnapshot),
	}
}

func (s *MemoryStore) CreateJob(_ context.Context, job *models.ResearchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s", ErrConflict, job.ID)
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &job, nil
}

func (s *MemoryStore) GetJobForOwner(ctx context.Context, id, ownerID string) (*models.ResearchJob, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (s *MemoryStore) ListJobs(_ context.Context, ownerID string) ([]*models.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.ResearchJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			j := job
			jobs = append(jobs, &j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) SaveJob(_ context.Context, job *models.ResearchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryStore) ListStaleJobs(_ context.Context, cutoff time.Time) ([]*models.ResearchJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.ResearchJob
	for _, job := range s.jobs {
		if job.Terminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		j := job
		jobs = append(jobs, &j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].UpdatedAt.Before(jobs[k].UpdatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) CreateArticles(_ context.Context, articles []*models.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for i, a := range articles {
		if a.CreatedAt.IsZero() {
			// preserve insertion order for stores without auto-increment ids
			a.CreatedAt = now.Add(time.Duration(i) * time.Microsecond)
		}
		a.UpdatedAt = a.CreatedAt
		s.articles[a.ID] = *a
	}
	return nil
}

func (s *MemoryStore) ListArticles(_ context.Context, jobID string) ([]*models.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectArticles(func(a models.Article) bool {
		return a.JobID == jobID
	}), nil
}

func (s *MemoryStore) ListArticlesByScreening(_ context.Context, jobID, screeningStatus string) ([]*models.Article, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectArticles(func(a models.Article) bool {
		return a.JobID == jobID && a.ScreeningStatus == screeningStatus
	}), nil
}

func (s *MemoryStore) collectArticles(match func(models.Article) bool) []*models.Article {
	var articles []*models.Article
	for _, a := range s.articles {
		if match(a) {
			article := a
			articles = append(articles, &article)
		}
	}
	sort.Slice(articles, func(i, k int) bool {
		if articles[i].CreatedAt.Equal(articles[k].CreatedAt) {
			return articles[i].ID < articles[k].ID
		}
		return articles[i].CreatedAt.Before(articles[k].CreatedAt)
	})
	return articles
}

func (s *MemoryStore) SaveArticle(_ context.Context, article *models.Article) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.articles[article.ID]; !ok {
		return ErrNotFound
	}
	article.UpdatedAt = time.Now()
	s.articles[article.ID] = *article
	return nil
}

func (s *MemoryStore) DeleteArticlesByJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.articles {
		if a.JobID == jobID {
			delete(s.articles, id)
		}
	}
	return nil
}

func (s *MemoryStore) AppendLog(_ context.Context, log *models.JobLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	log.ID = s.logSeq
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, *log)
	return nil
}

func (s *MemoryStore) ListLogs(_ context.Context, jobID string) ([]*models.JobLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []*models.JobLog
	for _, l := range s.logs {
		if l.JobID == jobID {
			log := l
			logs = append(logs, &log)
		}
	}
	return logs, nil
}

func (s *MemoryStore) DeleteLogsByJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	for _, l := range s.logs {
		if l.JobID != jobID {
			kept = append(kept, l)
		}
	}
	s.logs = kept
	return nil
}

func (s *MemoryStore) CreateGraph(_ context.Context, graph *models.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.graphs[graph.ID]; exists {
		return fmt.Errorf("%w: graph %s", ErrConflict, graph.ID)
	}
	now := time.Now()
	if graph.CreatedAt.IsZero() {
		graph.CreatedAt = now
	}
	graph.UpdatedAt = now
	s.graphs[graph.ID] = *graph
	return nil
}

func (s *MemoryStore) GetGraph(_ context.Context, id string) (*models.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	graph, ok := s.graphs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &graph, nil
}

func (s *MemoryStore) GetGraphForOwner(ctx context.Context, id, ownerID string) (*models.Graph, error) {
	graph, err := s.GetGraph(ctx, id)
	if err != nil {
		return nil, err
	}
	if graph.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return graph, nil
}

func (s *MemoryStore) GetGraphByJob(_ context.Context, jobID string) (*models.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.graphs {
		if g.JobID == jobID {
			graph := g
			return &graph, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveGraph(_ context.Context, graph *models.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[graph.ID]; !ok {
		return ErrNotFound
	}
	graph.UpdatedAt = time.Now()
	s.graphs[graph.ID] = *graph
	return nil
}

func (s *MemoryStore) CreateSnapshot(_ context.Context, snapshot *models.GraphSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.snapshots[snapshot.GraphID] {
		if existing.Version == snapshot.Version {
			return fmt.Errorf("%w: snapshot version %d for graph %s", ErrConflict, snapshot.Version, snapshot.GraphID)
		}
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}
	s.snapshots[snapshot.GraphID] = append(s.snapshots[snapshot.GraphID], *snapshot)
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, graphID string, version int) (*models.GraphSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots[graphID] {
		if snap.Version == version {
			out := snap
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, graphID string) (*models.GraphSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.snapshots[graphID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.Version > latest.Version {
			latest = snap
		}
	}
	out := latest
	return &out, nil
}
