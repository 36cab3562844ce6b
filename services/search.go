package services

import (
	"context"
	"math"

	"go.uber.org/zap"

	"scholargraph/models"
	"scholargraph/providers"
	"scholargraph/store"
)

// SearchOptions configure one search stage run.
type SearchOptions struct {
	MaxResults int
	Year       int
}

// SearchStage queries the literature provider for a job's topic and persists
// the de-duplicated candidate set.
type SearchStage struct {
	Provider providers.SearchProvider
	Store    store.Store
	Logger   *zap.Logger
	Archiver *PDFArchiver // optional, nil disables PDF archiving
}

// NewSearchStage creates a search stage.
func NewSearchStage(provider providers.SearchProvider, st store.Store, logger *zap.Logger, archiver *PDFArchiver) *SearchStage {
	return &SearchStage{Provider: provider, Store: st, Logger: logger, Archiver: archiver}
}

// Run executes the search and returns the number of persisted candidates.
func (s *SearchStage) Run(ctx context.Context, job *models.ResearchJob, opts SearchOptions) (int, error) {
	log := s.Logger.With(zap.String("job_id", job.ID), zap.String("topic", job.Topic))
	log.Info("Starting literature search", zap.String("provider", s.Provider.Name()))

	found, err := s.Provider.Search(ctx, job.Topic, providers.SearchOptions{
		MaxResults: opts.MaxResults,
		Year:       opts.Year,
	})
	if err != nil {
		return 0, err
	}

	// De-duplicate by PMID, falling back to DOI when no PMID is present.
	unique := make(map[string]*models.Article)
	var order []string
	for _, article := range found {
		key := article.PMID
		if key == "" {
			key = article.DOI
		}
		if key == "" {
			continue
		}
		if _, exists := unique[key]; !exists {
			unique[key] = article
			order = append(order, key)
		}
	}

	articles := make([]*models.Article, 0, len(unique))
	for _, key := range order {
		article := unique[key]
		article.JobID = job.ID
		article.ScreeningStatus = models.ScreeningPending
		article.RelevanceScore = relevanceFromCitations(article.CitationCount)
		articles = append(articles, article)
	}

	if err := s.Store.CreateArticles(ctx, articles); err != nil {
		return 0, err
	}
	log.Info("Search finished", zap.Int("unique_articles", len(articles)))

	if s.Archiver != nil {
		s.Archiver.ArchiveBatch(ctx, articles)
	}

	return len(articles), nil
}

// relevanceFromCitations maps a raw citation count onto [0,1] with a log
// scale so a handful of citations already separates from zero.
func relevanceFromCitations(citations int) float64 {
	if citations <= 0 {
		return 0
	}
	score := math.Log10(1+float64(citations)) / 3
	if score > 1 {
		return 1
	}
	return score
}
