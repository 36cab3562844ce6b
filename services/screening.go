package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"scholargraph/models"
	"scholargraph/store"
)

// ScreeningDecisions carry reviewer include/exclude decisions for a job's
// candidate set.
type ScreeningDecisions struct {
	IncludedIDs      []string          `json:"included_ids"`
	ExcludedIDs      []string          `json:"excluded_ids"`
	ExclusionReasons map[string]string `json:"exclusion_reasons,omitempty"`
}

// ScreeningStage applies reviewer decisions to a job's articles.
type ScreeningStage struct {
	Store  store.Store
	Logger *zap.Logger
}

// NewScreeningStage creates a screening stage.
func NewScreeningStage(st store.Store, logger *zap.Logger) *ScreeningStage {
	return &ScreeningStage{Store: st, Logger: logger}
}

// Apply marks the named articles included or excluded. Articles not named
// keep their current screening status. Unknown ids are rejected.
func (s *ScreeningStage) Apply(ctx context.Context, jobID string, decisions ScreeningDecisions) (included, excluded int, err error) {
	articles, err := s.Store.ListArticles(ctx, jobID)
	if err != nil {
		return 0, 0, err
	}

	byID := make(map[string]*models.Article, len(articles))
	for _, a := range articles {
		byID[a.ID] = a
	}

	for _, id := range decisions.IncludedIDs {
		article, ok := byID[id]
		if !ok {
			return 0, 0, fmt.Errorf("%w: article %s", store.ErrNotFound, id)
		}
		article.ScreeningStatus = models.ScreeningIncluded
		article.ScreeningReason = ""
		if err := s.Store.SaveArticle(ctx, article); err != nil {
			return 0, 0, err
		}
		included++
	}

	for _, id := range decisions.ExcludedIDs {
		article, ok := byID[id]
		if !ok {
			return 0, 0, fmt.Errorf("%w: article %s", store.ErrNotFound, id)
		}
		article.ScreeningStatus = models.ScreeningExcluded
		article.ScreeningReason = decisions.ExclusionReasons[id]
		if err := s.Store.SaveArticle(ctx, article); err != nil {
			return 0, 0, err
		}
		excluded++
	}

	s.Logger.Info("Screening decisions applied",
		zap.String("job_id", jobID),
		zap.Int("included", included),
		zap.Int("excluded", excluded))
	return included, excluded, nil
}

// IncludedArticles returns the subset eligible for extraction.
func (s *ScreeningStage) IncludedArticles(ctx context.Context, jobID string) ([]*models.Article, error) {
	return s.Store.ListArticlesByScreening(ctx, jobID, models.ScreeningIncluded)
}
