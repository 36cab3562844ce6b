package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"scholargraph/models"
	"scholargraph/providers"
	"scholargraph/store"
)

// ExtractionStage runs entity/relation extraction over a job's included
// articles with a fixed-size worker pool. A failure on one article is
// recorded on that article and never fails the stage.
type ExtractionStage struct {
	Provider providers.ExtractionProvider
	Store    store.Store
	Logger   *zap.Logger
	Workers  int
}

// NewExtractionStage creates an extraction stage. workers <= 0 falls back
// to a small default.
func NewExtractionStage(provider providers.ExtractionProvider, st store.Store, logger *zap.Logger, workers int) *ExtractionStage {
	if workers <= 0 {
		workers = 4
	}
	return &ExtractionStage{Provider: provider, Store: st, Logger: logger, Workers: workers}
}

// Run processes the given articles. onProcessed is invoked after every
// article, successful or not, with the monotonically increasing processed
// count. Returns the number of articles that produced a payload.
func (e *ExtractionStage) Run(ctx context.Context, job *models.ResearchJob, articles []*models.Article, onProcessed func(processed int)) (int, error) {
	log := e.Logger.With(zap.String("job_id", job.ID))
	log.Info("Starting extraction", zap.Int("articles", len(articles)), zap.Int("workers", e.Workers))

	var (
		wg        sync.WaitGroup
		processed int64
		succeeded int64
	)
	semaphore := make(chan struct{}, e.Workers)

	for _, article := range articles {
		// Cooperative cancellation before each unit of work.
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		semaphore <- struct{}{}
		go func(article *models.Article) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if ctx.Err() == nil && e.extractOne(ctx, article) {
				atomic.AddInt64(&succeeded, 1)
			}

			count := atomic.AddInt64(&processed, 1)
			if onProcessed != nil {
				onProcessed(int(count))
			}
		}(article)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return int(succeeded), err
	}

	log.Info("Extraction finished",
		zap.Int64("processed", processed),
		zap.Int64("succeeded", succeeded))
	return int(succeeded), nil
}

// extractOne calls the provider for a single article and persists the
// payload. Returns false when extraction failed; the article is saved with
// no payload so the pipeline can continue.
func (e *ExtractionStage) extractOne(ctx context.Context, article *models.Article) bool {
	log := e.Logger.With(zap.String("article_id", article.ID))

	text := article.Title
	if article.Abstract != "" {
		text += "\n\n" + article.Abstract
	}

	entities, err := e.Provider.ExtractEntities(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("Entity extraction failed", zap.Error(err))
		e.markUnprocessed(ctx, article, log)
		return false
	}

	relations, err := e.Provider.ExtractRelations(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("Relation extraction failed", zap.Error(err))
		e.markUnprocessed(ctx, article, log)
		return false
	}

	// a provider call may outlive cancellation; its result is then discarded
	// unwritten
	if ctx.Err() != nil {
		log.Debug("Discarding extraction result after cancellation")
		return false
	}

	for i := range entities {
		entities[i].ArticleIDs = []string{article.ID}
	}
	for i := range relations {
		relations[i].ArticleIDs = []string{article.ID}
	}

	entityJSON, err := json.Marshal(entities)
	if err != nil {
		log.Warn("Could not serialize entities", zap.Error(err))
		e.markUnprocessed(ctx, article, log)
		return false
	}
	relationJSON, err := json.Marshal(relations)
	if err != nil {
		log.Warn("Could not serialize relations", zap.Error(err))
		e.markUnprocessed(ctx, article, log)
		return false
	}

	article.Entities = entityJSON
	article.Relations = relationJSON
	article.Extracted = true
	if err := e.Store.SaveArticle(ctx, article); err != nil {
		log.Warn("Could not persist extraction payload", zap.Error(err))
		return false
	}

	log.Debug("Extraction succeeded",
		zap.Int("entities", len(entities)),
		zap.Int("relations", len(relations)))
	return true
}

func (e *ExtractionStage) markUnprocessed(ctx context.Context, article *models.Article, log *zap.Logger) {
	article.Entities = nil
	article.Relations = nil
	article.Extracted = false
	if err := e.Store.SaveArticle(ctx, article); err != nil {
		log.Warn("Could not persist unprocessed marker", zap.Error(err))
	}
}

// DecodeEntities parses an article's serialized entity payload.
func DecodeEntities(article *models.Article) ([]models.Entity, error) {
	if len(article.Entities) == 0 {
		return nil, nil
	}
	var entities []models.Entity
	err := json.Unmarshal(article.Entities, &entities)
	return entities, err
}

// DecodeRelations parses an article's serialized relation payload.
func DecodeRelations(article *models.Article) ([]models.Relation, error) {
	if len(article.Relations) == 0 {
		return nil, nil
	}
	var relations []models.Relation
	err := json.Unmarshal(article.Relations, &relations)
	return relations, err
}
