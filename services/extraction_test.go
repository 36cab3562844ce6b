package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scholargraph/models"
	"scholargraph/store"
)

func seedJobArticles(t *testing.T, st store.Store, jobID string, titles ...string) []*models.Article {
	t.Helper()
	articles := make([]*models.Article, len(titles))
	for i, title := range titles {
		articles[i] = testArticle(t, jobID, nil, nil)
		articles[i].Title = title
		articles[i].Extracted = false
	}
	require.NoError(t, st.CreateArticles(context.Background(), articles))
	return articles
}

func TestExtractionPersistsPayloads(t *testing.T) {
	st := store.NewMemoryStore()
	articles := seedJobArticles(t, st, "job", "Alpha", "Beta")

	extractor := &fakeExtractor{
		entities: map[string][]models.Entity{
			"Alpha": {{Name: "p53", Type: models.EntityTypeProtein, Confidence: 0.9}},
			"Beta":  {{Name: "MDM2", Type: models.EntityTypeProtein, Confidence: 0.8}},
		},
		relations: map[string][]models.Relation{},
	}
	stage := NewExtractionStage(extractor, st, zap.NewNop(), 2)

	job := &models.ResearchJob{ID: "job"}
	succeeded, err := stage.Run(context.Background(), job, articles, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, succeeded)

	stored, err := st.ListArticles(context.Background(), "job")
	require.NoError(t, err)
	for _, a := range stored {
		assert.True(t, a.Extracted)
		entities, err := DecodeEntities(a)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, []string{a.ID}, entities[0].ArticleIDs, "payload is stamped with the article id")
	}
}

func TestExtractionFailureIsLocalToArticle(t *testing.T) {
	st := store.NewMemoryStore()
	articles := seedJobArticles(t, st, "job", "Good", "Bad")

	extractor := &fakeExtractor{
		entities: map[string][]models.Entity{
			"Good": {{Name: "p53", Type: models.EntityTypeProtein, Confidence: 0.9}},
		},
		relations: map[string][]models.Relation{},
	}
	// fail only the second article by switching the error on between calls
	failing := &flakyExtractor{inner: extractor, failOn: "Bad"}
	stage := NewExtractionStage(failing, st, zap.NewNop(), 1)

	succeeded, err := stage.Run(context.Background(), &models.ResearchJob{ID: "job"}, articles, nil)
	require.NoError(t, err, "one failed article must not fail the stage")
	assert.Equal(t, 1, succeeded)

	stored, _ := st.ListArticles(context.Background(), "job")
	extractedCount := 0
	for _, a := range stored {
		if a.Extracted {
			extractedCount++
		}
	}
	assert.Equal(t, 1, extractedCount)
}

// flakyExtractor fails extraction for one specific title.
type flakyExtractor struct {
	inner  *fakeExtractor
	failOn string
}

func (f *flakyExtractor) ExtractEntities(ctx context.Context, text string) ([]models.Entity, error) {
	if len(text) >= len(f.failOn) && text[:len(f.failOn)] == f.failOn {
		return nil, errors.New("model refused")
	}
	return f.inner.ExtractEntities(ctx, text)
}

func (f *flakyExtractor) ExtractRelations(ctx context.Context, text string) ([]models.Relation, error) {
	return f.inner.ExtractRelations(ctx, text)
}

func TestExtractionReportsMonotonicProgress(t *testing.T) {
	st := store.NewMemoryStore()
	articles := seedJobArticles(t, st, "job", "A", "B", "C", "D")

	extractor := &fakeExtractor{
		entities:  map[string][]models.Entity{},
		relations: map[string][]models.Relation{},
	}
	stage := NewExtractionStage(extractor, st, zap.NewNop(), 3)

	var mu sync.Mutex
	var seen []int
	_, err := stage.Run(context.Background(), &models.ResearchJob{ID: "job"}, articles, func(processed int) {
		mu.Lock()
		seen = append(seen, processed)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Len(t, seen, 4)
	sort.Ints(seen)
	assert.Equal(t, []int{1, 2, 3, 4}, seen, "every article reports exactly once")
}

// stubbornExtractor ignores the context and always completes its call.
type stubbornExtractor struct {
	sleep time.Duration
}

func (s *stubbornExtractor) ExtractEntities(_ context.Context, _ string) ([]models.Entity, error) {
	time.Sleep(s.sleep)
	return []models.Entity{{Name: "p53", Type: models.EntityTypeProtein, Confidence: 0.9}}, nil
}

func (s *stubbornExtractor) ExtractRelations(_ context.Context, _ string) ([]models.Relation, error) {
	return nil, nil
}

func TestExtractionDiscardsResultCompletedAfterCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	articles := seedJobArticles(t, st, "job", "Alpha")

	stage := NewExtractionStage(&stubbornExtractor{sleep: 100 * time.Millisecond}, st, zap.NewNop(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := stage.Run(ctx, &models.ResearchJob{ID: "job"}, articles, nil)
	assert.ErrorIs(t, err, context.Canceled)

	stored, _ := st.ListArticles(context.Background(), "job")
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Extracted, "a call that outlives cancellation must not persist its result")
	assert.Empty(t, stored[0].Entities)
}

func TestExtractionStopsOnCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	articles := seedJobArticles(t, st, "job", "A", "B", "C")

	extractor := &fakeExtractor{
		entities:  map[string][]models.Entity{},
		relations: map[string][]models.Relation{},
	}
	stage := NewExtractionStage(extractor, st, zap.NewNop(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := stage.Run(ctx, &models.ResearchJob{ID: "job"}, articles, nil)
	assert.ErrorIs(t, err, context.Canceled)

	stored, _ := st.ListArticles(context.Background(), "job")
	for _, a := range stored {
		assert.False(t, a.Extracted, "no work after cancellation")
	}
}
