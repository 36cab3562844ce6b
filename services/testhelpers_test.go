package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scholargraph/cache"
	"scholargraph/models"
	"scholargraph/providers"
)

// fakeVocab answers term lookups from a fixed table. Counts calls so tests
// can verify cache behavior.
type fakeVocab struct {
	mu      sync.Mutex
	entries map[string]providers.NormalizedTerm
	err     error
	calls   int
}

func (f *fakeVocab) Normalize(_ context.Context, term string) (providers.NormalizedTerm, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return providers.NormalizedTerm{}, f.err
	}
	if result, ok := f.entries[CanonicalTerm(term)]; ok {
		return result, nil
	}
	return providers.NormalizedTerm{Normalized: term, Confidence: 0}, nil
}

func (f *fakeVocab) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeSearch returns a canned result set for every topic.
type fakeSearch struct {
	articles []*models.Article
	err      error
}

func (f *fakeSearch) Search(_ context.Context, _ string, _ providers.SearchOptions) ([]*models.Article, error) {
	if f.err != nil {
		return nil, f.err
	}
	// hand out copies, the stage mutates its input
	out := make([]*models.Article, len(f.articles))
	for i, a := range f.articles {
		copied := *a
		out[i] = &copied
	}
	return out, nil
}

func (f *fakeSearch) FetchDetails(_ context.Context, _ []string) ([]*models.Article, error) {
	return nil, nil
}

func (f *fakeSearch) Name() string { return "fake" }

// fakeExtractor answers extraction requests from a table keyed by article
// title (the stage feeds title + abstract as the text).
type fakeExtractor struct {
	mu        sync.Mutex
	entities  map[string][]models.Entity
	relations map[string][]models.Relation
	err       error
	delay     time.Duration
	calls     int
}

func (f *fakeExtractor) key(text string) string {
	for key := range f.entities {
		if len(text) >= len(key) && text[:len(key)] == key {
			return key
		}
	}
	return text
}

func (f *fakeExtractor) ExtractEntities(ctx context.Context, text string) ([]models.Entity, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.entities[f.key(text)], nil
}

func (f *fakeExtractor) ExtractRelations(_ context.Context, text string) ([]models.Relation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.relations[f.key(text)], nil
}

// testArticle builds a persisted-shape article with serialized payloads.
func testArticle(t *testing.T, jobID string, entities []models.Entity, relations []models.Relation) *models.Article {
	t.Helper()
	article := &models.Article{
		ID:              uuid.NewString(),
		JobID:           jobID,
		ScreeningStatus: models.ScreeningIncluded,
		Extracted:       true,
	}
	var err error
	if entities != nil {
		article.Entities, err = json.Marshal(entities)
		if err != nil {
			t.Fatalf("marshal entities: %v", err)
		}
	}
	if relations != nil {
		article.Relations, err = json.Marshal(relations)
		if err != nil {
			t.Fatalf("marshal relations: %v", err)
		}
	}
	return article
}

func testNormalizer(vocab providers.TermProvider) *TermNormalizer {
	return NewTermNormalizer(vocab, cache.New(time.Hour), zap.NewNop(), time.Hour)
}

func testBuilder(vocab providers.TermProvider) *GraphBuilder {
	return NewGraphBuilder(testNormalizer(vocab), zap.NewNop(), 0)
}
