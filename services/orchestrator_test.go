package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scholargraph/cache"
	"scholargraph/models"
	"scholargraph/store"
)

const testOwner = "reviewer-1"

type orchestratorFixture struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	cache  *cache.Cache
	search *fakeSearch
}

func newOrchestratorFixture(t *testing.T, search *fakeSearch, extractor *fakeExtractor) *orchestratorFixture {
	t.Helper()
	st := store.NewMemoryStore()
	c := cache.New(time.Hour)
	logger := zap.NewNop()

	normalizer := NewTermNormalizer(p53Vocab(), c, logger, time.Hour)
	searchStage := NewSearchStage(search, st, logger, nil)
	screeningStage := NewScreeningStage(st, logger)
	extractionStage := NewExtractionStage(extractor, st, logger, 2)
	builder := NewGraphBuilder(normalizer, logger, 0)
	engine := NewAnalysisEngine(st, c, logger)

	orch := NewOrchestrator(st, searchStage, screeningStage, extractionStage, builder, engine, logger)
	t.Cleanup(orch.Shutdown)
	return &orchestratorFixture{orch: orch, store: st, cache: c, search: search}
}

func candidate(pmid, title string) *models.Article {
	return &models.Article{ID: pmid + "-seed", PMID: pmid, Title: title, CitationCount: 10}
}

func waitForStatus(t *testing.T, st store.Store, jobID, status string) *models.ResearchJob {
	t.Helper()
	var job *models.ResearchJob
	require.Eventually(t, func() bool {
		var err error
		job, err = st.GetJob(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 5*time.Millisecond, "job never reached status %s", status)
	return job
}

// startAnalysis retries over the short window in which the previous pipeline
// goroutine is still deregistering.
func startAnalysis(t *testing.T, fx *orchestratorFixture, jobID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fx.orch.AnalyzeJob(context.Background(), jobID, testOwner, AnalyzeOptions{}) == nil
	}, 5*time.Second, 5*time.Millisecond)
}

func decodeSnapshot(t *testing.T, snap *models.GraphSnapshot) ([]models.GraphNode, []models.GraphEdge) {
	t.Helper()
	var nodes []models.GraphNode
	var edges []models.GraphEdge
	require.NoError(t, json.Unmarshal(snap.Nodes, &nodes))
	require.NoError(t, json.Unmarshal(snap.Edges, &edges))
	return nodes, edges
}

func inhibitionExtractor() *fakeExtractor {
	entities := []models.Entity{
		{Name: "P53", Type: models.EntityTypeProtein, Confidence: 0.9},
		{Name: "MDM2", Type: models.EntityTypeProtein, Confidence: 0.9},
	}
	relations := []models.Relation{
		{Source: "MDM2", Target: "P53", Type: "inhibits", Confidence: 0.9},
	}
	return &fakeExtractor{
		entities: map[string][]models.Entity{
			"Article One": entities,
			"Article Two": entities,
			"Article Three": {
				{Name: "aspirin", Type: models.EntityTypeDrug, Confidence: 0.9},
			},
		},
		relations: map[string][]models.Relation{
			"Article One": relations,
			"Article Two": relations,
		},
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{
		candidate("1", "Article One"),
		candidate("2", "Article Two"),
		candidate("3", "Article Three"),
	}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53 regulation", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, job.Status)

	job = waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)
	assert.Equal(t, 3, job.ArticlesFound)
	assert.Equal(t, 20, job.Progress)

	articles, err := fx.store.ListArticles(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, articles, 3)
	for _, a := range articles {
		assert.Equal(t, models.ScreeningPending, a.ScreeningStatus)
		assert.Greater(t, a.RelevanceScore, 0.0)
	}

	// include the two inhibition articles, exclude the third
	err = fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs:      []string{articles[0].ID, articles[1].ID},
		ExcludedIDs:      []string{articles[2].ID},
		ExclusionReasons: map[string]string{articles[2].ID: "off topic"},
	})
	require.NoError(t, err)

	startAnalysis(t, fx, job.ID)
	job = waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, 2, job.ArticlesProcessed)
	require.NotEmpty(t, job.GraphID)

	graph, err := fx.store.GetGraph(ctx, job.GraphID)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Version)

	snap, err := fx.store.GetSnapshot(ctx, graph.ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Metrics)

	// P53 and MDM2 merge across both included articles
	nodes, edges := decodeSnapshot(t, snap)
	require.Len(t, nodes, 2)
	for _, node := range nodes {
		assert.Equal(t, 2, node.Support)
	}
	require.Len(t, edges, 1)
	assert.Equal(t, 2, edges[0].Weight)
	assert.Equal(t, []string{"inhibits"}, edges[0].RelationTypes)

	logs, err := fx.orch.GetJobLogs(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestCreateJobValidation(t *testing.T) {
	fx := newOrchestratorFixture(t, &fakeSearch{}, &fakeExtractor{})

	_, err := fx.orch.CreateJob(context.Background(), "   ", testOwner, CreateJobOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = fx.orch.CreateJob(context.Background(), "topic", "", CreateJobOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestJobsAreOwnerScoped(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{candidate("1", "Article One")}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	_, err = fx.orch.GetJob(ctx, job.ID, "someone-else")
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = fx.orch.UpdateScreening(ctx, job.ID, "someone-else", ScreeningDecisions{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = fx.orch.DeleteJob(ctx, job.ID, "someone-else")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchFailureFailsJob(t *testing.T) {
	search := &fakeSearch{err: context.DeadlineExceeded}
	fx := newOrchestratorFixture(t, search, &fakeExtractor{})

	job, err := fx.orch.CreateJob(context.Background(), "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)

	job = waitForStatus(t, fx.store, job.ID, models.JobStatusFailed)
	assert.NotEmpty(t, job.Error)
}

func TestAnalyzeWithEmptyIncludedSet(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{candidate("1", "Article One")}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	// no decisions yet: analysis runs over an empty included set and
	// completes with an empty graph rather than erroring
	startAnalysis(t, fx, job.ID)
	job = waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	snap, err := fx.store.GetSnapshot(ctx, job.GraphID, 1)
	require.NoError(t, err)
	nodes, edges := decodeSnapshot(t, snap)
	assert.Empty(t, nodes)
	assert.Empty(t, edges)
}

func TestScreeningRoundTrip(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{
		candidate("1", "Article One"),
		candidate("3", "Article Three"),
	}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	articles, _ := fx.store.ListArticles(ctx, job.ID)
	require.Len(t, articles, 2)
	var one, three *models.Article
	for _, a := range articles {
		switch a.Title {
		case "Article One":
			one = a
		case "Article Three":
			three = a
		}
	}
	require.NotNil(t, one)
	require.NotNil(t, three)

	// first pass: only the aspirin article
	require.NoError(t, fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs: []string{three.ID},
		ExcludedIDs: []string{one.ID},
	}))
	startAnalysis(t, fx, job.ID)
	waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	job, _ = fx.store.GetJob(ctx, job.ID)
	snap, err := fx.store.GetSnapshot(ctx, job.GraphID, 1)
	require.NoError(t, err)
	nodes, _ := decodeSnapshot(t, snap)
	require.Len(t, nodes, 1)
	assert.Equal(t, "aspirin", nodes[0].Label)

	// flip the decisions and re-analyze: the excluded article comes back
	require.NoError(t, fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs: []string{one.ID},
		ExcludedIDs: []string{three.ID},
	}))
	startAnalysis(t, fx, job.ID)
	require.Eventually(t, func() bool {
		graph, err := fx.store.GetGraph(ctx, job.GraphID)
		return err == nil && graph.Version == 2
	}, 5*time.Second, 5*time.Millisecond)
	waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	snap, err = fx.store.GetSnapshot(ctx, job.GraphID, 2)
	require.NoError(t, err)
	nodes, _ = decodeSnapshot(t, snap)
	labels := make([]string, 0, len(nodes))
	for _, n := range nodes {
		labels = append(labels, n.Label)
	}
	assert.NotContains(t, labels, "aspirin", "excluded article no longer contributes")
	assert.Contains(t, labels, "tumor protein p53", "re-included article contributes again")
}

func TestReanalysisCreatesNewSnapshotVersion(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{
		candidate("1", "Article One"),
		candidate("2", "Article Two"),
	}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	articles, _ := fx.store.ListArticles(ctx, job.ID)
	require.NoError(t, fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs: []string{articles[0].ID, articles[1].ID},
	}))
	startAnalysis(t, fx, job.ID)
	waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	job, _ = fx.store.GetJob(ctx, job.ID)
	firstGraphID := job.GraphID
	require.NotEmpty(t, firstGraphID)

	// warm the analysis cache for version 1
	_, err = fx.orch.Analysis.Centrality(ctx, firstGraphID, CentralityDegree)
	require.NoError(t, err)
	_, ok := fx.cache.Get("analysis:" + firstGraphID + ":1:degree")
	require.True(t, ok)

	startAnalysis(t, fx, job.ID)
	require.Eventually(t, func() bool {
		graph, err := fx.store.GetGraph(ctx, firstGraphID)
		return err == nil && graph.Version == 2
	}, 5*time.Second, 5*time.Millisecond)
	waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	job, _ = fx.store.GetJob(ctx, job.ID)
	assert.Equal(t, firstGraphID, job.GraphID, "the graph id never changes")

	_, err = fx.store.GetSnapshot(ctx, firstGraphID, 2)
	assert.NoError(t, err)

	// cached analysis of the superseded version is gone
	_, ok = fx.cache.Get("analysis:" + firstGraphID + ":1:degree")
	assert.False(t, ok)
}

func TestBuildGraphFromJobIsIdempotent(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{candidate("1", "Article One")}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	articles, _ := fx.store.ListArticles(ctx, job.ID)
	require.NoError(t, fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs: []string{articles[0].ID},
	}))
	startAnalysis(t, fx, job.ID)
	waitForStatus(t, fx.store, job.ID, models.JobStatusCompleted)

	job, _ = fx.store.GetJob(ctx, job.ID)
	first, err := fx.orch.BuildGraphFromJob(ctx, job.ID, testOwner, AnalyzeOptions{})
	require.NoError(t, err)
	assert.Equal(t, job.GraphID, first)

	second, err := fx.orch.BuildGraphFromJob(ctx, job.ID, testOwner, AnalyzeOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	graph, err := fx.store.GetGraph(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, graph.Version, "idempotent builds create no new snapshots")
}

func TestDeleteJobCancelsAndRemovesData(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{
		candidate("1", "Article One"),
		candidate("2", "Article Two"),
	}}
	extractor := inhibitionExtractor()
	extractor.delay = 200 * time.Millisecond
	fx := newOrchestratorFixture(t, search, extractor)
	ctx := context.Background()

	job, err := fx.orch.CreateJob(ctx, "p53", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	waitForStatus(t, fx.store, job.ID, models.JobStatusAwaitingScreening)

	articles, _ := fx.store.ListArticles(ctx, job.ID)
	require.NoError(t, fx.orch.UpdateScreening(ctx, job.ID, testOwner, ScreeningDecisions{
		IncludedIDs: []string{articles[0].ID, articles[1].ID},
	}))
	startAnalysis(t, fx, job.ID)
	waitForStatus(t, fx.store, job.ID, models.JobStatusExtracting)

	require.NoError(t, fx.orch.DeleteJob(ctx, job.ID, testOwner))

	_, err = fx.store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	remaining, err := fx.store.ListArticles(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	// the pipeline goroutine must observe the cancellation and drain, and
	// must not resurrect the deleted job
	fx.orch.Shutdown()
	_, err = fx.store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListJobsNewestFirst(t *testing.T) {
	search := &fakeSearch{articles: []*models.Article{candidate("1", "Article One")}}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())
	ctx := context.Background()

	first, err := fx.orch.CreateJob(ctx, "first topic", testOwner, CreateJobOptions{})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := fx.orch.CreateJob(ctx, "second topic", testOwner, CreateJobOptions{})
	require.NoError(t, err)

	jobs, err := fx.orch.ListJobs(ctx, testOwner)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID)
	assert.Equal(t, first.ID, jobs[1].ID)
}

func TestSpawnIsExclusivePerJob(t *testing.T) {
	search := &fakeSearch{}
	fx := newOrchestratorFixture(t, search, inhibitionExtractor())

	release := make(chan struct{})
	require.True(t, fx.orch.spawn("job-x", func(ctx context.Context) { <-release }))
	assert.False(t, fx.orch.spawn("job-x", func(ctx context.Context) {}),
		"a second pipeline for the same job is rejected while one is in flight")
	close(release)

	// after the first task drained, the id is free again
	require.Eventually(t, func() bool {
		done := make(chan struct{})
		if !fx.orch.spawn("job-x", func(ctx context.Context) { close(done) }) {
			return false
		}
		<-done
		return true
	}, 5*time.Second, 5*time.Millisecond)
}
