package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scholargraph/models"
	"scholargraph/store"
)

// Progress weights per completed stage. Progress within extraction
// interpolates between progressSearchDone and progressExtractionDone using
// articlesProcessed/articlesFound.
const (
	progressSearchDone     = 20
	progressExtractionBase = 30
	progressExtractionDone = 70
	progressBuildingDone   = 80
	progressAnalyzingDone  = 90
	progressCompleted      = 100
)

// CreateJobOptions tune the search stage of a new job.
type CreateJobOptions struct {
	MaxResults int `json:"max_results,omitempty"`
	Year       int `json:"year,omitempty"`
}

// AnalyzeOptions tune the analysis pipeline of a job.
type AnalyzeOptions struct {
	Directed bool `json:"directed,omitempty"`
}

// Orchestrator owns the job state machine. It drives the pipeline stages in
// order, bounds concurrency, records per-stage logs and supports cooperative
// cancellation. All job writes go through a per-job lock so a screening
// update can never race a stage transition.
type Orchestrator struct {
	Store      store.Store
	Search     *SearchStage
	Screening  *ScreeningStage
	Extraction *ExtractionStage
	Builder    *GraphBuilder
	Analysis   *AnalysisEngine
	Logger     *zap.Logger

	mu         sync.Mutex
	jobLocks   map[string]*sync.Mutex
	graphLocks map[string]*sync.Mutex
	cancels    map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrchestrator wires the pipeline stages together. Lifecycle is owned by
// the process entry point; call Shutdown before exit.
func NewOrchestrator(st store.Store, search *SearchStage, screening *ScreeningStage, extraction *ExtractionStage, builder *GraphBuilder, analysis *AnalysisEngine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		Store:      st,
		Search:     search,
		Screening:  screening,
		Extraction: extraction,
		Builder:    builder,
		Analysis:   analysis,
		Logger:     logger,
		jobLocks:   make(map[string]*sync.Mutex),
		graphLocks: make(map[string]*sync.Mutex),
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Shutdown cancels all in-flight pipelines and waits for them to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, cancel := range o.cancels {
		cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// CreateJob validates input, persists a pending job and kicks off the search
// stage in the background. The caller never blocks on the pipeline.
func (o *Orchestrator) CreateJob(ctx context.Context, topic, ownerID string, opts CreateJobOptions) (*models.ResearchJob, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: topic must not be empty", store.ErrInvalidInput)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner must not be empty", store.ErrInvalidInput)
	}

	job := &models.ResearchJob{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Topic:   topic,
		Status:  models.JobStatusPending,
	}
	if err := o.Store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	o.spawn(job.ID, func(ctx context.Context) {
		o.runSearch(ctx, job.ID, opts)
	})
	return job, nil
}

// GetJob returns a job visible to its owner only.
func (o *Orchestrator) GetJob(ctx context.Context, id, ownerID string) (*models.ResearchJob, error) {
	return o.Store.GetJobForOwner(ctx, id, ownerID)
}

// ListJobs returns the caller's jobs, newest first.
func (o *Orchestrator) ListJobs(ctx context.Context, ownerID string) ([]*models.ResearchJob, error) {
	return o.Store.ListJobs(ctx, ownerID)
}

// GetJobLogs returns the ordered stage log of a job. Never blocks on the
// pipeline.
func (o *Orchestrator) GetJobLogs(ctx context.Context, id string) ([]*models.JobLog, error) {
	if _, err := o.Store.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return o.Store.ListLogs(ctx, id)
}

// UpdateScreening applies reviewer decisions. Valid only before the graph
// build starts; it never transitions the job by itself.
func (o *Orchestrator) UpdateScreening(ctx context.Context, id, ownerID string, decisions ScreeningDecisions) error {
	lock := o.lockFor(o.jobLocks, id)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.Store.GetJobForOwner(ctx, id, ownerID)
	if err != nil {
		return err
	}
	// Editable until a build is in flight. Completed jobs stay editable so
	// decisions can be revised before a re-analysis.
	switch job.Status {
	case models.JobStatusBuilding, models.JobStatusAnalyzing:
		return fmt.Errorf("%w: screening cannot change while the graph build is running", store.ErrConflict)
	case models.JobStatusFailed, models.JobStatusCancelled:
		return fmt.Errorf("%w: job is %s", store.ErrConflict, job.Status)
	}

	included, excluded, err := o.Screening.Apply(ctx, id, decisions)
	if err != nil {
		return err
	}
	o.appendLog(ctx, id, "screening", "info",
		fmt.Sprintf("screening updated: %d included, %d excluded", included, excluded))
	return nil
}

// AnalyzeJob submits the extraction→build→analyze pipeline for the job's
// included articles and returns immediately. Progress is observed via
// GetJob and GetJobLogs.
func (o *Orchestrator) AnalyzeJob(ctx context.Context, id, ownerID string, opts AnalyzeOptions) error {
	job, err := o.Store.GetJobForOwner(ctx, id, ownerID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.JobStatusAwaitingScreening, models.JobStatusCompleted:
	default:
		return fmt.Errorf("%w: job is %s, analysis needs screening to be done", store.ErrConflict, job.Status)
	}

	if !o.spawn(id, func(ctx context.Context) {
		o.runAnalysis(ctx, id, opts)
	}) {
		return fmt.Errorf("%w: pipeline already running for job %s", store.ErrConflict, id)
	}
	return nil
}

// BuildGraphFromJob builds (or returns) the job's graph. Idempotent: once a
// graph exists its id is returned unchanged and no second graph is created.
func (o *Orchestrator) BuildGraphFromJob(ctx context.Context, id, ownerID string, opts AnalyzeOptions) (string, error) {
	job, err := o.Store.GetJobForOwner(ctx, id, ownerID)
	if err != nil {
		return "", err
	}
	if job.GraphID != "" {
		return job.GraphID, nil
	}
	if job.Status != models.JobStatusCompleted {
		return "", fmt.Errorf("%w: graph build requires a completed job (status %s)", store.ErrConflict, job.Status)
	}

	included, err := o.Screening.IncludedArticles(ctx, id)
	if err != nil {
		return "", err
	}
	built, err := o.Builder.Build(ctx, included, opts.Directed)
	if err != nil {
		return "", err
	}

	graphID, _, err := o.persistGraph(ctx, job, built, opts.Directed)
	if err != nil {
		return "", err
	}

	lock := o.lockFor(o.jobLocks, id)
	lock.Lock()
	defer lock.Unlock()
	job, err = o.Store.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	if job.GraphID == "" {
		job.GraphID = graphID
		if err := o.Store.SaveJob(ctx, job); err != nil {
			return "", err
		}
	}
	return job.GraphID, nil
}

// DeleteJob cancels in-flight work for the job and removes it together with
// its articles and logs.
func (o *Orchestrator) DeleteJob(ctx context.Context, id, ownerID string) error {
	if _, err := o.Store.GetJobForOwner(ctx, id, ownerID); err != nil {
		return err
	}

	o.mu.Lock()
	if cancel, ok := o.cancels[id]; ok {
		cancel()
	}
	o.mu.Unlock()

	lock := o.lockFor(o.jobLocks, id)
	lock.Lock()
	defer lock.Unlock()

	if err := o.Store.DeleteArticlesByJob(ctx, id); err != nil {
		return err
	}
	if err := o.Store.DeleteLogsByJob(ctx, id); err != nil {
		return err
	}
	return o.Store.DeleteJob(ctx, id)
}

// FailStaleJobs marks non-terminal jobs older than maxAge as failed. Run
// from the maintenance cron.
func (o *Orchestrator) FailStaleJobs(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	stale, err := o.Store.ListStaleJobs(ctx, cutoff)
	if err != nil {
		o.Logger.Warn("Stale job scan failed", zap.Error(err))
		return 0
	}

	failed := 0
	for _, job := range stale {
		o.mu.Lock()
		_, running := o.cancels[job.ID]
		o.mu.Unlock()
		if running {
			continue
		}
		if err := o.failJob(context.Background(), job.ID, "maintenance", fmt.Errorf("job stalled for more than %s", maxAge)); err == nil {
			failed++
		}
	}
	return failed
}

// --- pipeline internals ---

// spawn registers a cancellable background task for a job id. Check and
// registration share one critical section; returns false when a task is
// already in flight for the id.
func (o *Orchestrator) spawn(jobID string, run func(ctx context.Context)) bool {
	ctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	if _, running := o.cancels[jobID]; running {
		o.mu.Unlock()
		cancel()
		return false
	}
	o.cancels[jobID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, jobID)
			o.mu.Unlock()
			cancel()
		}()
		run(ctx)
	}()
	return true
}

// runSearch drives pending → searching → awaiting_screening.
func (o *Orchestrator) runSearch(ctx context.Context, jobID string, opts CreateJobOptions) {
	job, err := o.transition(ctx, jobID, models.JobStatusSearching, 0)
	if err != nil {
		o.Logger.Warn("Could not start search stage", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.appendLog(ctx, jobID, "search", "info", "literature search started")

	count, err := o.Search.Run(ctx, job, SearchOptions{MaxResults: opts.MaxResults, Year: opts.Year})
	if err != nil {
		if ctx.Err() != nil {
			o.markCancelled(jobID)
			return
		}
		o.appendLog(ctx, jobID, "search", "error", "literature search failed: "+err.Error())
		_ = o.failJob(ctx, jobID, "search", err)
		return
	}

	err = o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		job.ArticlesFound = count
		job.Status = models.JobStatusAwaitingScreening
		raiseProgress(job, progressSearchDone)
		return nil
	})
	if err != nil {
		o.Logger.Warn("Could not finish search stage", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.appendLog(ctx, jobID, "search", "info",
		fmt.Sprintf("found %d candidate articles, awaiting screening", count))
}

// runAnalysis drives extracting → building → analyzing → completed.
func (o *Orchestrator) runAnalysis(ctx context.Context, jobID string, opts AnalyzeOptions) {
	job, err := o.transition(ctx, jobID, models.JobStatusExtracting, progressExtractionBase)
	if err != nil {
		o.Logger.Warn("Could not start extraction stage", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	included, err := o.Screening.IncludedArticles(ctx, jobID)
	if err != nil {
		_ = o.failJob(ctx, jobID, "extraction", err)
		return
	}
	o.appendLog(ctx, jobID, "extraction", "info",
		fmt.Sprintf("extracting entities from %d included articles", len(included)))

	// restart extraction accounting on re-runs
	_ = o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		job.ArticlesProcessed = 0
		return nil
	})

	total := job.ArticlesFound
	succeeded, err := o.Extraction.Run(ctx, job, included, func(processed int) {
		_ = o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
			if processed > job.ArticlesProcessed {
				job.ArticlesProcessed = processed
			}
			if total > 0 {
				span := progressExtractionDone - progressExtractionBase
				raiseProgress(job, progressExtractionBase+span*job.ArticlesProcessed/total)
			}
			return nil
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			o.markCancelled(jobID)
			return
		}
		_ = o.failJob(ctx, jobID, "extraction", err)
		return
	}
	o.appendLog(ctx, jobID, "extraction", "info",
		fmt.Sprintf("extraction finished: %d of %d articles produced a payload", succeeded, len(included)))

	if _, err = o.transition(ctx, jobID, models.JobStatusBuilding, progressExtractionDone); err != nil {
		return
	}
	o.appendLog(ctx, jobID, "build", "info", "merging extracted entities into graph")

	// re-read included set; screening may have been patched during extraction
	included, err = o.Screening.IncludedArticles(ctx, jobID)
	if err != nil {
		_ = o.failJob(ctx, jobID, "build", err)
		return
	}
	built, err := o.Builder.Build(ctx, included, opts.Directed)
	if err != nil {
		if ctx.Err() != nil {
			o.markCancelled(jobID)
			return
		}
		_ = o.failJob(ctx, jobID, "build", err)
		return
	}

	if _, err = o.transition(ctx, jobID, models.JobStatusAnalyzing, progressBuildingDone); err != nil {
		return
	}
	o.appendLog(ctx, jobID, "analysis", "info",
		fmt.Sprintf("analyzing graph with %d nodes and %d edges", built.NodeCount(), built.EdgeCount()))

	job, err = o.Store.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if ctx.Err() != nil {
		// no destructive writes after cancellation; discard the build
		o.markCancelled(jobID)
		return
	}
	_ = o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		raiseProgress(job, progressAnalyzingDone)
		return nil
	})
	graphID, version, err := o.persistGraph(ctx, job, built, opts.Directed)
	if err != nil {
		_ = o.failJob(ctx, jobID, "analysis", err)
		return
	}

	err = o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		if job.GraphID == "" {
			job.GraphID = graphID
		}
		job.Status = models.JobStatusCompleted
		raiseProgress(job, progressCompleted)
		job.Error = ""
		return nil
	})
	if err != nil {
		o.Logger.Warn("Could not complete job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	o.appendLog(ctx, jobID, "analysis", "info",
		fmt.Sprintf("analysis complete, graph %s at version %d", graphID, version))
}

// persistGraph stores a built graph as a new snapshot. The version is
// assigned under a per-graph lock so concurrent rebuilds never collide, and
// cached analysis results of the prior version are invalidated.
func (o *Orchestrator) persistGraph(ctx context.Context, job *models.ResearchJob, built *BuiltGraph, directed bool) (string, int, error) {
	nodes := built.Nodes()
	edges := built.Edges()

	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return "", 0, err
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return "", 0, err
	}
	metricsJSON, err := json.Marshal(o.Analysis.Summarize(nodes, edges, directed))
	if err != nil {
		return "", 0, err
	}

	graph, err := o.Store.GetGraphByJob(ctx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", 0, err
	}
	if graph == nil {
		graph = &models.Graph{
			ID:       uuid.NewString(),
			OwnerID:  job.OwnerID,
			JobID:    job.ID,
			Topic:    job.Topic,
			Directed: directed,
		}
		if err := o.Store.CreateGraph(ctx, graph); err != nil {
			return "", 0, err
		}
	}

	lock := o.lockFor(o.graphLocks, graph.ID)
	lock.Lock()
	defer lock.Unlock()

	// re-read under the lock so the version is current
	graph, err = o.Store.GetGraph(ctx, graph.ID)
	if err != nil {
		return "", 0, err
	}
	priorVersion := graph.Version
	version := priorVersion + 1

	snapshot := &models.GraphSnapshot{
		ID:      uuid.NewString(),
		GraphID: graph.ID,
		Version: version,
		Nodes:   nodesJSON,
		Edges:   edgesJSON,
		Metrics: metricsJSON,
	}
	if err := o.Store.CreateSnapshot(ctx, snapshot); err != nil {
		return "", 0, err
	}

	graph.Version = version
	if err := o.Store.SaveGraph(ctx, graph); err != nil {
		return "", 0, err
	}

	if priorVersion > 0 {
		o.Analysis.InvalidateVersion(graph.ID, priorVersion)
	}
	return graph.ID, version, nil
}

// transition moves a job to status under its lock, raising progress.
func (o *Orchestrator) transition(ctx context.Context, jobID, status string, progress int) (*models.ResearchJob, error) {
	var out *models.ResearchJob
	err := o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		// completed jobs may re-enter the pipeline for re-analysis;
		// failed and cancelled ones stay put
		switch job.Status {
		case models.JobStatusFailed, models.JobStatusCancelled:
			return fmt.Errorf("%w: job %s is %s", store.ErrConflict, jobID, job.Status)
		case models.JobStatusCompleted:
			// re-analysis restarts the progress scale
			job.Progress = 0
		}
		job.Status = status
		raiseProgress(job, progress)
		out = job
		return nil
	})
	return out, err
}

// failJob is terminal: records the error, stops further stage execution.
func (o *Orchestrator) failJob(ctx context.Context, jobID, stage string, cause error) error {
	o.appendLog(ctx, jobID, stage, "error", cause.Error())
	return o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		job.Status = models.JobStatusFailed
		job.Error = cause.Error()
		return nil
	})
}

// markCancelled is best-effort: by the time cancellation is observed the job
// record may already be gone.
func (o *Orchestrator) markCancelled(jobID string) {
	ctx := context.Background()
	err := o.mutateJob(ctx, jobID, func(job *models.ResearchJob) error {
		if job.Terminal() {
			return fmt.Errorf("%w: already terminal", store.ErrConflict)
		}
		job.Status = models.JobStatusCancelled
		return nil
	})
	if err == nil {
		o.appendLog(ctx, jobID, "pipeline", "warn", "pipeline cancelled")
	}
}

// mutateJob serializes all writes to one job id.
func (o *Orchestrator) mutateJob(ctx context.Context, jobID string, fn func(job *models.ResearchJob) error) error {
	lock := o.lockFor(o.jobLocks, jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	return o.Store.SaveJob(ctx, job)
}

func (o *Orchestrator) lockFor(locks map[string]*sync.Mutex, id string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := locks[id]
	if !ok {
		lock = &sync.Mutex{}
		locks[id] = lock
	}
	return lock
}

// appendLog writes one stage log line, both to the persisted job log and to
// the process logger.
func (o *Orchestrator) appendLog(ctx context.Context, jobID, stage, level, message string) {
	entry := &models.JobLog{JobID: jobID, Stage: stage, Level: level, Message: message}
	if err := o.Store.AppendLog(ctx, entry); err != nil {
		o.Logger.Warn("Could not append job log", zap.String("job_id", jobID), zap.Error(err))
	}
	o.Logger.Info(message, zap.String("job_id", jobID), zap.String("stage", stage))
}

// raiseProgress keeps progress monotonic.
func raiseProgress(job *models.ResearchJob, progress int) {
	if progress > job.Progress {
		job.Progress = progress
	}
}
