package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"scholargraph/cache"
	"scholargraph/config"
	"scholargraph/models"
	"scholargraph/providers/aiextract"
	"scholargraph/providers/meshvocab"
	"scholargraph/providers/pubmed"
	"scholargraph/providers/unpaywall"
	"scholargraph/services"
	"scholargraph/storage"
	"scholargraph/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var jobsCreatedCounter prometheus.Counter

func init() {
	jobsCreatedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_jobs_created_total",
			Help: "Total number of research jobs created.",
		},
	)
	prometheus.MustRegister(jobsCreatedCounter)
}

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// requestOwner reads the user identity the gateway forwards. Jobs and graphs
// are scoped to this value.
func requestOwner(c *gin.Context) string {
	if owner := c.GetHeader("X-User-ID"); owner != "" {
		return owner
	}
	return "default"
}

// statusFor maps the store's sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	st := store.NewGormStore(db)
	logging.Info("Running database auto-migration...")
	if err := st.AutoMigrate(); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	// Setup Cache
	vocabCache := cache.New(cfg.VocabCacheTTL)
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "term_cache_hit_ratio",
			Help: "Hit ratio of the in-process term/analysis cache.",
		},
		func() float64 { return vocabCache.Stats().HitRate },
	))

	// Setup Providers
	searchProvider := pubmed.NewFetcher(cfg, logging)
	extractProvider := aiextract.NewExtractor(cfg, logging)
	vocabProvider := meshvocab.NewFetcher(cfg, logging)

	// Setup Services
	var archiver *services.PDFArchiver
	if cfg.PDFArchiveEnabled {
		objects, err := storage.NewObjectStore(cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		archiver = services.NewPDFArchiver(cfg, st, objects, logging, unpaywall.NewFetcher(cfg, logging))
		logging.Info("PDF archiving enabled", zap.String("bucket", cfg.S3Bucket))
	}

	normalizer := services.NewTermNormalizer(vocabProvider, vocabCache, logging, cfg.VocabCacheTTL)
	searchStage := services.NewSearchStage(searchProvider, st, logging, archiver)
	screeningStage := services.NewScreeningStage(st, logging)
	extractionStage := services.NewExtractionStage(extractProvider, st, logging, cfg.ExtractionWorkers)
	builder := services.NewGraphBuilder(normalizer, logging, cfg.RelationMinConfidence)
	engine := services.NewAnalysisEngine(st, vocabCache, logging)
	orch := services.NewOrchestrator(st, searchStage, screeningStage, extractionStage, builder, engine, logging)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(apiKeyAuthMiddleware(cfg))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Setup Routes
	setupJobRoutes(router, orch, st, logging)
	setupGraphRoutes(router, st, engine, logging)
	setupTermRoutes(router, normalizer)
	setupCacheRoutes(router, vocabCache, logging)

	// Setup Cron
	cronScheduler := cron.New()
	cronScheduler.AddFunc(cfg.CronSchedule, func() {
		swept := vocabCache.SweepExpired()
		failed := orch.FailStaleJobs(context.Background(), cfg.StaleJobMaxAge)
		logging.Info("Maintenance run completed",
			zap.Int("cache_entries_swept", swept),
			zap.Int("stale_jobs_failed", failed))
	})
	cronScheduler.Start()

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown error", zap.Error(err))
	}
	cronScheduler.Stop()
	orch.Shutdown()
	logging.Info("Shutdown complete.")
}

func setupJobRoutes(router *gin.Engine, orch *services.Orchestrator, st store.Store, log *zap.Logger) {
	rg := router.Group("/jobs")

	rg.POST("/", func(c *gin.Context) {
		type CreateJobRequest struct {
			Topic      string `json:"topic"`
			MaxResults int    `json:"max_results"`
			Year       int    `json:"year"`
		}
		var req CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		job, err := orch.CreateJob(c.Request.Context(), req.Topic, requestOwner(c), services.CreateJobOptions{
			MaxResults: req.MaxResults,
			Year:       req.Year,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		jobsCreatedCounter.Inc()
		c.JSON(http.StatusAccepted, job)
	})

	rg.GET("/", func(c *gin.Context) {
		jobs, err := orch.ListJobs(c.Request.Context(), requestOwner(c))
		if err != nil {
			log.Error("Database query for jobs failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, jobs)
	})

	rg.GET("/:id", func(c *gin.Context) {
		job, err := orch.GetJob(c.Request.Context(), c.Param("id"), requestOwner(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, job)
	})

	rg.DELETE("/:id", func(c *gin.Context) {
		if err := orch.DeleteJob(c.Request.Context(), c.Param("id"), requestOwner(c)); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	})

	rg.GET("/:id/logs", func(c *gin.Context) {
		if _, err := orch.GetJob(c.Request.Context(), c.Param("id"), requestOwner(c)); err != nil {
			abortWithError(c, err)
			return
		}
		logs, err := orch.GetJobLogs(c.Request.Context(), c.Param("id"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, logs)
	})

	rg.GET("/:id/articles", func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := orch.GetJob(ctx, c.Param("id"), requestOwner(c)); err != nil {
			abortWithError(c, err)
			return
		}
		var (
			articles []*models.Article
			err      error
		)
		if screening := c.Query("screening"); screening != "" {
			articles, err = st.ListArticlesByScreening(ctx, c.Param("id"), screening)
		} else {
			articles, err = st.ListArticles(ctx, c.Param("id"))
		}
		if err != nil {
			log.Error("Database query for articles failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}
		c.JSON(http.StatusOK, articles)
	})

	rg.PUT("/:id/screening", func(c *gin.Context) {
		var decisions services.ScreeningDecisions
		if err := c.ShouldBindJSON(&decisions); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if err := orch.UpdateScreening(c.Request.Context(), c.Param("id"), requestOwner(c), decisions); err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "screening updated"})
	})

	rg.POST("/:id/analyze", func(c *gin.Context) {
		type AnalyzeRequest struct {
			Directed bool `json:"directed"`
		}
		var req AnalyzeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
				return
			}
		}
		err := orch.AnalyzeJob(c.Request.Context(), c.Param("id"), requestOwner(c), services.AnalyzeOptions{
			Directed: req.Directed,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "analysis started"})
	})

	rg.POST("/:id/graph", func(c *gin.Context) {
		graphID, err := orch.BuildGraphFromJob(c.Request.Context(), c.Param("id"), requestOwner(c), services.AnalyzeOptions{})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"graph_id": graphID})
	})

	// CSV export of the screening sheet, one row per candidate article.
	rg.GET("/:id/screening.csv", func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := orch.GetJob(ctx, c.Param("id"), requestOwner(c)); err != nil {
			abortWithError(c, err)
			return
		}
		articles, err := st.ListArticles(ctx, c.Param("id"))
		if err != nil {
			log.Error("Database query for articles failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="screening.csv"`)
		w := csv.NewWriter(c.Writer)
		w.Write([]string{"pmid", "doi", "title", "year", "authors", "citations", "relevance", "screening_status", "screening_reason"})
		for _, a := range articles {
			w.Write([]string{
				a.PMID,
				a.DOI,
				a.Title,
				strconv.Itoa(a.Year),
				a.Authors,
				strconv.Itoa(a.CitationCount),
				strconv.FormatFloat(a.RelevanceScore, 'f', 3, 64),
				a.ScreeningStatus,
				a.ScreeningReason,
			})
		}
		w.Flush()
	})

	// CSV export of the included references, for citation managers.
	rg.GET("/:id/references.csv", func(c *gin.Context) {
		ctx := c.Request.Context()
		if _, err := orch.GetJob(ctx, c.Param("id"), requestOwner(c)); err != nil {
			abortWithError(c, err)
			return
		}
		articles, err := st.ListArticlesByScreening(ctx, c.Param("id"), models.ScreeningIncluded)
		if err != nil {
			log.Error("Database query for articles failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
			return
		}

		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="references.csv"`)
		w := csv.NewWriter(c.Writer)
		w.Write([]string{"authors", "year", "title", "source", "doi", "url"})
		for _, a := range articles {
			w.Write([]string{a.Authors, strconv.Itoa(a.Year), a.Title, a.Source, a.DOI, a.URL})
		}
		w.Flush()
	})
}

const (
	nodePreviewLimit = 100
	edgePreviewLimit = 50
)

func setupGraphRoutes(router *gin.Engine, st store.Store, engine *services.AnalysisEngine, log *zap.Logger) {
	rg := router.Group("/graphs")

	loadGraph := func(c *gin.Context) (*models.Graph, bool) {
		graph, err := st.GetGraphForOwner(c.Request.Context(), c.Param("id"), requestOwner(c))
		if err != nil {
			abortWithError(c, err)
			return nil, false
		}
		return graph, true
	}

	rg.GET("/:id", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, graph)
	})

	rg.GET("/:id/nodes", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		snap, err := st.LatestSnapshot(c.Request.Context(), graph.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		var nodes []models.GraphNode
		if err := json.Unmarshal(snap.Nodes, &nodes); err != nil {
			log.Error("Snapshot nodes payload corrupt", zap.String("graph_id", graph.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot payload corrupt"})
			return
		}
		limit := previewLimit(c, nodePreviewLimit)
		if len(nodes) > limit {
			nodes = nodes[:limit]
		}
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "nodes": nodes})
	})

	rg.GET("/:id/edges", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		snap, err := st.LatestSnapshot(c.Request.Context(), graph.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		var edges []models.GraphEdge
		if err := json.Unmarshal(snap.Edges, &edges); err != nil {
			log.Error("Snapshot edges payload corrupt", zap.String("graph_id", graph.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "snapshot payload corrupt"})
			return
		}
		limit := previewLimit(c, edgePreviewLimit)
		if len(edges) > limit {
			edges = edges[:limit]
		}
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "edges": edges})
	})

	rg.GET("/:id/snapshots/:version", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		version, err := strconv.Atoi(c.Param("version"))
		if err != nil || version < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot version"})
			return
		}
		snap, err := st.GetSnapshot(c.Request.Context(), graph.ID, version)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	rg.GET("/:id/metrics", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		snap, err := st.LatestSnapshot(c.Request.Context(), graph.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"version": snap.Version, "metrics": json.RawMessage(snap.Metrics)})
	})

	rg.GET("/:id/centrality", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		kind := c.DefaultQuery("kind", services.CentralityDegree)
		scores, err := engine.Centrality(c.Request.Context(), graph.ID, kind)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "scores": scores})
	})

	rg.GET("/:id/communities", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		result, err := engine.Communities(c.Request.Context(), graph.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	})

	rg.GET("/:id/gaps", func(c *gin.Context) {
		graph, ok := loadGraph(c)
		if !ok {
			return
		}
		gaps, err := engine.Gaps(c.Request.Context(), graph.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"candidates": gaps})
	})
}

func previewLimit(c *gin.Context, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(max)))
	if err != nil || limit < 1 || limit > max {
		return max
	}
	return limit
}

func setupTermRoutes(router *gin.Engine, normalizer *services.TermNormalizer) {
	router.POST("/terms/normalize", func(c *gin.Context) {
		type NormalizeRequest struct {
			Term string `json:"term"`
		}
		var req NormalizeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Term == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		c.JSON(http.StatusOK, normalizer.Normalize(c.Request.Context(), req.Term))
	})
}

func setupCacheRoutes(router *gin.Engine, vocabCache *cache.Cache, log *zap.Logger) {
	rg := router.Group("/cache")

	rg.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, vocabCache.Stats())
	})

	rg.POST("/invalidate", func(c *gin.Context) {
		type InvalidateRequest struct {
			Pattern string `json:"pattern"`
		}
		var req InvalidateRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Pattern == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		removed, err := vocabCache.DeleteByPattern(req.Pattern)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid pattern: %v", err)})
			return
		}
		log.Info("Cache invalidation requested", zap.String("pattern", req.Pattern), zap.Int("removed", removed))
		c.JSON(http.StatusOK, gin.H{"removed": removed})
	})

	rg.POST("/clear", func(c *gin.Context) {
		vocabCache.Clear()
		c.JSON(http.StatusOK, gin.H{"status": "cleared"})
	})
}
