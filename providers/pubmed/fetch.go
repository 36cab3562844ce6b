package pubmed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scholargraph/config"
	"scholargraph/models"
	"scholargraph/providers"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
	detailsBatch = 50
)

// Fetcher encapsulates the interaction with the PubMed E-utilities.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher creates a new PubMed fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Name returns the provider name.
func (f *Fetcher) Name() string {
	return "pubmed"
}

// Search runs a full topic search: ESearch for IDs, then ESummary for the
// details of every ID.
func (f *Fetcher) Search(ctx context.Context, topic string, opts providers.SearchOptions) ([]*models.Article, error) {
	term := fmt.Sprintf("%s[Title/Abstract]", topic)
	if opts.Year > 0 {
		term += fmt.Sprintf(" AND %d[pdat]", opts.Year)
	}

	ids, err := f.searchIDs(ctx, term, opts.MaxResults)
	if err != nil {
		return nil, fmt.Errorf("pubmed id search: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	return f.FetchDetails(ctx, ids)
}

// FetchDetails loads article details for a set of PMIDs in batches. Batches
// run in parallel with a small limit to respect NCBI rate limits.
func (f *Fetcher) FetchDetails(ctx context.Context, ids []string) ([]*models.Article, error) {
	var (
		articles []*models.Article
		firstErr error
		wg       sync.WaitGroup
		mu       sync.Mutex
	)
	semaphore := make(chan struct{}, 3)

	for start := 0; start < len(ids); start += detailsBatch {
		end := start + detailsBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		wg.Add(1)
		semaphore <- struct{}{}
		go func(batch []string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			docs, err := f.fetchSummaries(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				f.Logger.Warn("ESummary batch failed", zap.Int("batch_size", len(batch)), zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			articles = append(articles, docs...)
		}(batch)
	}
	wg.Wait()

	if len(articles) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return articles, nil
}

// searchIDs pages through ESearch results until maxResults IDs are collected
// or the result set is exhausted.
func (f *Fetcher) searchIDs(ctx context.Context, term string, maxResults int) ([]string, error) {
	log := f.Logger.With(zap.String("term", term))
	log.Info("Starting PubMed ESearch for IDs")

	if maxResults <= 0 {
		maxResults = f.Config.SearchMaxResults
	}
	pageSize := maxResults
	if pageSize > 100 {
		pageSize = 100
	}

	var allIDs []string
	for page := 0; page < f.Config.PubMedMaxPages && len(allIDs) < maxResults; page++ {
		searchURL := f.buildESearchURL(term, pageSize, page*pageSize)

		var esearchResp ESearchResponse
		if err := f.getJSON(ctx, searchURL, &esearchResp); err != nil {
			return nil, err
		}

		ids := esearchResp.ESearchResult.IdList
		if len(ids) == 0 {
			break
		}
		allIDs = append(allIDs, ids...)
		log.Debug("Received IDs from ESearch", zap.Int("count", len(ids)), zap.Int("page", page))

		if len(ids) < pageSize {
			break
		}
	}

	if len(allIDs) > maxResults {
		allIDs = allIDs[:maxResults]
	}
	log.Info("PubMed ESearch finished", zap.Int("total_ids", len(allIDs)))
	return allIDs, nil
}

// fetchSummaries loads ESummary documents for a batch of PMIDs and maps them
// to article records.
func (f *Fetcher) fetchSummaries(ctx context.Context, pmids []string) ([]*models.Article, error) {
	summaryURL := fmt.Sprintf("%s/esummary.fcgi?db=pubmed&id=%s&retmode=json",
		f.Config.PubMedBaseURL, strings.Join(pmids, ","))
	if f.Config.PubMedAPIKey != "" {
		summaryURL += "&api_key=" + f.Config.PubMedAPIKey
	}

	var resp ESummaryResponse
	if err := f.getJSON(ctx, summaryURL, &resp); err != nil {
		return nil, err
	}

	var articles []*models.Article
	for _, pmid := range pmids {
		raw, ok := resp.Result[pmid]
		if !ok {
			continue
		}
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var doc ESummaryDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			f.Logger.Warn("Could not decode ESummary doc", zap.String("pmid", pmid), zap.Error(err))
			continue
		}
		articles = append(articles, mapDocToArticle(pmid, &doc))
	}
	return articles, nil
}

// getJSON performs a GET with bounded retry. Only used for idempotent reads.
func (f *Fetcher) getJSON(ctx context.Context, rawURL string, out any) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("pubmed request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			// 4xx responses will not improve on retry
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return lastErr
			}
			continue
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// buildESearchURL builds the URL for one ESearch page.
func (f *Fetcher) buildESearchURL(term string, retmax, retstart int) string {
	base := fmt.Sprintf("%s/esearch.fcgi?db=pubmed&term=%s&retmode=json&retmax=%d&retstart=%d",
		f.Config.PubMedBaseURL, url.QueryEscape(term), retmax, retstart)
	if f.Config.PubMedAPIKey != "" {
		base += "&api_key=" + f.Config.PubMedAPIKey
	}
	if f.Config.PubMedTool != "" {
		base += "&tool=" + url.QueryEscape(f.Config.PubMedTool)
	}
	return base
}

// mapDocToArticle converts an ESummary document into our article model.
func mapDocToArticle(pmid string, doc *ESummaryDoc) *models.Article {
	a := &models.Article{
		ID:              uuid.NewString(),
		PMID:            pmid,
		Title:           doc.Title,
		Source:          doc.Source,
		URL:             fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", pmid),
		ScreeningStatus: models.ScreeningPending,
		PDFStatus:       models.PDFStatusNone,
	}

	var names []string
	for _, author := range doc.Authors {
		if author.Name != "" {
			names = append(names, author.Name)
		}
	}
	a.Authors = strings.Join(names, ", ")

	for _, id := range doc.ArticleIDs {
		if id.IDType == "doi" {
			a.DOI = id.Value
			break
		}
	}
	if a.DOI == "" {
		if doi := doiFromELocation(doc.ELocationID); doi != "" {
			a.DOI = doi
		}
	}

	if len(doc.PubDate) >= 4 {
		if year, err := strconv.Atoi(doc.PubDate[:4]); err == nil {
			a.Year = year
		}
	}

	// pmcrefcount arrives as either a number or a string, depending on record
	switch v := doc.PmcRefCount.(type) {
	case float64:
		a.CitationCount = int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			a.CitationCount = n
		}
	}

	return a
}

// doiFromELocation pulls a DOI out of an elocationid field like
// "10.1038/s41586-020-1234-5. doi: ...".
func doiFromELocation(eloc string) string {
	idx := strings.Index(eloc, "10.")
	if idx < 0 {
		return ""
	}
	doi := eloc[idx:]
	if end := strings.IndexAny(doi, " ;"); end > 0 {
		doi = doi[:end]
	}
	return strings.TrimSuffix(doi, ".")
}
