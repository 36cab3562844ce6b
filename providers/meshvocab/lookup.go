// Package meshvocab resolves free-text terms against the NLM MeSH lookup
// service.
package meshvocab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"scholargraph/config"
	"scholargraph/providers"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

// lookupMatch is one entry of the MeSH lookup answer.
type lookupMatch struct {
	Resource string `json:"resource"`
	Label    string `json:"label"`
}

// Fetcher encapsulates the MeSH term lookup.
type Fetcher struct {
	Config *config.Config
	Logger *zap.Logger
}

// NewFetcher creates a new MeSH lookup fetcher.
func NewFetcher(cfg *config.Config, logger *zap.Logger) *Fetcher {
	return &Fetcher{Config: cfg, Logger: logger}
}

// Normalize resolves a term to its canonical descriptor. A result with
// confidence 0 means no match was found and the input is returned verbatim.
func (f *Fetcher) Normalize(ctx context.Context, term string) (providers.NormalizedTerm, error) {
	verbatim := providers.NormalizedTerm{Normalized: term, Confidence: 0}

	lookupURL := fmt.Sprintf("%s/lookup/term?label=%s&match=contains&limit=5",
		f.Config.VocabBaseURL, url.QueryEscape(term))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return verbatim, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return verbatim, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return verbatim, fmt.Errorf("mesh lookup failed with status: %d", resp.StatusCode)
	}

	var matches []lookupMatch
	if err := json.NewDecoder(resp.Body).Decode(&matches); err != nil {
		return verbatim, err
	}
	if len(matches) == 0 {
		f.Logger.Debug("No MeSH match for term", zap.String("term", term))
		return verbatim, nil
	}

	best := matches[0]
	confidence := 0.7
	for _, m := range matches {
		if strings.EqualFold(m.Label, term) {
			best = m
			confidence = 1.0
			break
		}
	}

	id := descriptorID(best.Resource)
	return providers.NormalizedTerm{
		Normalized: best.Label,
		VocabID:    id,
		Category:   categoryFor(id),
		Confidence: confidence,
	}, nil
}

// categoryFor maps a MeSH record id to its record class by prefix
// (D descriptor, C supplementary concept, Q qualifier, M concept).
func categoryFor(id string) string {
	if id == "" {
		return ""
	}
	switch id[0] {
	case 'D':
		return "descriptor"
	case 'C':
		return "supplementary"
	case 'Q':
		return "qualifier"
	case 'M':
		return "concept"
	}
	return ""
}

// descriptorID extracts the trailing descriptor id from a resource URI like
// "http://id.nlm.nih.gov/mesh/D016158".
func descriptorID(resource string) string {
	if idx := strings.LastIndex(resource, "/"); idx >= 0 {
		return resource[idx+1:]
	}
	return resource
}
