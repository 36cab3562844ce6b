package services

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"scholargraph/cache"
	"scholargraph/providers"
)

// TermNormalizer resolves free-text terms to canonical vocabulary entries,
// with a TTL cache in front of the lookup provider. A provider outage is
// non-fatal: the caller gets the input back verbatim with confidence 0 and
// identity resolution falls back to exact matching.
type TermNormalizer struct {
	Provider providers.TermProvider
	Cache    *cache.Cache
	Logger   *zap.Logger
	TTL      time.Duration
}

// NewTermNormalizer creates a normalizer with the given cache TTL for
// vocabulary entries.
func NewTermNormalizer(provider providers.TermProvider, c *cache.Cache, logger *zap.Logger, ttl time.Duration) *TermNormalizer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TermNormalizer{Provider: provider, Cache: c, Logger: logger, TTL: ttl}
}

// Normalize resolves term against the vocabulary. The result is cached under
// the canonical form of the input.
func (n *TermNormalizer) Normalize(ctx context.Context, term string) providers.NormalizedTerm {
	canonical := CanonicalTerm(term)
	if canonical == "" {
		return providers.NormalizedTerm{Normalized: term, Confidence: 0}
	}

	cacheKey := "vocab:" + canonical
	if cached, ok := n.Cache.Get(cacheKey); ok {
		if result, ok := cached.(providers.NormalizedTerm); ok {
			return result
		}
	}

	result, err := n.Provider.Normalize(ctx, term)
	if err != nil {
		n.Logger.Warn("Vocabulary lookup failed, using term verbatim",
			zap.String("term", term), zap.Error(err))
		return providers.NormalizedTerm{Normalized: term, Confidence: 0}
	}
	if result.Normalized == "" {
		result.Normalized = term
	}

	n.Cache.SetWithTTL(cacheKey, result, n.TTL)
	return result
}

// CanonicalTerm folds a term into its comparison form: NFKC normalization,
// lower case, collapsed whitespace.
func CanonicalTerm(term string) string {
	folded := norm.NFKC.String(term)
	folded = strings.ToLower(folded)
	return strings.Join(strings.Fields(folded), " ")
}
