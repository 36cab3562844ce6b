package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"scholargraph/cache"
	"scholargraph/providers"
)

func TestCanonicalTerm(t *testing.T) {
	cases := map[string]string{
		"P53":              "p53",
		"  tumor   protein  p53 ": "tumor protein p53",
		"ＴＰ５３":             "tp53", // full-width forms fold via NFKC
		"":                 "",
		"   ":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, CanonicalTerm(in), "input %q", in)
	}
}

func TestNormalizeCachesProviderResult(t *testing.T) {
	vocab := &fakeVocab{entries: map[string]providers.NormalizedTerm{
		"p53": {Normalized: "Tumor Protein p53", VocabID: "D016158", Confidence: 1},
	}}
	n := testNormalizer(vocab)

	first := n.Normalize(context.Background(), "P53")
	require.Equal(t, "Tumor Protein p53", first.Normalized)
	require.Equal(t, "D016158", first.VocabID)

	// same canonical form, different spelling: must come from the cache
	second := n.Normalize(context.Background(), "  p53 ")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, vocab.callCount())
}

func TestNormalizeProviderOutageFallsBackVerbatim(t *testing.T) {
	vocab := &fakeVocab{err: errors.New("vocabulary service down")}
	n := testNormalizer(vocab)

	result := n.Normalize(context.Background(), "p53")
	assert.Equal(t, "p53", result.Normalized)
	assert.Zero(t, result.Confidence)

	// failures are not cached, a recovered provider is used again
	vocab.err = nil
	vocab.entries = map[string]providers.NormalizedTerm{
		"p53": {Normalized: "Tumor Protein p53", Confidence: 1},
	}
	result = n.Normalize(context.Background(), "p53")
	assert.Equal(t, "Tumor Protein p53", result.Normalized)
}

func TestNormalizeEmptyTerm(t *testing.T) {
	vocab := &fakeVocab{}
	n := testNormalizer(vocab)

	result := n.Normalize(context.Background(), "   ")
	assert.Equal(t, "   ", result.Normalized)
	assert.Zero(t, result.Confidence)
	assert.Zero(t, vocab.callCount(), "empty terms never hit the provider")
}

func TestNormalizeCacheExpiry(t *testing.T) {
	vocab := &fakeVocab{entries: map[string]providers.NormalizedTerm{
		"p53": {Normalized: "Tumor Protein p53", Confidence: 1},
	}}
	n := &TermNormalizer{
		Provider: vocab,
		Cache:    cache.New(time.Nanosecond),
		Logger:   zap.NewNop(),
		TTL:      time.Nanosecond,
	}

	n.Normalize(context.Background(), "p53")
	time.Sleep(time.Millisecond)
	n.Normalize(context.Background(), "p53")
	assert.Equal(t, 2, vocab.callCount(), "expired entry must be re-fetched")
}
