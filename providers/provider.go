package providers

import (
	"context"

	"scholargraph/models"
)

// SearchOptions narrow a literature search.
type SearchOptions struct {
	MaxResults int
	Year       int
}

// SearchProvider is implemented by every literature-search backend
// (e.g. PubMed). Search must be idempotent for the same topic and options.
type SearchProvider interface {
	// Search runs a topic search and returns standardized article records
	// without job ownership set.
	Search(ctx context.Context, topic string, opts SearchOptions) ([]*models.Article, error)

	// FetchDetails re-fetches bibliographic details for a set of provider ids.
	FetchDetails(ctx context.Context, ids []string) ([]*models.Article, error)

	// Name returns the unique provider name (e.g. "pubmed").
	Name() string
}

// ExtractionProvider turns article text into entities and relations. Either
// call may fail per invocation; callers must treat failures as local to the
// article being processed.
type ExtractionProvider interface {
	ExtractEntities(ctx context.Context, text string) ([]models.Entity, error)
	ExtractRelations(ctx context.Context, text string) ([]models.Relation, error)
}

// NormalizedTerm is the result of a vocabulary lookup. Confidence 0 means
// "no match, input used verbatim".
type NormalizedTerm struct {
	Normalized string  `json:"normalized"`
	VocabID    string  `json:"vocab_id,omitempty"`
	Category   string  `json:"category,omitempty"`
	Confidence float64 `json:"confidence"`
}

// TermProvider resolves a free-text term against a controlled vocabulary.
type TermProvider interface {
	Normalize(ctx context.Context, term string) (NormalizedTerm, error)
}

// PDFLinkProvider resolves a DOI to an open-access PDF link, if any.
type PDFLinkProvider interface {
	GetPDFLink(ctx context.Context, doi string) (string, error)
}
