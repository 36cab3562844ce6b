package models

// Entity types recognized by the extraction provider. Anything else is
// normalized to "concept".
const (
	EntityTypeProtein = "protein"
	EntityTypeGene    = "gene"
	EntityTypeDisease = "disease"
	EntityTypeDrug    = "drug"
	EntityTypePathway = "pathway"
	EntityTypeConcept = "concept"
)

// Entity is one biomedical entity mention extracted from an article.
type Entity struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	ArticleIDs []string `json:"article_ids,omitempty"`
}

// Relation is one extracted relation between two entity names.
type Relation struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	ArticleIDs []string `json:"article_ids,omitempty"`
}

// ValidEntityType reports whether t is one of the known entity types.
func ValidEntityType(t string) bool {
	switch t {
	case EntityTypeProtein, EntityTypeGene, EntityTypeDisease,
		EntityTypeDrug, EntityTypePathway, EntityTypeConcept:
		return true
	}
	return false
}
