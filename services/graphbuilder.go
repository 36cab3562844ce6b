package services

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"scholargraph/models"
)

// normalizationMinConfidence is the cutoff below which a vocabulary match is
// ignored and identity falls back to exact case-insensitive matching.
const normalizationMinConfidence = 0.5

// GraphBuilder merges per-article entities and relations into one
// de-duplicated graph. The merge is commutative and associative, so the
// result does not depend on article order.
type GraphBuilder struct {
	Normalizer            *TermNormalizer
	Logger                *zap.Logger
	MinRelationConfidence float64
}

// NewGraphBuilder creates a builder. Relations below minRelationConfidence
// are dropped before merging; 0 disables the filter.
func NewGraphBuilder(normalizer *TermNormalizer, logger *zap.Logger, minRelationConfidence float64) *GraphBuilder {
	return &GraphBuilder{
		Normalizer:            normalizer,
		Logger:                logger,
		MinRelationConfidence: minRelationConfidence,
	}
}

// BuiltGraph is the in-memory result of a build, keyed for merging and
// exported as deterministically ordered slices.
type BuiltGraph struct {
	Directed bool

	nodes map[string]*nodeAccum
	edges map[string]*edgeAccum
	// canonical entity name -> node key, for resolving relation endpoints
	nameIndex map[string]string
}

type nodeAccum struct {
	node     models.GraphNode
	articles map[string]bool
	// raw spellings seen; the smallest wins as display name when no
	// vocabulary label is available
	spellings map[string]bool
	hasVocab  bool
}

type edgeAccum struct {
	source   string
	target   string
	types    map[string]bool
	articles map[string]bool
}

// Build merges the extracted payloads of all given articles.
func (b *GraphBuilder) Build(ctx context.Context, articles []*models.Article, directed bool) (*BuiltGraph, error) {
	g := &BuiltGraph{
		Directed:  directed,
		nodes:     make(map[string]*nodeAccum),
		edges:     make(map[string]*edgeAccum),
		nameIndex: make(map[string]string),
	}

	// Two passes: all entities across all articles first, then all
	// relations. Endpoint resolution in the relation pass sees the complete
	// entity set, which keeps the result independent of article order.
	type decoded struct {
		articleID string
		relations []models.Relation
	}
	pending := make([]decoded, 0, len(articles))

	for _, article := range articles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entities, err := DecodeEntities(article)
		if err != nil {
			return nil, fmt.Errorf("decode entities of article %s: %w", article.ID, err)
		}
		relations, err := DecodeRelations(article)
		if err != nil {
			return nil, fmt.Errorf("decode relations of article %s: %w", article.ID, err)
		}

		for _, entity := range entities {
			b.mergeEntity(ctx, g, entity, article.ID)
		}
		pending = append(pending, decoded{articleID: article.ID, relations: relations})
	}

	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, relation := range d.relations {
			b.mergeRelation(ctx, g, relation, d.articleID)
		}
	}

	b.Logger.Debug("Graph build finished",
		zap.Int("nodes", len(g.nodes)),
		zap.Int("edges", len(g.edges)))
	return g, nil
}

// mergeEntity folds one entity mention into the working graph.
func (b *GraphBuilder) mergeEntity(ctx context.Context, g *BuiltGraph, entity models.Entity, articleID string) {
	name := strings.TrimSpace(entity.Name)
	if name == "" {
		return
	}
	entityType := entity.Type
	if entityType == "" {
		entityType = models.EntityTypeConcept
	}

	identity, label, fromVocab := b.resolveIdentity(ctx, name)
	key := nodeKey(identity, entityType)

	accum, exists := g.nodes[key]
	if !exists {
		accum = &nodeAccum{
			node: models.GraphNode{
				ID:    key,
				Label: identity,
				Type:  entityType,
			},
			articles:  make(map[string]bool),
			spellings: make(map[string]bool),
		}
		g.nodes[key] = accum
	}

	accum.articles[articleID] = true
	accum.spellings[name] = true
	if entity.Confidence > accum.node.Confidence {
		accum.node.Confidence = entity.Confidence
	}
	if fromVocab {
		accum.hasVocab = true
		accum.node.DisplayName = label
	}

	// Resolution of relation endpoints is by name only; keep the node with
	// the most support per canonical name so repeated merges stay stable.
	if existingKey, ok := g.nameIndex[identity]; !ok {
		g.nameIndex[identity] = key
	} else if existing := g.nodes[existingKey]; existing != nil &&
		(len(accum.articles) > len(existing.articles) ||
			(len(accum.articles) == len(existing.articles) && key < existingKey)) {
		g.nameIndex[identity] = key
	}
}

// mergeRelation folds one relation into the working graph, creating endpoint
// nodes when needed.
func (b *GraphBuilder) mergeRelation(ctx context.Context, g *BuiltGraph, relation models.Relation, articleID string) {
	if b.MinRelationConfidence > 0 && relation.Confidence < b.MinRelationConfidence {
		return
	}

	sourceKey := b.resolveEndpoint(ctx, g, relation.Source, articleID)
	targetKey := b.resolveEndpoint(ctx, g, relation.Target, articleID)
	if sourceKey == "" || targetKey == "" {
		return
	}
	// self-loops are dropped
	if sourceKey == targetKey {
		return
	}

	src, dst := sourceKey, targetKey
	if !g.Directed && src > dst {
		src, dst = dst, src
	}
	key := src + "->" + dst

	accum, exists := g.edges[key]
	if !exists {
		accum = &edgeAccum{
			source:   src,
			target:   dst,
			types:    make(map[string]bool),
			articles: make(map[string]bool),
		}
		g.edges[key] = accum
	}
	if relation.Type != "" {
		accum.types[relation.Type] = true
	}
	accum.articles[articleID] = true
}

// resolveEndpoint maps a relation endpoint name to a node key, creating a
// concept node for names no entity mention introduced.
func (b *GraphBuilder) resolveEndpoint(ctx context.Context, g *BuiltGraph, name, articleID string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	identity, _, _ := b.resolveIdentity(ctx, name)
	if key, ok := g.nameIndex[identity]; ok {
		return key
	}

	b.mergeEntity(ctx, g, models.Entity{
		Name: name,
		Type: models.EntityTypeConcept,
	}, articleID)
	return g.nameIndex[identity]
}

// resolveIdentity returns the canonical identity string for a name, the
// vocabulary label when one applied, and whether normalization was used.
func (b *GraphBuilder) resolveIdentity(ctx context.Context, name string) (identity, label string, fromVocab bool) {
	if b.Normalizer != nil {
		result := b.Normalizer.Normalize(ctx, name)
		if result.Confidence >= normalizationMinConfidence && result.Normalized != "" {
			return CanonicalTerm(result.Normalized), result.Normalized, true
		}
	}
	// fallback: exact case-insensitive match on the raw name
	return CanonicalTerm(name), "", false
}

// Nodes returns the merged nodes ordered by id.
func (g *BuiltGraph) Nodes() []models.GraphNode {
	nodes := make([]models.GraphNode, 0, len(g.nodes))
	for _, accum := range g.nodes {
		node := accum.node
		node.Support = len(accum.articles)
		node.ArticleIDs = sortedKeys(accum.articles)
		if node.DisplayName == "" {
			node.DisplayName = smallest(accum.spellings)
		}
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, k int) bool { return nodes[i].ID < nodes[k].ID })
	return nodes
}

// Edges returns the merged edges ordered by id. Weight is the number of
// distinct supporting articles.
func (g *BuiltGraph) Edges() []models.GraphEdge {
	edges := make([]models.GraphEdge, 0, len(g.edges))
	for _, accum := range g.edges {
		types := sortedKeys(accum.types)
		label := ""
		if len(types) > 0 {
			label = types[0]
		}
		edges = append(edges, models.GraphEdge{
			ID:            edgeID(accum.source, accum.target),
			Source:        accum.source,
			Target:        accum.target,
			Label:         label,
			Weight:        len(accum.articles),
			RelationTypes: types,
			ArticleIDs:    sortedKeys(accum.articles),
		})
	}
	sort.Slice(edges, func(i, k int) bool { return edges[i].ID < edges[k].ID })
	return edges
}

// NodeCount returns the number of merged nodes.
func (g *BuiltGraph) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of merged edges.
func (g *BuiltGraph) EdgeCount() int { return len(g.edges) }

func nodeKey(identity, entityType string) string {
	sum := md5.Sum([]byte(entityType + "|" + identity))
	return fmt.Sprintf("%x", sum)[:16]
}

func edgeID(source, target string) string {
	sum := md5.Sum([]byte(source + "->" + target))
	return fmt.Sprintf("%x", sum)[:16]
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func smallest(set map[string]bool) string {
	best := ""
	for key := range set {
		if best == "" || key < best {
			best = key
		}
	}
	return best
}
