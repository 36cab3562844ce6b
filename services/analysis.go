package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"scholargraph/cache"
	"scholargraph/models"
	"scholargraph/store"
)

// Centrality kinds accepted by the analysis engine.
const (
	CentralityDegree      = "degree"
	CentralityBetweenness = "betweenness"
	CentralityCloseness   = "closeness"
	CentralityEigenvector = "eigenvector"
)

const (
	eigenvectorMaxIterations = 100
	eigenvectorTolerance     = 1e-6
)

// CentralityScore is one ranked entry of a centrality computation.
type CentralityScore struct {
	NodeID string  `json:"node_id"`
	Label  string  `json:"label"`
	Score  float64 `json:"score"`
	Rank   int     `json:"rank"`
}

// CommunityResult is the outcome of modularity-based community detection.
type CommunityResult struct {
	Assignments map[string]int `json:"assignments"`
	Communities [][]string     `json:"communities"`
	Modularity  float64        `json:"modularity"`
}

// GraphMetrics is the summary stored on a snapshot at build time.
type GraphMetrics struct {
	NodeCount      int               `json:"node_count"`
	EdgeCount      int               `json:"edge_count"`
	Density        float64           `json:"density"`
	TopByDegree    []CentralityScore `json:"top_by_degree,omitempty"`
	CommunityCount int               `json:"community_count"`
	Modularity     float64           `json:"modularity"`
	GapCount       int               `json:"gap_count"`
}

// AnalysisEngine computes centrality, community structure and literature
// gaps over persisted graph snapshots. Results are cached per
// (graph, version, kind); a rebuild invalidates only the prior version.
type AnalysisEngine struct {
	Store  store.Store
	Cache  *cache.Cache
	Logger *zap.Logger
}

// NewAnalysisEngine creates an engine sharing the process-wide cache.
func NewAnalysisEngine(st store.Store, c *cache.Cache, logger *zap.Logger) *AnalysisEngine {
	return &AnalysisEngine{Store: st, Cache: c, Logger: logger}
}

// Centrality computes the requested centrality over the latest snapshot of
// the graph and returns a ranked list, ties broken by ascending node id.
func (e *AnalysisEngine) Centrality(ctx context.Context, graphID string, kind string) ([]CentralityScore, error) {
	switch kind {
	case CentralityDegree, CentralityBetweenness, CentralityCloseness, CentralityEigenvector:
	default:
		return nil, fmt.Errorf("%w: unknown centrality kind %q", store.ErrInvalidInput, kind)
	}

	ag, version, err := e.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}

	cacheKey := analysisKey(graphID, version, kind)
	if cached, ok := e.Cache.Get(cacheKey); ok {
		if scores, ok := cached.([]CentralityScore); ok {
			return scores, nil
		}
	}

	var raw []float64
	switch kind {
	case CentralityDegree:
		raw = ag.degree()
	case CentralityBetweenness:
		raw = ag.betweenness()
	case CentralityCloseness:
		raw = ag.closeness()
	case CentralityEigenvector:
		raw = ag.eigenvector()
	}

	scores := ag.rank(raw)
	e.Cache.Set(cacheKey, scores)
	return scores, nil
}

// Communities partitions the latest snapshot into non-overlapping
// communities by greedy modularity optimization.
func (e *AnalysisEngine) Communities(ctx context.Context, graphID string) (*CommunityResult, error) {
	ag, version, err := e.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}

	cacheKey := analysisKey(graphID, version, "communities")
	if cached, ok := e.Cache.Get(cacheKey); ok {
		if result, ok := cached.(*CommunityResult); ok {
			return result, nil
		}
	}

	result := ag.communities()
	e.Cache.Set(cacheKey, result)
	return result, nil
}

// InvalidateVersion drops all cached analysis results for one graph version.
// Called by the orchestrator when a newer snapshot supersedes it.
func (e *AnalysisEngine) InvalidateVersion(graphID string, version int) {
	pattern := fmt.Sprintf("^analysis:%s:%d:", graphID, version)
	removed, err := e.Cache.DeleteByPattern(pattern)
	if err != nil {
		e.Logger.Warn("Cache invalidation failed", zap.String("graph_id", graphID), zap.Error(err))
		return
	}
	e.Logger.Debug("Invalidated cached analysis results",
		zap.String("graph_id", graphID),
		zap.Int("version", version),
		zap.Int("removed", removed))
}

// Summarize computes the snapshot metrics for a freshly built graph before
// it is persisted.
func (e *AnalysisEngine) Summarize(nodes []models.GraphNode, edges []models.GraphEdge, directed bool) *GraphMetrics {
	ag := newAnalysisGraph(nodes, edges, directed)

	metrics := &GraphMetrics{
		NodeCount: len(nodes),
		EdgeCount: len(edges),
	}
	if n := len(nodes); n > 1 {
		possible := float64(n * (n - 1))
		if !directed {
			possible /= 2
		}
		metrics.Density = float64(len(edges)) / possible
	}

	degreeScores := ag.rank(ag.degree())
	if len(degreeScores) > 10 {
		degreeScores = degreeScores[:10]
	}
	metrics.TopByDegree = degreeScores

	communityResult := ag.communities()
	metrics.CommunityCount = len(communityResult.Communities)
	metrics.Modularity = communityResult.Modularity

	metrics.GapCount = len(ag.gaps())
	return metrics
}

func analysisKey(graphID string, version int, kind string) string {
	return fmt.Sprintf("analysis:%s:%d:%s", graphID, version, kind)
}

// loadGraph materializes the latest snapshot of a graph for analysis.
func (e *AnalysisEngine) loadGraph(ctx context.Context, graphID string) (*analysisGraph, int, error) {
	graph, err := e.Store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, 0, err
	}
	snapshot, err := e.Store.LatestSnapshot(ctx, graphID)
	if err != nil {
		return nil, 0, err
	}

	var nodes []models.GraphNode
	if err := json.Unmarshal(snapshot.Nodes, &nodes); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot nodes: %w", err)
	}
	var edges []models.GraphEdge
	if err := json.Unmarshal(snapshot.Edges, &edges); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot edges: %w", err)
	}

	return newAnalysisGraph(nodes, edges, graph.Directed), snapshot.Version, nil
}

// analysisGraph is an adjacency-list view of a snapshot, node order fixed by
// ascending node id so every computation is deterministic.
type analysisGraph struct {
	directed bool
	nodes    []models.GraphNode
	edges    []models.GraphEdge
	index    map[string]int
	// outgoing adjacency; for undirected graphs both directions are present
	adj [][]neighbor
}

type neighbor struct {
	to     int
	weight float64
}

func newAnalysisGraph(nodes []models.GraphNode, edges []models.GraphEdge, directed bool) *analysisGraph {
	sorted := make([]models.GraphNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, k int) bool { return sorted[i].ID < sorted[k].ID })

	ag := &analysisGraph{
		directed: directed,
		nodes:    sorted,
		edges:    edges,
		index:    make(map[string]int, len(sorted)),
		adj:      make([][]neighbor, len(sorted)),
	}
	for i, node := range sorted {
		ag.index[node.ID] = i
	}

	for _, edge := range edges {
		src, okSrc := ag.index[edge.Source]
		dst, okDst := ag.index[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		weight := float64(edge.Weight)
		if weight <= 0 {
			weight = 1
		}
		ag.adj[src] = append(ag.adj[src], neighbor{to: dst, weight: weight})
		if !directed {
			ag.adj[dst] = append(ag.adj[dst], neighbor{to: src, weight: weight})
		}
	}
	return ag
}

// degree returns the raw edge count per node. Directed graphs count in and
// out edges separately and sum them.
func (ag *analysisGraph) degree() []float64 {
	scores := make([]float64, len(ag.nodes))
	for _, edge := range ag.edges {
		src, okSrc := ag.index[edge.Source]
		dst, okDst := ag.index[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		scores[src]++
		scores[dst]++
	}
	return scores
}

// betweenness implements Brandes' accumulation over unweighted shortest
// paths.
func (ag *analysisGraph) betweenness() []float64 {
	n := len(ag.nodes)
	scores := make([]float64, n)

	for s := 0; s < n; s++ {
		// single-source shortest paths
		stack := make([]int, 0, n)
		preds := make([][]int, n)
		sigma := make([]float64, n)
		dist := make([]int, n)
		for i := range dist {
			dist[i] = -1
		}
		sigma[s] = 1
		dist[s] = 0

		queue := []int{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, nb := range ag.adj[v] {
				w := nb.to
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		// dependency accumulation in reverse BFS order
		delta := make([]float64, n)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				scores[w] += delta[w]
			}
		}
	}

	// undirected paths are counted twice
	if !ag.directed {
		for i := range scores {
			scores[i] /= 2
		}
	}
	return scores
}

// closeness is the inverse of the average shortest-path distance to the
// reachable nodes; unreachable nodes do not enter the denominator.
func (ag *analysisGraph) closeness() []float64 {
	n := len(ag.nodes)
	scores := make([]float64, n)

	for s := 0; s < n; s++ {
		dist := make([]int, n)
		for i := range dist {
			dist[i] = -1
		}
		dist[s] = 0
		queue := []int{s}
		totalDist := 0
		reachable := 0

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			for _, nb := range ag.adj[v] {
				if dist[nb.to] < 0 {
					dist[nb.to] = dist[v] + 1
					totalDist += dist[nb.to]
					reachable++
					queue = append(queue, nb.to)
				}
			}
		}

		if totalDist > 0 {
			scores[s] = float64(reachable) / float64(totalDist)
		}
	}
	return scores
}

// eigenvector runs power iteration over edge weights until convergence or
// the iteration cap, normalized so the maximum value is 1.
func (ag *analysisGraph) eigenvector() []float64 {
	n := len(ag.nodes)
	if n == 0 {
		return nil
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < eigenvectorMaxIterations; iter++ {
		next := make([]float64, n)
		for v := 0; v < n; v++ {
			for _, nb := range ag.adj[v] {
				next[nb.to] += scores[v] * nb.weight
			}
		}

		norm := 0.0
		for _, x := range next {
			norm += x * x
		}
		norm = math.Sqrt(norm)
		if norm == 0 {
			break
		}

		diff := 0.0
		for i := range next {
			next[i] /= norm
			diff += math.Abs(next[i] - scores[i])
		}
		scores = next
		if diff < eigenvectorTolerance {
			break
		}
	}

	max := 0.0
	for _, x := range scores {
		if x > max {
			max = x
		}
	}
	if max > 0 {
		for i := range scores {
			scores[i] /= max
		}
	}
	return scores
}

// rank orders raw scores descending with ties broken by ascending node id.
func (ag *analysisGraph) rank(raw []float64) []CentralityScore {
	scores := make([]CentralityScore, len(ag.nodes))
	for i, node := range ag.nodes {
		scores[i] = CentralityScore{NodeID: node.ID, Label: node.Label, Score: raw[i]}
	}
	sort.Slice(scores, func(i, k int) bool {
		if scores[i].Score != scores[k].Score {
			return scores[i].Score > scores[k].Score
		}
		return scores[i].NodeID < scores[k].NodeID
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
	return scores
}

// communities runs repeated local moves maximizing modularity until no move
// improves it, then reports the partition.
func (ag *analysisGraph) communities() *CommunityResult {
	n := len(ag.nodes)
	result := &CommunityResult{Assignments: make(map[string]int)}
	if n == 0 {
		return result
	}

	// weighted degree per node and total edge weight (2m for undirected
	// because adj stores both directions)
	strength := make([]float64, n)
	total := 0.0
	for v := 0; v < n; v++ {
		for _, nb := range ag.adj[v] {
			strength[v] += nb.weight
			total += nb.weight
		}
	}
	if ag.directed {
		// treat as undirected for partitioning
		total *= 2
	}
	if total == 0 {
		// no edges: every node is its own community
		for i, node := range ag.nodes {
			result.Assignments[node.ID] = i
			result.Communities = append(result.Communities, []string{node.ID})
		}
		return result
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}
	communityStrength := make([]float64, n)
	copy(communityStrength, strength)

	improved := true
	for pass := 0; improved && pass < 100; pass++ {
		improved = false
		for v := 0; v < n; v++ {
			current := community[v]

			// weight from v into each neighboring community
			linkTo := make(map[int]float64)
			for _, nb := range ag.adj[v] {
				if nb.to != v {
					linkTo[community[nb.to]] += nb.weight
				}
			}
			if ag.directed {
				for u := 0; u < n; u++ {
					if u == v {
						continue
					}
					for _, nb := range ag.adj[u] {
						if nb.to == v {
							linkTo[community[u]] += nb.weight
						}
					}
				}
			}

			// remove v from its community
			communityStrength[current] -= strength[v]

			bestCommunity := current
			bestGain := linkTo[current] - communityStrength[current]*strength[v]/total

			candidates := make([]int, 0, len(linkTo))
			for c := range linkTo {
				candidates = append(candidates, c)
			}
			sort.Ints(candidates)
			for _, c := range candidates {
				gain := linkTo[c] - communityStrength[c]*strength[v]/total
				if gain > bestGain+1e-12 {
					bestGain = gain
					bestCommunity = c
				}
			}

			communityStrength[bestCommunity] += strength[v]
			if bestCommunity != current {
				community[v] = bestCommunity
				improved = true
			}
		}
	}

	// compact community ids in first-seen order over sorted nodes
	compact := make(map[int]int)
	for v := 0; v < n; v++ {
		if _, ok := compact[community[v]]; !ok {
			compact[community[v]] = len(compact)
		}
	}
	members := make([][]string, len(compact))
	for v, node := range ag.nodes {
		id := compact[community[v]]
		result.Assignments[node.ID] = id
		members[id] = append(members[id], node.ID)
	}
	result.Communities = members
	result.Modularity = ag.modularity(community, strength, total)
	return result
}

// modularity computes Q for a partition.
func (ag *analysisGraph) modularity(community []int, strength []float64, total float64) float64 {
	if total == 0 {
		return 0
	}
	q := 0.0
	for v := range ag.adj {
		for _, nb := range ag.adj[v] {
			if community[v] == community[nb.to] {
				q += nb.weight
			}
		}
	}
	// subtract expected within-community weight
	communityStrength := make(map[int]float64)
	for v, c := range community {
		communityStrength[c] += strength[v]
	}
	expected := 0.0
	for _, s := range communityStrength {
		expected += s * s
	}
	return q/total - expected/(total*total)
}
