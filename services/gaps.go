package services

import (
	"context"
	"fmt"
	"math"
	"sort"
)

// Gap priority tiers.
const (
	GapPriorityHigh   = "high"
	GapPriorityMedium = "medium"
	GapPriorityLow    = "low"
)

const (
	gapTopNodes         = 10
	gapSparseLinkWeight = 1
)

// GapCandidate is one suspected research gap: a pair of important nodes (or
// community representatives) with little or no connecting evidence.
type GapCandidate struct {
	SourceID      string  `json:"source_id"`
	SourceLabel   string  `json:"source_label"`
	TargetID      string  `json:"target_id"`
	TargetLabel   string  `json:"target_label"`
	Kind          string  `json:"kind"` // missing_link or sparse_communities
	Priority      string  `json:"priority"`
	EvidenceScore float64 `json:"evidence_score"`
	Reason        string  `json:"reason"`
}

// Gaps returns the gap candidates for the latest snapshot of a graph,
// cached per version.
func (e *AnalysisEngine) Gaps(ctx context.Context, graphID string) ([]GapCandidate, error) {
	ag, version, err := e.loadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}

	cacheKey := analysisKey(graphID, version, "gaps")
	if cached, ok := e.Cache.Get(cacheKey); ok {
		if gaps, ok := cached.([]GapCandidate); ok {
			return gaps, nil
		}
	}

	gaps := ag.gaps()
	e.Cache.Set(cacheKey, gaps)
	return gaps, nil
}

// gaps scores two families of candidates: unconnected high-centrality node
// pairs, and community pairs with almost no cross-links.
func (ag *analysisGraph) gaps() []GapCandidate {
	n := len(ag.nodes)
	if n < 2 {
		return nil
	}

	degrees := ag.degree()
	maxDegree := 0.0
	for _, d := range degrees {
		if d > maxDegree {
			maxDegree = d
		}
	}
	if maxDegree == 0 {
		return nil
	}

	// direct connection weights between node pairs
	connected := make(map[string]float64)
	for _, edge := range ag.edges {
		src, okSrc := ag.index[edge.Source]
		dst, okDst := ag.index[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		connected[pairKey(src, dst)] += float64(edge.Weight)
		if !ag.directed {
			connected[pairKey(dst, src)] += float64(edge.Weight)
		}
	}

	ranked := ag.rank(degrees)
	top := ranked
	if len(top) > gapTopNodes {
		top = top[:gapTopNodes]
	}

	var gaps []GapCandidate

	// high-centrality pairs with no (or almost no) direct edge
	for i := 0; i < len(top); i++ {
		for k := i + 1; k < len(top); k++ {
			a := ag.index[top[i].NodeID]
			b := ag.index[top[k].NodeID]
			weight := connected[pairKey(a, b)]
			if weight > gapSparseLinkWeight {
				continue
			}

			centralityComponent := math.Sqrt(top[i].Score * top[k].Score / (maxDegree * maxDegree))
			evidenceComponent := evidenceVolume(ag.nodes[a].Support, ag.nodes[b].Support)
			score := 0.6*centralityComponent + 0.4*evidenceComponent

			reason := "no direct connection between two central entities"
			if weight > 0 {
				reason = "only weak direct evidence between two central entities"
			}
			gaps = append(gaps, GapCandidate{
				SourceID:      ag.nodes[a].ID,
				SourceLabel:   ag.nodes[a].Label,
				TargetID:      ag.nodes[b].ID,
				TargetLabel:   ag.nodes[b].Label,
				Kind:          "missing_link",
				Priority:      gapPriority(score),
				EvidenceScore: clamp01(score),
				Reason:        reason,
			})
		}
	}

	gaps = append(gaps, ag.communityGaps(degrees, maxDegree, connected)...)

	sort.Slice(gaps, func(i, k int) bool {
		if gaps[i].EvidenceScore != gaps[k].EvidenceScore {
			return gaps[i].EvidenceScore > gaps[k].EvidenceScore
		}
		if gaps[i].SourceID != gaps[k].SourceID {
			return gaps[i].SourceID < gaps[k].SourceID
		}
		return gaps[i].TargetID < gaps[k].TargetID
	})
	return gaps
}

// communityGaps flags community pairs whose cross-link weight is
// disproportionately low, represented by each community's strongest node.
func (ag *analysisGraph) communityGaps(degrees []float64, maxDegree float64, connected map[string]float64) []GapCandidate {
	result := ag.communities()
	if len(result.Communities) < 2 {
		return nil
	}

	// strongest node per community
	representative := make([]int, len(result.Communities))
	for c, members := range result.Communities {
		best := -1
		for _, nodeID := range members {
			v := ag.index[nodeID]
			if best < 0 || degrees[v] > degrees[best] || (degrees[v] == degrees[best] && ag.nodes[v].ID < ag.nodes[best].ID) {
				best = v
			}
		}
		representative[c] = best
	}

	// total cross weight per community pair
	cross := make(map[string]float64)
	for _, edge := range ag.edges {
		src, okSrc := ag.index[edge.Source]
		dst, okDst := ag.index[edge.Target]
		if !okSrc || !okDst {
			continue
		}
		ca := result.Assignments[ag.nodes[src].ID]
		cb := result.Assignments[ag.nodes[dst].ID]
		if ca == cb {
			continue
		}
		if ca > cb {
			ca, cb = cb, ca
		}
		cross[pairKey(ca, cb)] += float64(edge.Weight)
	}

	var gaps []GapCandidate
	for a := 0; a < len(result.Communities); a++ {
		for b := a + 1; b < len(result.Communities); b++ {
			if len(result.Communities[a]) < 2 || len(result.Communities[b]) < 2 {
				continue
			}
			if cross[pairKey(a, b)] > gapSparseLinkWeight {
				continue
			}

			ra, rb := representative[a], representative[b]
			centralityComponent := math.Sqrt(degrees[ra] * degrees[rb] / (maxDegree * maxDegree))
			evidenceComponent := evidenceVolume(ag.nodes[ra].Support, ag.nodes[rb].Support)
			score := 0.6*centralityComponent + 0.4*evidenceComponent

			gaps = append(gaps, GapCandidate{
				SourceID:      ag.nodes[ra].ID,
				SourceLabel:   ag.nodes[ra].Label,
				TargetID:      ag.nodes[rb].ID,
				TargetLabel:   ag.nodes[rb].Label,
				Kind:          "sparse_communities",
				Priority:      gapPriority(score),
				EvidenceScore: clamp01(score),
				Reason:        "two communities share almost no cross-links",
			})
		}
	}
	return gaps
}

// evidenceVolume maps combined supporting-article counts onto [0,1].
func evidenceVolume(supportA, supportB int) float64 {
	combined := float64(supportA + supportB)
	return clamp01(math.Log10(1+combined) / 2)
}

func gapPriority(score float64) string {
	switch {
	case score >= 0.7:
		return GapPriorityHigh
	case score >= 0.4:
		return GapPriorityMedium
	default:
		return GapPriorityLow
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func pairKey(a, b int) string {
	return fmt.Sprintf("%d:%d", a, b)
}
