// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package proximity maintains the similarity graph over hypotheses used for
// deduplication and clustering. Implements: prd003-proximity (R1-R4);
//
//	docs/ARCHITECTURE § Proximity Graph.
//
// The graph is maintained incrementally: a new hypothesis is scored against
// a bounded candidate set (cluster representatives plus top-rated), never
// the full population. Clusters are the connected components of edges at or
// above the similarity threshold; edges that fall below it are pruned on
// periodic recomputation. Results are eventually consistent: the graph lags
// generation and ranking.
package proximity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// edgeFloor is the similarity below which an observation is not worth an
// edge record at all.
const edgeFloor = 0.1

// Graph answers clustering and near-duplicate queries over the edge set.
type Graph struct {
	store *memory.Store
	cfg   types.ProximityConfig
	log   *zap.Logger

	// rounds counts observations for the prune cadence.
	rounds atomic.Int64
}

// NewGraph creates a proximity graph over the given store.
func NewGraph(store *memory.Store, cfg types.ProximityConfig, log *zap.Logger) *Graph {
	if log == nil {
		log = zap.NewNop()
	}
	return &Graph{store: store, cfg: cfg, log: log}
}

// Observe integrates one hypothesis into the graph. It selects a bounded
// candidate set, scores the hypothesis against each candidate, and upserts
// edges for similarities above the floor. Scores normally come from the
// proximity-score agent payload; candidates it did not score fall back to
// the lexical measure so dry runs and tests stay deterministic (R2.1-R2.3).
// It returns the number of edges written.
func (g *Graph) Observe(ctx context.Context, hypothesisID string, scores map[string]float64) (int, error) {
	hypotheses, err := g.store.LoadHypotheses(ctx)
	if err != nil {
		return 0, err
	}

	var subject *types.Hypothesis
	byID := make(map[string]types.Hypothesis, len(hypotheses))
	for i, h := range hypotheses {
		byID[h.ID] = h
		if h.ID == hypothesisID {
			subject = &hypotheses[i]
		}
	}
	if subject == nil {
		return 0, fmt.Errorf("hypothesis %s: %w", hypothesisID, memory.ErrNotFound)
	}

	candidates, err := g.candidates(ctx, hypotheses, hypothesisID)
	if err != nil {
		return 0, err
	}

	written := 0
	for _, candidateID := range candidates {
		similarity, ok := scores[candidateID]
		if !ok {
			similarity = Similarity(subject.Content, byID[candidateID].Content)
		}
		if similarity < edgeFloor {
			continue
		}
		if err := g.upsertEdge(ctx, hypothesisID, candidateID, similarity); err != nil {
			return written, err
		}
		written++
	}

	g.log.Debug("hypothesis observed",
		zap.String("hypothesis", hypothesisID),
		zap.Int("candidates", len(candidates)),
		zap.Int("edges", written))
	return written, nil
}

// CandidateSet returns the bounded candidate IDs Observe would score the
// hypothesis against, so a caller can fetch external similarity scores for
// exactly that set instead of the whole population.
func (g *Graph) CandidateSet(ctx context.Context, hypothesisID string) ([]string, error) {
	hypotheses, err := g.store.LoadHypotheses(ctx)
	if err != nil {
		return nil, err
	}
	return g.candidates(ctx, hypotheses, hypothesisID)
}

// candidates returns the bounded comparison set for a new arrival: one
// representative per current cluster, then top-rated hypotheses, newest
// first as a final filler. Never the full population (R2.1).
func (g *Graph) candidates(ctx context.Context, hypotheses []types.Hypothesis, excludeID string) ([]string, error) {
	clusters, err := g.Clusters(ctx)
	if err != nil {
		return nil, err
	}
	ratings, err := g.store.LoadRatings(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{excludeID: true}
	var out []string
	add := func(id string) {
		if !seen[id] && len(out) < g.cfg.CandidateBound {
			seen[id] = true
			out = append(out, id)
		}
	}

	for _, members := range clusters {
		add(members[0])
	}

	var rated []string
	for id := range ratings {
		rated = append(rated, id)
	}
	sort.Slice(rated, func(i, j int) bool {
		return ratings[rated[i]].Value > ratings[rated[j]].Value
	})
	for _, id := range rated {
		add(id)
	}

	// Newest first fills any remaining budget.
	for i := len(hypotheses) - 1; i >= 0; i-- {
		add(hypotheses[i].ID)
	}
	return out, nil
}

// upsertEdge writes the canonical edge for a pair, retrying on version
// conflicts since proximity updates race with the pruner.
func (g *Graph) upsertEdge(ctx context.Context, a, b string, similarity float64) error {
	id := types.EdgeID(a, b)
	ca, cb := types.SplitEdgeID(id)
	edge := types.ProximityEdge{A: ca, B: cb, Similarity: similarity, UpdatedAt: time.Now().UTC()}

	for attempt := 0; attempt < 8; attempt++ {
		var existing types.ProximityEdge
		version, err := g.store.Get(ctx, memory.KindEdge, id, &existing)
		if errors.Is(err, memory.ErrNotFound) {
			version = 0
		} else if err != nil {
			return err
		}
		if _, err := g.store.Put(ctx, memory.KindEdge, id, edge, version); err != nil {
			if errors.Is(err, memory.ErrVersionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("edge %s: %w", id, memory.ErrVersionConflict)
}

// ClusterOf returns the set of hypothesis IDs sharing a connected component
// with id through edges at or above the threshold. A hypothesis with no
// such edges forms a singleton cluster (R3.2).
func (g *Graph) ClusterOf(ctx context.Context, id string) ([]string, error) {
	clusters, err := g.Clusters(ctx)
	if err != nil {
		return nil, err
	}
	for _, members := range clusters {
		for _, member := range members {
			if member == id {
				return members, nil
			}
		}
	}
	return []string{id}, nil
}

// Neighbor is one near-duplicate candidate.
type Neighbor struct {
	HypothesisID string
	Similarity   float64
}

// NearDuplicatesOf returns hypotheses linked to id with similarity at or
// above the given threshold, ordered by similarity descending (R3.3).
func (g *Graph) NearDuplicatesOf(ctx context.Context, id string, threshold float64) ([]Neighbor, error) {
	edges, err := g.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}

	var out []Neighbor
	for _, e := range edges {
		if !e.Touches(id) || e.Similarity < threshold {
			continue
		}
		out = append(out, Neighbor{HypothesisID: e.Other(id), Similarity: e.Similarity})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// Clusters returns every connected component with at least two members,
// computed over edges at or above the threshold. Members are ordered by
// hypothesis commit order, so the first member serves as the cluster
// representative.
func (g *Graph) Clusters(ctx context.Context) ([][]string, error) {
	hypotheses, err := g.store.LoadHypotheses(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := g.store.LoadEdges(ctx)
	if err != nil {
		return nil, err
	}

	order := make(map[string]int, len(hypotheses))
	for i, h := range hypotheses {
		order[h.ID] = i
	}

	uf := newUnionFind()
	for _, h := range hypotheses {
		uf.add(h.ID)
	}
	for _, e := range edges {
		if e.Similarity >= g.cfg.Threshold {
			uf.union(e.A, e.B)
		}
	}

	components := make(map[string][]string)
	for _, h := range hypotheses {
		root := uf.find(h.ID)
		components[root] = append(components[root], h.ID)
	}

	var clusters [][]string
	for _, members := range components {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return order[members[i]] < order[members[j]] })
		clusters = append(clusters, members)
	}
	sort.Slice(clusters, func(i, j int) bool { return order[clusters[i][0]] < order[clusters[j][0]] })
	return clusters, nil
}

// ClusterCount returns the number of connected components over the active
// population, counting singletons. The supervisor watches this for
// exploration stagnation.
func (g *Graph) ClusterCount(ctx context.Context) (int, error) {
	hypotheses, err := g.store.LoadHypotheses(ctx)
	if err != nil {
		return 0, err
	}
	clusters, err := g.Clusters(ctx)
	if err != nil {
		return 0, err
	}
	clustered := 0
	for _, members := range clusters {
		clustered += len(members)
	}
	return len(clusters) + (len(hypotheses) - clustered), nil
}

// MaybePrune runs a prune sweep once every PruneCadence observations.
// Sweeping on every insertion would delete the fresh sub-threshold edges
// that near-duplicate queries read, so sweeps are spaced out the same way
// the tournament spaces fresh-pair injection.
func (g *Graph) MaybePrune(ctx context.Context) (int, error) {
	if g.cfg.PruneCadence <= 0 {
		return 0, nil
	}
	if g.rounds.Add(1)%int64(g.cfg.PruneCadence) != 0 {
		return 0, nil
	}
	return g.Prune(ctx)
}

// Prune removes edges whose similarity has dropped below the clustering
// threshold, reflecting content drift as reviews and evolutions reshape the
// space (R4.1). It returns the number of edges removed.
func (g *Graph) Prune(ctx context.Context) (int, error) {
	pruned := 0
	edges := make(map[string]int64)
	err := g.store.Scan(ctx, memory.KindEdge, func(id string, version int64, body []byte) error {
		edges[id] = version
		return nil
	})
	if err != nil {
		return 0, err
	}

	loaded, err := g.store.LoadEdges(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range loaded {
		if e.Similarity >= g.cfg.Threshold {
			continue
		}
		id := types.EdgeID(e.A, e.B)
		if err := g.store.Delete(ctx, memory.KindEdge, id, edges[id]); err != nil {
			if errors.Is(err, memory.ErrVersionConflict) {
				continue // rewritten concurrently; leave it for the next pass
			}
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		g.log.Info("proximity edges pruned", zap.Int("count", pruned))
	}
	return pruned, nil
}

// Similarity is the deterministic lexical fallback measure: Jaccard overlap
// of lowercased token sets. Identical texts score 1.
func Similarity(a, b string) float64 {
	ta, tb := tokens(a), tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	intersection := 0
	for token := range ta {
		if tb[token] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func tokens(text string) map[string]bool {
	out := make(map[string]bool)
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		out[field] = true
	}
	return out
}

// --- union-find ---

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) add(id string) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id string) string {
	u.add(id)
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
