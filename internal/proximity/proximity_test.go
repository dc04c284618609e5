// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package proximity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pdiddy/hypothesis-engine/internal/memory"
	"github.com/pdiddy/hypothesis-engine/pkg/types"
)

// --- test helpers ---

func testGraph(t *testing.T, threshold float64) (*Graph, *memory.Store) {
	t.Helper()
	store, err := memory.Open(types.MemoryConfig{Path: filepath.Join(t.TempDir(), "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := types.ProximityConfig{Threshold: threshold, CandidateBound: 12}
	return NewGraph(store, cfg, zap.NewNop()), store
}

func addHypothesis(t *testing.T, store *memory.Store, id, content string) {
	t.Helper()
	h := types.Hypothesis{
		ID:        id,
		GoalID:    "goal-1",
		Title:     id,
		Content:   content,
		Status:    types.HypothesisActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := store.Put(context.Background(), memory.KindHypothesis, id, h, 0)
	require.NoError(t, err)
}

func TestSimilarityMeasure(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("gut microbiome drives response", "gut microbiome drives response"))
	assert.Equal(t, 0.0, Similarity("alpha beta", "gamma delta"))
	assert.InDelta(t, 1.0/3, Similarity("alpha beta", "alpha gamma"), 1e-9)
	assert.Equal(t, 0.0, Similarity("", "anything"))
}

func TestIdenticalHypothesesShareACluster(t *testing.T) {
	g, store := testGraph(t, 0.75)
	ctx := context.Background()

	content := "targeting the gut microbiome modulates immunotherapy response"
	addHypothesis(t, store, "h1", content)
	addHypothesis(t, store, "h2", content)
	addHypothesis(t, store, "h3", "a completely different proposal about superconductors")

	for _, id := range []string{"h1", "h2", "h3"} {
		_, err := g.Observe(ctx, id, nil)
		require.NoError(t, err)
	}

	cluster, err := g.ClusterOf(ctx, "h1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, cluster)

	cluster, err = g.ClusterOf(ctx, "h3")
	require.NoError(t, err)
	assert.Equal(t, []string{"h3"}, cluster, "unrelated hypothesis is a singleton")
}

func TestMaxThresholdYieldsSingletons(t *testing.T) {
	// At threshold 1.0 only textually identical hypotheses can share a
	// cluster; everything else is a singleton.
	g, store := testGraph(t, 1.0)
	ctx := context.Background()

	addHypothesis(t, store, "h1", "proposal about protein folding kinetics")
	addHypothesis(t, store, "h2", "proposal about protein folding dynamics")
	addHypothesis(t, store, "h3", "proposal about ocean carbon capture")

	for _, id := range []string{"h1", "h2", "h3"} {
		_, err := g.Observe(ctx, id, nil)
		require.NoError(t, err)
	}

	for _, id := range []string{"h1", "h2", "h3"} {
		cluster, err := g.ClusterOf(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []string{id}, cluster)
	}

	count, err := g.ClusterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestAgentScoresOverrideLexicalFallback(t *testing.T) {
	g, store := testGraph(t, 0.75)
	ctx := context.Background()

	// Lexically distant but conceptually near-identical per the agent.
	addHypothesis(t, store, "h1", "CRISPR knockout of PCSK9 lowers LDL")
	addHypothesis(t, store, "h2", "base editing the proprotein convertase gene reduces cholesterol")

	_, err := g.Observe(ctx, "h1", nil)
	require.NoError(t, err)
	_, err = g.Observe(ctx, "h2", map[string]float64{"h1": 0.92})
	require.NoError(t, err)

	cluster, err := g.ClusterOf(ctx, "h2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"h1", "h2"}, cluster)

	near, err := g.NearDuplicatesOf(ctx, "h2", 0.9)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "h1", near[0].HypothesisID)
	assert.InDelta(t, 0.92, near[0].Similarity, 1e-9)
}

func TestNearDuplicatesOrderedBySimilarity(t *testing.T) {
	g, store := testGraph(t, 0.5)
	ctx := context.Background()

	addHypothesis(t, store, "base", "x")
	addHypothesis(t, store, "close", "y")
	addHypothesis(t, store, "closer", "z")

	_, err := g.Observe(ctx, "base", nil)
	require.NoError(t, err)
	_, err = g.Observe(ctx, "close", map[string]float64{"base": 0.6})
	require.NoError(t, err)
	_, err = g.Observe(ctx, "closer", map[string]float64{"base": 0.8, "close": 0.2})
	require.NoError(t, err)

	near, err := g.NearDuplicatesOf(ctx, "base", 0.5)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "closer", near[0].HypothesisID)
	assert.Equal(t, "close", near[1].HypothesisID)
}

func TestPruneDropsSubThresholdEdges(t *testing.T) {
	g, store := testGraph(t, 0.75)
	ctx := context.Background()

	addHypothesis(t, store, "h1", "a")
	addHypothesis(t, store, "h2", "b")
	addHypothesis(t, store, "h3", "c")

	_, err := g.Observe(ctx, "h2", map[string]float64{"h1": 0.9})
	require.NoError(t, err)
	_, err = g.Observe(ctx, "h3", map[string]float64{"h1": 0.3})
	require.NoError(t, err)

	edges, err := store.LoadEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 2)

	pruned, err := g.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	edges, err = store.LoadEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, types.EdgeID("h1", "h2"), types.EdgeID(edges[0].A, edges[0].B))
}

func TestMaybePruneRunsOnCadence(t *testing.T) {
	g, store := testGraph(t, 0.75)
	g.cfg.PruneCadence = 3
	ctx := context.Background()

	addHypothesis(t, store, "h1", "a")
	addHypothesis(t, store, "h2", "b")
	_, err := g.Observe(ctx, "h2", map[string]float64{"h1": 0.4})
	require.NoError(t, err)

	// Sub-threshold edges survive between sweeps, so near-duplicate
	// queries below the clustering threshold keep working.
	for round := 0; round < 2; round++ {
		pruned, err := g.MaybePrune(ctx)
		require.NoError(t, err)
		assert.Zero(t, pruned)
	}
	near, err := g.NearDuplicatesOf(ctx, "h2", 0.3)
	require.NoError(t, err)
	require.Len(t, near, 1)

	pruned, err := g.MaybePrune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	edges, err := store.LoadEdges(ctx)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestObserveRespectsCandidateBound(t *testing.T) {
	g, store := testGraph(t, 0.75)
	g.cfg.CandidateBound = 3
	ctx := context.Background()

	content := "identical content everywhere"
	for _, id := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		addHypothesis(t, store, id, content)
	}

	written, err := g.Observe(ctx, "h6", nil)
	require.NoError(t, err)
	assert.LessOrEqual(t, written, 3, "per-insertion cost must stay bounded")
}

func TestObserveUnknownHypothesis(t *testing.T) {
	g, _ := testGraph(t, 0.75)
	_, err := g.Observe(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestObserveRescoresExistingEdge(t *testing.T) {
	g, store := testGraph(t, 0.75)
	ctx := context.Background()

	addHypothesis(t, store, "h1", "a")
	addHypothesis(t, store, "h2", "b")

	_, err := g.Observe(ctx, "h2", map[string]float64{"h1": 0.8})
	require.NoError(t, err)
	_, err = g.Observe(ctx, "h2", map[string]float64{"h1": 0.4})
	require.NoError(t, err)

	edges, err := store.LoadEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1, "recomputation rewrites the edge, not a second one")
	assert.InDelta(t, 0.4, edges[0].Similarity, 1e-9)
}
