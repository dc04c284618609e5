// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"strings"
	"time"
)

// ProximityEdge links two hypotheses with a similarity score in [0,1].
// Unlike matches, edges are mutable: periodic recomputation rewrites scores
// and prunes edges that fall below the clustering threshold.
// Per prd003-proximity R1.2, R3.1.
type ProximityEdge struct {
	// A and B are the linked hypothesis IDs, stored in lexical order so the
	// pair has a single canonical edge.
	A string `json:"a" yaml:"a"`
	B string `json:"b" yaml:"b"`

	// Similarity is the most recent score for the pair.
	Similarity float64 `json:"similarity" yaml:"similarity"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// EdgeID returns the canonical record ID for the pair (a, b), independent of
// argument order.
func EdgeID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// Touches reports whether the edge involves the given hypothesis.
func (e ProximityEdge) Touches(id string) bool { return e.A == id || e.B == id }

// Other returns the endpoint opposite to id, or "" if id is not an endpoint.
func (e ProximityEdge) Other(id string) string {
	switch id {
	case e.A:
		return e.B
	case e.B:
		return e.A
	}
	return ""
}

// SplitEdgeID recovers the two hypothesis IDs from a canonical edge ID.
func SplitEdgeID(id string) (string, string) {
	a, b, _ := strings.Cut(id, "|")
	return a, b
}
