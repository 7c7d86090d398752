package features

import (
	"fmt"

	"github.com/dominikbraun/graph"

	"proethica/internal/types"
)

// EntityGraph is the directed graph over a case's published entities:
// decision points to their options via has_option, tension and conflict
// pairs between their endpoints. Entities hold no back-pointers; traversal
// is by query against this graph.
type EntityGraph struct {
	g      graph.Graph[string, string]
	labels map[string]*types.DraftEntity
}

// BuildEntityGraph assembles the graph from published drafts. Relation
// targets are resolved by normalized label within the case.
func BuildEntityGraph(drafts []*types.DraftEntity) *EntityGraph {
	eg := &EntityGraph{
		g:      graph.New(graph.StringHash, graph.Directed()),
		labels: make(map[string]*types.DraftEntity),
	}

	byLabel := make(map[string]string)
	for _, d := range drafts {
		_ = eg.g.AddVertex(d.ID)
		eg.labels[d.ID] = d
		byLabel[types.NormalizeLabel(d.Label)] = d.ID
	}

	for _, d := range drafts {
		for _, rel := range d.Relations {
			target := rel.TargetID
			if target == "" {
				target = byLabel[types.NormalizeLabel(rel.Target)]
			}
			if target == "" {
				continue
			}
			_ = eg.g.AddEdge(d.ID, target, graph.EdgeAttribute("predicate", rel.Predicate))
		}
		if d.Pair != nil {
			first := byLabel[types.NormalizeLabel(d.Pair.First)]
			second := byLabel[types.NormalizeLabel(d.Pair.Second)]
			if first != "" && second != "" {
				_ = eg.g.AddEdge(first, second, graph.EdgeAttribute("predicate", string(d.ConceptType)))
			}
		}
	}

	return eg
}

// Options returns the option entities of a decision point.
func (eg *EntityGraph) Options(pointID string) []*types.DraftEntity {
	adjacency, err := eg.g.AdjacencyMap()
	if err != nil {
		return nil
	}
	var out []*types.DraftEntity
	for target, edge := range adjacency[pointID] {
		if edge.Properties.Attributes["predicate"] != "has_option" {
			continue
		}
		if d, ok := eg.labels[target]; ok && d.ConceptType == types.ConceptDecisionOption {
			out = append(out, d)
		}
	}
	return out
}

// BoardChoice returns the option marked as the board's choice, if any.
func (eg *EntityGraph) BoardChoice(pointID string) *types.DraftEntity {
	for _, option := range eg.Options(pointID) {
		if option.BoardChoice {
			return option
		}
	}
	return nil
}

// ValidateDecisionPoints checks the >=2-options invariant over the published
// drafts, returning one error per violating point.
func ValidateDecisionPoints(drafts []*types.DraftEntity) []error {
	eg := BuildEntityGraph(drafts)

	var problems []error
	for _, d := range drafts {
		if d.ConceptType != types.ConceptDecisionPoint {
			continue
		}
		options := eg.Options(d.ID)
		if len(options) < 2 {
			problems = append(problems, fmt.Errorf("decision point %q has %d options, want >= 2", d.Label, len(options)))
		}
	}
	return problems
}
