package knowledge

import (
	"context"
	"fmt"
	"log"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"proethica/internal/types"
)

// GraphStore publishes case entities to Neo4j.
type GraphStore struct {
	client   *Neo4jClient
	database string
}

// NewGraphStore creates a graph store over an existing client.
func NewGraphStore(client *Neo4jClient, database string) *GraphStore {
	if database == "" {
		database = "neo4j"
	}
	return &GraphStore{client: client, database: database}
}

// PublishCase mirrors a case and its published drafts. Re-publishing is
// idempotent: nodes merge on their ids.
func (gs *GraphStore) PublishCase(ctx context.Context, c *types.Case, drafts []*types.DraftEntity) error {
	_, err := gs.client.ExecuteWrite(ctx, gs.database, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		_, err := tx.Run(ctx, `
			MERGE (c:Case {id: $id})
			SET c.title = $title, c.case_number = $caseNumber, c.year = $year
		`, map[string]interface{}{
			"id":         c.ID,
			"title":      c.Title,
			"caseNumber": c.CaseNumber,
			"year":       c.Year,
		})
		if err != nil {
			return nil, err
		}

		for _, d := range drafts {
			if !d.IsPublished {
				continue
			}
			if err := mergeEntity(ctx, tx, c.ID, d); err != nil {
				return nil, err
			}
		}

		// Relations in a second sweep so both endpoints exist.
		for _, d := range drafts {
			if !d.IsPublished {
				continue
			}
			if err := mergeRelations(ctx, tx, c.ID, d); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish case graph: %w", err)
	}
	log.Printf("Published case %s to knowledge graph", c.ID)
	return nil
}

func mergeEntity(ctx context.Context, tx neo4j.ManagedTransaction, caseID string, d *types.DraftEntity) error {
	_, err := tx.Run(ctx, `
		MATCH (c:Case {id: $caseID})
		MERGE (e:Entity {id: $id})
		SET e.label = $label,
		    e.definition = $definition,
		    e.concept_type = $conceptType,
		    e.kind = $kind,
		    e.class_uri = $classURI,
		    e.match_method = $matchMethod,
		    e.board_choice = $boardChoice
		MERGE (c)-[:HAS_ENTITY]->(e)
	`, map[string]interface{}{
		"caseID":      caseID,
		"id":          d.ID,
		"label":       d.Label,
		"definition":  d.Definition,
		"conceptType": string(d.ConceptType),
		"kind":        string(d.Kind),
		"classURI":    d.MatchedURI,
		"matchMethod": string(d.MatchMethod),
		"boardChoice": d.BoardChoice,
	})
	if err != nil {
		return err
	}

	if d.MatchedURI != "" {
		_, err = tx.Run(ctx, `
			MERGE (cl:OntologyClass {uri: $uri})
			WITH cl
			MATCH (e:Entity {id: $id})
			MERGE (e)-[:INSTANCE_OF]->(cl)
		`, map[string]interface{}{"uri": d.MatchedURI, "id": d.ID})
	}
	return err
}

func mergeRelations(ctx context.Context, tx neo4j.ManagedTransaction, caseID string, d *types.DraftEntity) error {
	for _, rel := range d.Relations {
		predicate := sanitizePredicate(rel.Predicate)
		if rel.TargetID != "" {
			if _, err := tx.Run(ctx, fmt.Sprintf(`
				MATCH (a:Entity {id: $from}), (b:Entity {id: $to})
				MERGE (a)-[:%s]->(b)
			`, predicate), map[string]interface{}{"from": d.ID, "to": rel.TargetID}); err != nil {
				return err
			}
			continue
		}
		// Label-addressed targets resolve within the same case.
		if _, err := tx.Run(ctx, fmt.Sprintf(`
			MATCH (c:Case {id: $caseID})-[:HAS_ENTITY]->(b:Entity)
			WHERE toLower(b.label) = toLower($label)
			MATCH (a:Entity {id: $from})
			MERGE (a)-[:%s]->(b)
		`, predicate), map[string]interface{}{"caseID": caseID, "from": d.ID, "label": rel.Target}); err != nil {
			return err
		}
	}

	if d.Pair != nil {
		predicate := "TENSION_WITH"
		if d.ConceptType == types.ConceptObligationConflict {
			predicate = "CONFLICT_WITH"
		}
		if _, err := tx.Run(ctx, fmt.Sprintf(`
			MATCH (c:Case {id: $caseID})-[:HAS_ENTITY]->(a:Entity)
			WHERE toLower(a.label) = toLower($first)
			MATCH (c)-[:HAS_ENTITY]->(b:Entity)
			WHERE toLower(b.label) = toLower($second)
			MERGE (a)-[:%s {rationale: $rationale}]->(b)
		`, predicate), map[string]interface{}{
			"caseID":    caseID,
			"first":     d.Pair.First,
			"second":    d.Pair.Second,
			"rationale": d.Pair.Rationale,
		}); err != nil {
			return err
		}
	}
	return nil
}

// sanitizePredicate restricts relationship types to safe identifier
// characters; Cypher cannot parameterize relationship types.
func sanitizePredicate(predicate string) string {
	if predicate == "" {
		return "RELATED_TO"
	}
	out := make([]rune, 0, len(predicate))
	for _, r := range predicate {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// RemoveCase drops a case and its entities from the graph.
func (gs *GraphStore) RemoveCase(ctx context.Context, caseID string) error {
	_, err := gs.client.ExecuteWrite(ctx, gs.database, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return tx.Run(ctx, `
			MATCH (c:Case {id: $id})
			OPTIONAL MATCH (c)-[:HAS_ENTITY]->(e:Entity)
			DETACH DELETE c, e
		`, map[string]interface{}{"id": caseID})
	})
	if err != nil {
		return fmt.Errorf("failed to remove case graph: %w", err)
	}
	return nil
}
