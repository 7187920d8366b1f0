package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// QueryService runs read-only OpenCypher queries against the graph
// projection. Path and neighbor queries skip alias nodes so merged-away
// entities never show up as distinct results.
type QueryService struct {
	client *Client
	logger ectologger.Logger
}

// NewQueryService creates a new query service
func NewQueryService(client *Client, logger ectologger.Logger) *QueryService {
	return &QueryService{
		client: client,
		logger: logger,
	}
}

// QueryResult represents the result of a graph query
type QueryResult struct {
	Nodes         []NodeResult `json:"nodes,omitempty"`
	Relationships []RelResult  `json:"relationships,omitempty"`
	Rows          []any        `json:"rows,omitempty"`
}

// NodeResult represents a node from query results
type NodeResult struct {
	ID         string         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// RelResult represents a relationship from query results
type RelResult struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	StartNode  string         `json:"start_node"`
	EndNode    string         `json:"end_node"`
	Properties map[string]any `json:"properties"`
}

// ExecuteQuery runs a read-only Cypher query. The tenant id is injected as
// $_tenant_id; queries are expected to scope themselves with it.
func (s *QueryService) ExecuteQuery(ctx context.Context, tenantID string, cypher string, params map[string]any) (*QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.ExecuteQuery")
	defer span.End()

	if params == nil {
		params = make(map[string]any)
	}
	params["_tenant_id"] = tenantID

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}

		col := newResultCollector()
		for result.Next(ctx) {
			record := result.Record()
			row := make(map[string]any, len(record.Keys))
			for _, key := range record.Keys {
				val, _ := record.Get(key)
				row[key] = col.collect(val)
			}
			col.result.Rows = append(col.result.Rows, row)
		}

		return col.result, nil
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("Failed to execute graph query")
		return nil, fmt.Errorf("failed to execute graph query: %w", err)
	}

	return result.(*QueryResult), nil
}

// FindShortestPath finds the shortest live path between two canonical
// entities. Paths through alias or deleted nodes are rejected.
func (s *QueryService) FindShortestPath(ctx context.Context, tenantID string, fromID, toID string, maxHops int) (*QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.FindShortestPath")
	defer span.End()

	if maxHops <= 0 {
		maxHops = 10
	}

	cypher := fmt.Sprintf(`
		MATCH (start {id: $from_id, tenant_id: $_tenant_id})
		MATCH (end {id: $to_id, tenant_id: $_tenant_id})
		MATCH p = shortestPath((start)-[*..%d]-(end))
		WHERE ALL(n IN nodes(p) WHERE n.deleted_at IS NULL AND n.canonical_id IS NULL)
		AND ALL(r IN relationships(p) WHERE r.deleted_at IS NULL)
		RETURN p
	`, maxHops)

	return s.ExecuteQuery(ctx, tenantID, cypher, map[string]any{
		"from_id": fromID,
		"to_id":   toID,
	})
}

// FindNeighbors finds the canonical entities connected within N hops
func (s *QueryService) FindNeighbors(ctx context.Context, tenantID string, entityID string, entityType string, hops int) (*QueryResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.QueryService.FindNeighbors")
	defer span.End()

	if hops <= 0 {
		hops = 1
	}

	cypher := fmt.Sprintf(`
		MATCH (start:%s {id: $id, tenant_id: $_tenant_id})
		MATCH (start)-[r*1..%d]-(neighbor)
		WHERE neighbor.deleted_at IS NULL
		AND neighbor.canonical_id IS NULL
		AND ALL(rel IN r WHERE rel.deleted_at IS NULL)
		RETURN DISTINCT neighbor
	`, sanitizeLabel(entityType), hops)

	return s.ExecuteQuery(ctx, tenantID, cypher, map[string]any{
		"id": entityID,
	})
}

// resultCollector accumulates nodes and relationships encountered while
// walking record values, deduplicating by entity id
type resultCollector struct {
	result    *QueryResult
	seenNodes map[string]bool
	seenRels  map[string]bool
}

func newResultCollector() *resultCollector {
	return &resultCollector{
		result: &QueryResult{
			Nodes:         make([]NodeResult, 0),
			Relationships: make([]RelResult, 0),
			Rows:          make([]any, 0),
		},
		seenNodes: make(map[string]bool),
		seenRels:  make(map[string]bool),
	}
}

// collect converts a neo4j value to a plain Go value, recording any nodes
// and relationships it passes through
func (c *resultCollector) collect(val any) any {
	if val == nil {
		return nil
	}

	switch v := val.(type) {
	case neo4j.Node:
		id := fmt.Sprintf("%v", v.Props["id"])
		if !c.seenNodes[id] {
			c.seenNodes[id] = true
			c.result.Nodes = append(c.result.Nodes, NodeResult{
				ID:         id,
				Labels:     v.Labels,
				Properties: v.Props,
			})
		}
		return id

	case neo4j.Relationship:
		id := fmt.Sprintf("%v", v.Props["id"])
		if !c.seenRels[id] {
			c.seenRels[id] = true
			c.result.Relationships = append(c.result.Relationships, RelResult{
				ID:         id,
				Type:       v.Type,
				Properties: v.Props,
			})
		}
		return id

	case neo4j.Path:
		for _, node := range v.Nodes {
			c.collect(node)
		}
		for _, rel := range v.Relationships {
			c.collect(rel)
		}
		return map[string]any{
			"node_count": len(v.Nodes),
			"rel_count":  len(v.Relationships),
		}

	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = c.collect(item)
		}
		return result

	default:
		return v
	}
}
