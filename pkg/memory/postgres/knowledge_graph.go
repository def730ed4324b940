package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// Identifier limits enforced at the adapter boundary. Anything longer is
// rejected before any write happens; descriptions are truncated instead
// because they are display text, not keys.
const (
	maxNodeNameLen    = 100
	maxNodeTypeLen    = 50
	maxDescriptionLen = 1000
)

// KnowledgeGraphImpl is the graph store backed by three node tables and three
// relation tables, all scoped by persona_id. Table names are fixed at
// construction and validated against a plain-identifier pattern; every value
// reaches SQL as a bind parameter.
//
// Obtain one via [Store.Graph] rather than constructing directly.
// All methods are safe for concurrent use.
type KnowledgeGraphImpl struct {
	pool   *pgxpool.Pool
	tables TableNames
	logger *slog.Logger
}

// nodeTable maps a node kind to its physical table.
func (g *KnowledgeGraphImpl) nodeTable(kind memory.GraphNodeKind) (string, error) {
	switch kind {
	case memory.NodeUser:
		return g.tables.User, nil
	case memory.NodeEntity:
		return g.tables.Entity, nil
	case memory.NodeConcept:
		return g.tables.Concept, nil
	}
	return "", &memory.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown node kind %q", kind)}
}

func validateNode(node memory.GraphNode) error {
	if node.PersonaID == "" {
		return &memory.ValidationError{Field: "persona_id", Reason: "must not be empty"}
	}
	if node.Name == "" {
		return &memory.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(node.Name) > maxNodeNameLen {
		return &memory.ValidationError{Field: "name", Reason: fmt.Sprintf("longer than %d bytes", maxNodeNameLen)}
	}
	if len(node.Type) > maxNodeTypeLen {
		return &memory.ValidationError{Field: "type", Reason: fmt.Sprintf("longer than %d bytes", maxNodeTypeLen)}
	}
	return nil
}

func truncateDescription(s string) string {
	if len(s) <= maxDescriptionLen {
		return s
	}
	return s[:maxDescriptionLen]
}

// UpsertNode implements [memory.KnowledgeGraph]. Creating an existing node
// refreshes its type and description (non-empty values win) and updated_at.
func (g *KnowledgeGraphImpl) UpsertNode(ctx context.Context, node memory.GraphNode) error {
	if err := validateNode(node); err != nil {
		return err
	}
	table, err := g.nodeTable(node.Kind)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`
		INSERT INTO %[1]s (persona_id, name, type, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (persona_id, name) DO UPDATE SET
		    type        = CASE WHEN EXCLUDED.type        <> '' THEN EXCLUDED.type        ELSE %[1]s.type        END,
		    description = CASE WHEN EXCLUDED.description <> '' THEN EXCLUDED.description ELSE %[1]s.description END,
		    updated_at  = now()`, table)

	_, err = g.pool.Exec(ctx, q, node.PersonaID, node.Name, node.Type, truncateDescription(node.Description))
	if err != nil {
		return fmt.Errorf("knowledge graph: upsert node: %w", err)
	}
	return nil
}

// UpsertRelation implements [memory.KnowledgeGraph]. Both endpoints are
// created if absent; an unrecognized Kind is downgraded to RELATED_TO with a
// warning log. Repeating an upsert refreshes the edge weight only.
func (g *KnowledgeGraphImpl) UpsertRelation(ctx context.Context, edge memory.GraphEdge) error {
	fromKind, toKind := memory.NodeEntity, memory.NodeEntity
	var table string
	switch edge.Kind {
	case memory.RelMentions:
		table = g.tables.Mentions
		fromKind = memory.NodeUser
	case memory.RelRelatedTo:
		table = g.tables.RelatedTo
	case memory.RelBelongsTo:
		table = g.tables.BelongsTo
		toKind = memory.NodeConcept
	default:
		g.logger.Warn("unknown relation kind, downgrading to RELATED_TO",
			"kind", edge.Kind, "from", edge.From, "to", edge.To)
		table = g.tables.RelatedTo
		edge.Kind = memory.RelRelatedTo
	}

	from := memory.GraphNode{PersonaID: edge.PersonaID, Name: edge.From, Kind: fromKind}
	if err := g.UpsertNode(ctx, from); err != nil {
		return err
	}
	to := memory.GraphNode{PersonaID: edge.PersonaID, Name: edge.To, Kind: toKind}
	if err := g.UpsertNode(ctx, to); err != nil {
		return err
	}

	weight := edge.Weight
	if weight == 0 {
		weight = 1.0
	}

	q := fmt.Sprintf(`
		INSERT INTO %s (persona_id, from_name, to_name, weight)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (persona_id, from_name, to_name) DO UPDATE SET
		    weight = EXCLUDED.weight`, table)

	if _, err := g.pool.Exec(ctx, q, edge.PersonaID, edge.From, edge.To, weight); err != nil {
		return fmt.Errorf("knowledge graph: upsert relation: %w", err)
	}
	return nil
}

// Neighborhood implements [memory.KnowledgeGraph]. It breadth-first expands
// from the named entity up to depth hops, one frontier query per hop, and
// returns every node and edge touched.
func (g *KnowledgeGraphImpl) Neighborhood(ctx context.Context, personaID, entityName string, depth int) (*memory.Subgraph, error) {
	exists, err := g.nodeExists(ctx, g.tables.Entity, personaID, entityName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, memory.ErrNotFound
	}
	if depth < 1 {
		depth = 1
	}

	visited := map[string]bool{entityName: true}
	frontier := []string{entityName}
	seenEdges := map[string]bool{}
	var edges []memory.GraphEdge

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		hopEdges, err := g.edgesTouching(ctx, personaID, frontier)
		if err != nil {
			return nil, err
		}

		var next []string
		for _, e := range hopEdges {
			key := e.Kind + "\x00" + e.From + "\x00" + e.To
			if !seenEdges[key] {
				seenEdges[key] = true
				edges = append(edges, e)
			}
			for _, name := range []string{e.From, e.To} {
				if !visited[name] {
					visited[name] = true
					next = append(next, name)
				}
			}
		}
		frontier = next
	}

	names := make([]string, 0, len(visited))
	for name := range visited {
		names = append(names, name)
	}
	nodes, err := g.nodesByName(ctx, personaID, names)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []memory.GraphEdge{}
	}
	return &memory.Subgraph{Nodes: nodes, Edges: edges}, nil
}

// PersonaGraph implements [memory.KnowledgeGraph]. It returns every node and
// edge of one persona.
func (g *KnowledgeGraphImpl) PersonaGraph(ctx context.Context, personaID string) (*memory.Subgraph, error) {
	nodes, err := g.nodesByName(ctx, personaID, nil)
	if err != nil {
		return nil, err
	}
	edges, err := g.edgesTouching(ctx, personaID, nil)
	if err != nil {
		return nil, err
	}
	if edges == nil {
		edges = []memory.GraphEdge{}
	}
	return &memory.Subgraph{Nodes: nodes, Edges: edges}, nil
}

func (g *KnowledgeGraphImpl) nodeExists(ctx context.Context, table, personaID, name string) (bool, error) {
	q := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE persona_id = $1 AND name = $2)`, table)
	var exists bool
	if err := g.pool.QueryRow(ctx, q, personaID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("knowledge graph: node exists: %w", err)
	}
	return exists, nil
}

// nodesByName fetches nodes of one persona from all three node tables.
// A nil names slice fetches every node of the persona.
func (g *KnowledgeGraphImpl) nodesByName(ctx context.Context, personaID string, names []string) ([]memory.GraphNode, error) {
	var parts []string
	args := []any{personaID}
	nameFilter := ""
	if names != nil {
		args = append(args, names)
		nameFilter = " AND name = ANY($2::text[])"
	}
	for _, t := range []struct {
		table string
		kind  memory.GraphNodeKind
	}{
		{g.tables.User, memory.NodeUser},
		{g.tables.Entity, memory.NodeEntity},
		{g.tables.Concept, memory.NodeConcept},
	} {
		parts = append(parts, fmt.Sprintf(
			`SELECT persona_id, name, '%s' AS kind, type, description, created_at, updated_at
			 FROM %s WHERE persona_id = $1%s`, t.kind, t.table, nameFilter))
	}
	q := strings.Join(parts, "\nUNION ALL\n") + "\nORDER BY name"

	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: fetch nodes: %w", err)
	}
	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.GraphNode, error) {
		var (
			n    memory.GraphNode
			kind string
		)
		if err := row.Scan(&n.PersonaID, &n.Name, &kind, &n.Type, &n.Description, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return memory.GraphNode{}, err
		}
		n.Kind = memory.GraphNodeKind(kind)
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: scan nodes: %w", err)
	}
	if nodes == nil {
		nodes = []memory.GraphNode{}
	}
	return nodes, nil
}

// edgesTouching fetches edges of one persona from all three relation tables.
// A nil names slice fetches every edge; otherwise only edges with at least
// one endpoint in names are returned.
func (g *KnowledgeGraphImpl) edgesTouching(ctx context.Context, personaID string, names []string) ([]memory.GraphEdge, error) {
	var parts []string
	args := []any{personaID}
	nameFilter := ""
	if names != nil {
		args = append(args, names)
		nameFilter = " AND (from_name = ANY($2::text[]) OR to_name = ANY($2::text[]))"
	}
	for _, t := range []struct {
		table string
		kind  string
	}{
		{g.tables.Mentions, memory.RelMentions},
		{g.tables.RelatedTo, memory.RelRelatedTo},
		{g.tables.BelongsTo, memory.RelBelongsTo},
	} {
		parts = append(parts, fmt.Sprintf(
			`SELECT persona_id, from_name, to_name, '%s' AS kind, weight, created_at
			 FROM %s WHERE persona_id = $1%s`, t.kind, t.table, nameFilter))
	}
	q := strings.Join(parts, "\nUNION ALL\n")

	rows, err := g.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: fetch edges: %w", err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.GraphEdge, error) {
		var e memory.GraphEdge
		if err := row.Scan(&e.PersonaID, &e.From, &e.To, &e.Kind, &e.Weight, &e.CreatedAt); err != nil {
			return memory.GraphEdge{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge graph: scan edges: %w", err)
	}
	return edges, nil
}
