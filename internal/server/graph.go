package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mnemohq/mnemo/pkg/memory"
)

// graphNodeJSON and graphEdgeJSON are the wire representations of the
// knowledge graph.
type graphNodeJSON struct {
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Type        string    `json:"type,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type graphEdgeJSON struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Kind   string  `json:"kind"`
	Weight float64 `json:"weight"`
}

func toSubgraphJSON(sg *memory.Subgraph) map[string]any {
	nodes := make([]graphNodeJSON, 0, len(sg.Nodes))
	for _, n := range sg.Nodes {
		nodes = append(nodes, graphNodeJSON{
			Name:        n.Name,
			Kind:        string(n.Kind),
			Type:        n.Type,
			Description: n.Description,
			CreatedAt:   n.CreatedAt,
			UpdatedAt:   n.UpdatedAt,
		})
	}
	edges := make([]graphEdgeJSON, 0, len(sg.Edges))
	for _, e := range sg.Edges {
		edges = append(edges, graphEdgeJSON{
			From:   e.From,
			To:     e.To,
			Kind:   e.Kind,
			Weight: e.Weight,
		})
	}
	return map[string]any{"nodes": nodes, "edges": edges}
}

// handleGraph serves GET /v1/graph?persona_id=…[&entity=…&depth=…]: the whole
// persona graph, or the k-hop neighborhood of a focus entity.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	personaID := q.Get("persona_id")
	if personaID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "persona_id query parameter is required")
		return
	}

	graph := s.manager.Graph()

	if entity := q.Get("entity"); entity != "" {
		depth := 2
		if v := q.Get("depth"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "invalid_request_error", "depth must be a positive integer")
				return
			}
			depth = n
		}
		sg, err := graph.Neighborhood(r.Context(), personaID, entity, depth)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSubgraphJSON(sg))
		return
	}

	sg, err := graph.PersonaGraph(r.Context(), personaID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSubgraphJSON(sg))
}
