package memory

import (
	"sort"

	"github.com/first-fluke/cratos/pkg/models"
)

// BuildGraph derives a knowledge-graph view over a batch of memory
// entries: every tag becomes a node, and any two tags that co-occur on
// the same entry gain (or strengthen) an edge between them. Grounded on
// the original implementation's memory graph page (entity nodes,
// weighted co-occurrence edges, entry/entity stats), re-expressed here
// over this repo's existing MemoryMetadata.Tags instead of a separate
// entity-extraction pipeline.
func BuildGraph(entries []*models.MemoryEntry) *models.MemoryGraph {
	nodes := make(map[string]*models.MemoryNode)
	edges := make(map[[2]string]*models.MemoryEdge)

	for _, entry := range entries {
		tags := uniqueSorted(entry.Metadata.Tags)
		for _, tag := range tags {
			node, ok := nodes[tag]
			if !ok {
				node = &models.MemoryNode{
					ID:            tag,
					Label:         tag,
					Kind:          "tag",
					FirstSeenAt:   entry.CreatedAt,
					LastMentionAt: entry.CreatedAt,
				}
				nodes[tag] = node
			}
			node.MentionCount++
			if entry.CreatedAt.Before(node.FirstSeenAt) {
				node.FirstSeenAt = entry.CreatedAt
			}
			if entry.CreatedAt.After(node.LastMentionAt) {
				node.LastMentionAt = entry.CreatedAt
			}
		}

		for i := 0; i < len(tags); i++ {
			for j := i + 1; j < len(tags); j++ {
				key := edgeKey(tags[i], tags[j])
				edge, ok := edges[key]
				if !ok {
					edge = &models.MemoryEdge{Source: key[0], Target: key[1]}
					edges[key] = edge
				}
				edge.Weight++
			}
		}
	}

	graph := &models.MemoryGraph{
		Nodes: make([]*models.MemoryNode, 0, len(nodes)),
		Edges: make([]*models.MemoryEdge, 0, len(edges)),
	}
	for _, n := range nodes {
		graph.Nodes = append(graph.Nodes, n)
	}
	for _, e := range edges {
		graph.Edges = append(graph.Edges, e)
	}
	sort.Slice(graph.Nodes, func(i, j int) bool { return graph.Nodes[i].ID < graph.Nodes[j].ID })
	sort.Slice(graph.Edges, func(i, j int) bool {
		if graph.Edges[i].Source != graph.Edges[j].Source {
			return graph.Edges[i].Source < graph.Edges[j].Source
		}
		return graph.Edges[i].Target < graph.Edges[j].Target
	})
	return graph
}

// GraphStats summarizes a batch of entries without materializing edges.
func GraphStats(entries []*models.MemoryEntry, graph *models.MemoryGraph) *models.MemoryGraphStats {
	return &models.MemoryGraphStats{
		EntryCount:  uint32(len(entries)),
		EntityCount: uint32(len(graph.Nodes)),
	}
}

func uniqueSorted(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func edgeKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}
