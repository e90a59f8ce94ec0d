package strategy

import (
	"github.com/RyanCarrier/dijkstra"

	"github.com/trumanellis/indras-dtn/identity"
	"github.com/trumanellis/indras-dtn/topology"
)

// RankByHopDistance computes shortest-path hop distance from every
// candidate to dest over the topology oracle's neighbor graph, returning a
// map of only the candidates a path was found for. dijkstra needs integer
// vertex ids, so every peer the oracle currently knows about is given a
// temporary index for the duration of this call.
func RankByHopDistance(o topology.Oracle, dest identity.PeerIdentity, candidates []identity.PeerIdentity) map[identity.PeerIdentity]int64 {
	peers := o.Peers()

	nodeIndex := make(map[identity.PeerIdentity]int, len(peers)+1)
	indexNode := make([]identity.PeerIdentity, 0, len(peers)+1)

	indexOf := func(p identity.PeerIdentity) int {
		if i, ok := nodeIndex[p]; ok {
			return i
		}
		i := len(indexNode)
		nodeIndex[p] = i
		indexNode = append(indexNode, p)
		return i
	}

	destIdx := indexOf(dest)
	for _, p := range peers {
		indexOf(p)
	}
	for _, c := range candidates {
		indexOf(c)
	}

	graph := dijkstra.NewGraph()
	for i := range indexNode {
		graph.AddVertex(i)
	}
	for _, p := range peers {
		for _, n := range o.Neighbors(p) {
			_ = graph.AddArc(indexOf(p), indexOf(n), 1)
		}
	}

	out := make(map[identity.PeerIdentity]int64, len(candidates))
	for _, c := range candidates {
		shortest, err := graph.Shortest(indexOf(c), destIdx)
		if err != nil {
			continue
		}
		out[c] = shortest.Distance
	}
	return out
}
