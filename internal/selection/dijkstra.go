package selection

import (
	"container/heap"
	"math"
	"sort"

	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
)

// DijkstraSelector ranks targets by shortest path from the source. HOP weight
// treats every link as 1; DELAY weight uses the measured link delay and
// prunes paths whose total delay exceeds the class maximum.
type DijkstraSelector struct{}

func (d *DijkstraSelector) Name() string { return DijkstraPath }

type dijkstraItem struct {
	node string
	dist float64
	hops int
}

type dijkstraHeap []dijkstraItem

func (h dijkstraHeap) Len() int { return len(h) }
func (h dijkstraHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	if h[i].hops != h[j].hops {
		return h[i].hops < h[j].hops
	}
	return h[i].node < h[j].node
}
func (h dijkstraHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *dijkstraHeap) Push(x any)   { *h = append(*h, x.(dijkstraItem)) }
func (h *dijkstraHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// shortestPaths runs Dijkstra from src over the whole snapshot. Ties on
// distance settle on fewer hops, then on the lexicographically smaller
// predecessor, so reruns over an unchanged snapshot give identical paths.
func shortestPaths(snap *topology.Snapshot, src string, weightOf func(topology.Link) float64, cutoff float64) (map[string]float64, map[string]string) {
	dist := map[string]float64{src: 0}
	hops := map[string]int{src: 0}
	prev := map[string]string{}
	done := map[string]bool{}

	h := &dijkstraHeap{{node: src}}
	heap.Init(h)
	for h.Len() > 0 {
		cur := heap.Pop(h).(dijkstraItem)
		if done[cur.node] {
			continue
		}
		done[cur.node] = true
		for _, nb := range snap.Neighbors(cur.node) {
			link, _ := snap.Link(cur.node, nb)
			w := weightOf(link)
			if w < 0 {
				w = 0
			}
			nd := cur.dist + w
			if nd > cutoff {
				continue
			}
			nh := cur.hops + 1
			old, seen := dist[nb]
			better := !seen || nd < old
			if seen && nd == old {
				if nh < hops[nb] || (nh == hops[nb] && cur.node < prev[nb]) {
					better = true
				}
			}
			if better {
				dist[nb] = nd
				hops[nb] = nh
				prev[nb] = cur.node
				heap.Push(h, dijkstraItem{node: nb, dist: nd, hops: nh})
			}
		}
	}
	return dist, prev
}

func reconstruct(prev map[string]string, src, dst string) []string {
	path := []string{dst}
	for path[0] != src {
		p, ok := prev[path[0]]
		if !ok {
			return nil
		}
		path = append([]string{p}, path...)
	}
	return path
}

func (d *DijkstraSelector) Select(snap *topology.Snapshot, src string, targets []string, cos state.CosRecord, weight, strategy string) ([]Path, error) {
	weightOf := func(topology.Link) float64 { return 1 }
	cutoff := math.Inf(1)
	if weight == DelayWeight {
		weightOf = func(l topology.Link) float64 { return l.CurrentDelay() }
		cutoff = effMax(cos.MaxDelay)
	}

	dist, prev := shortestPaths(snap, src, weightOf, cutoff)

	out := make([]Path, 0, len(targets))
	for _, target := range targets {
		w, ok := dist[target]
		if !ok || target == src {
			continue
		}
		hops := reconstruct(prev, src, target)
		if hops == nil {
			continue
		}
		bw, dl, jt, lr := pathMetrics(snap, hops)
		out = append(out, Path{Hops: hops, Weight: w, Bandwidths: bw, Delays: dl, Jitters: jt, LossRates: lr})
	}
	if len(out) == 0 {
		return nil, ErrNoPathFound
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight < out[j].Weight
		}
		if len(out[i].Hops) != len(out[j].Hops) {
			return len(out[i].Hops) < len(out[j].Hops)
		}
		return out[i].Target() < out[j].Target()
	})
	if strategy == StrategyBest {
		return out[:1], nil
	}
	return out, nil
}
