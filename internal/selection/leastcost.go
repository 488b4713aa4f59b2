package selection

import (
	"math"
	"sort"
	"strings"

	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
)

// LeastCostSelector enumerates simple paths to each target and ranks them by
// a composite cost mixing bandwidth headroom against the class minimums and
// delay, jitter and loss against the class maximums. MaxPaths bounds the
// enumeration per target; 0 means unbounded.
type LeastCostSelector struct {
	MaxPaths int
}

func (l *LeastCostSelector) Name() string { return LeastCostPath }

// pathCost computes CBWp / (CDp * CJp * CLRp) over the links of path. A path
// without enough bandwidth headroom for the class minimum is infeasible and
// costs +Inf, as is one with no measurable delay, jitter or loss to compare
// the maximums against.
func pathCost(snap *topology.Snapshot, hops []string, cos state.CosRecord) float64 {
	ct := math.Inf(1)
	consumed := 0.0
	totalDelay := 0.0
	totalJitter := 0.0
	survival := 1.0
	for i := 1; i < len(hops); i++ {
		link, ok := snap.Link(hops[i-1], hops[i])
		if !ok {
			return math.Inf(1)
		}
		capacity := link.Capacity
		free := link.FreeBandwidth()
		ct = math.Min(ct, capacity)
		consumed += capacity - free
		totalDelay += link.CurrentDelay()
		totalJitter += link.CurrentJitter()
		survival *= 1 - link.CurrentLoss()
	}
	totalLoss := 1 - survival

	if totalDelay <= 0 || totalJitter <= 0 || totalLoss <= 0 {
		return math.Inf(1)
	}
	cd := effMax(cos.MaxDelay) / totalDelay
	cj := effMax(cos.MaxJitter) / totalJitter
	clr := effMax(cos.MaxLossRate) / totalLoss
	headroom := ct - (consumed + cos.MinBandwidth)
	if headroom <= 0 {
		return math.Inf(1)
	}
	cbw := cos.MinBandwidth / headroom
	return cbw / (cd * cj * clr)
}

// simplePaths walks every loop-free route from src to dst in neighbor order,
// stopping after limit paths when limit > 0.
func simplePaths(snap *topology.Snapshot, src, dst string, limit int) [][]string {
	var out [][]string
	visited := map[string]bool{src: true}
	stack := []string{src}

	var walk func(node string)
	walk = func(node string) {
		if limit > 0 && len(out) >= limit {
			return
		}
		if node == dst {
			path := make([]string, len(stack))
			copy(path, stack)
			out = append(out, path)
			return
		}
		for _, nb := range snap.Neighbors(node) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			stack = append(stack, nb)
			walk(nb)
			stack = stack[:len(stack)-1]
			visited[nb] = false
		}
	}
	walk(src)
	return out
}

func (l *LeastCostSelector) Select(snap *topology.Snapshot, src string, targets []string, cos state.CosRecord, weight, strategy string) ([]Path, error) {
	out := make([]Path, 0, len(targets))
	for _, target := range targets {
		if target == src {
			continue
		}
		for _, hops := range simplePaths(snap, src, target, l.MaxPaths) {
			cost := pathCost(snap, hops, cos)
			if math.IsInf(cost, 1) {
				continue
			}
			bw, dl, jt, lr := pathMetrics(snap, hops)
			out = append(out, Path{Hops: hops, Weight: cost, Bandwidths: bw, Delays: dl, Jitters: jt, LossRates: lr})
		}
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
		return strings.Join(out[i].Hops, ",") < strings.Join(out[j].Hops, ",")
	})
	if strategy == StrategyBest {
		return out[:1], nil
	}
	return out, nil
}
