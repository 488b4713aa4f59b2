// Package selection picks hosts and network paths that satisfy a class of
// service. Algorithms implement a common interface and are chosen by name at
// runtime.
package selection

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
)

// Node selection algorithms.
const (
	SimpleNode = "SIMPLE"
)

// Path selection algorithms.
const (
	DijkstraPath  = "DIJKSTRA"
	LeastCostPath = "LEASTCOST"
)

// Path weights.
const (
	HopWeight   = "HOP"
	DelayWeight = "DELAY"
	CostWeight  = "COST"
)

// Selection strategies.
const (
	StrategyAll   = "ALL"
	StrategyFirst = "FIRST"
	StrategyBest  = "BEST"
)

var (
	ErrNoEligibleHost = errors.New("no eligible host")
	ErrNoPathFound    = errors.New("no path found")
)

// NodeSelector filters the hosts of a snapshot down to those able to serve a
// request of the given class.
type NodeSelector interface {
	Name() string
	Select(snap *topology.Snapshot, cos state.CosRecord, src, strategy string) ([]topology.Host, error)
}

// Path is one candidate route together with the weight it was ranked by and
// the per-hop metric series sampled at selection time.
type Path struct {
	Hops       []string
	Weight     float64
	Bandwidths []float64
	Delays     []float64
	Jitters    []float64
	LossRates  []float64
}

// Target returns the destination host of the path.
func (p Path) Target() string {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[len(p.Hops)-1]
}

// PathSelector ranks routes from src to the target hosts.
type PathSelector interface {
	Name() string
	Select(snap *topology.Snapshot, src string, targets []string, cos state.CosRecord, weight, strategy string) ([]Path, error)
}

// NewNodeSelector resolves an algorithm by name. Unknown names log a warning
// and fall back to SIMPLE.
func NewNodeSelector(algorithm string, threshold float64) NodeSelector {
	switch algorithm {
	case "", SimpleNode:
		return &SimpleNodeSelector{Threshold: threshold}
	default:
		logrus.WithField("algorithm", algorithm).Warn("unknown node algorithm, defaulting to SIMPLE")
		return &SimpleNodeSelector{Threshold: threshold}
	}
}

// NewPathSelector resolves an algorithm by name, defaulting to DIJKSTRA.
func NewPathSelector(algorithm string, maxPaths int) PathSelector {
	switch algorithm {
	case "", DijkstraPath:
		return &DijkstraSelector{}
	case LeastCostPath:
		return &LeastCostSelector{MaxPaths: maxPaths}
	default:
		logrus.WithField("algorithm", algorithm).Warn("unknown path algorithm, defaulting to DIJKSTRA")
		return &DijkstraSelector{}
	}
}

// ValidWeight reports whether a weight applies to a path algorithm.
func ValidWeight(algorithm, weight string) bool {
	switch algorithm {
	case "", DijkstraPath:
		return weight == "" || weight == HopWeight || weight == DelayWeight
	case LeastCostPath:
		return weight == "" || weight == CostWeight
	default:
		return false
	}
}

// effMax treats an unset maximum threshold as unbounded.
func effMax(v float64) float64 {
	if v <= 0 {
		return math.Inf(1)
	}
	return v
}

func pathMetrics(snap *topology.Snapshot, hops []string) (bandwidths, delays, jitters, lossRates []float64) {
	n := len(hops) - 1
	if n <= 0 {
		return nil, nil, nil, nil
	}
	bandwidths = make([]float64, 0, n)
	delays = make([]float64, 0, n)
	jitters = make([]float64, 0, n)
	lossRates = make([]float64, 0, n)
	for i := 1; i < len(hops); i++ {
		l, _ := snap.Link(hops[i-1], hops[i])
		bandwidths = append(bandwidths, l.FreeBandwidth())
		delays = append(delays, l.CurrentDelay())
		jitters = append(jitters, l.CurrentJitter())
		lossRates = append(lossRates, l.CurrentLoss())
	}
	return bandwidths, delays, jitters, lossRates
}
