package selection

import (
	"sort"

	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
)

// SimpleNodeSelector keeps hosts whose free CPU, RAM and disk cover the class
// minimums with Threshold of total capacity to spare, ranked by normalized
// free-capacity headroom, ties broken by host ID. The source host never
// serves its own request.
type SimpleNodeSelector struct {
	Threshold float64
}

func (s *SimpleNodeSelector) Name() string { return SimpleNode }

func (s *SimpleNodeSelector) eligible(h topology.Host, cos state.CosRecord, src string) bool {
	return h.ID != src &&
		h.Up &&
		h.FreeCPU()-cos.MinCPU >= h.CPUCount*s.Threshold &&
		h.FreeRAM()-cos.MinRAM >= h.RAMTotal*s.Threshold &&
		h.FreeDisk()-cos.MinDisk >= h.DiskTotal*s.Threshold
}

// headroom is the mean normalized free share across CPU, RAM and disk.
// Dimensions with zero total capacity do not contribute.
func headroom(h topology.Host) float64 {
	var sum float64
	var n int
	if h.CPUCount > 0 {
		sum += h.FreeCPU() / h.CPUCount
		n++
	}
	if h.RAMTotal > 0 {
		sum += h.FreeRAM() / h.RAMTotal
		n++
	}
	if h.DiskTotal > 0 {
		sum += h.FreeDisk() / h.DiskTotal
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *SimpleNodeSelector) Select(snap *topology.Snapshot, cos state.CosRecord, src, strategy string) ([]topology.Host, error) {
	out := make([]topology.Host, 0, 8)
	for _, h := range snap.Hosts() {
		if s.eligible(h, cos, src) {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoEligibleHost
	}
	sort.SliceStable(out, func(i, j int) bool {
		hi, hj := headroom(out[i]), headroom(out[j])
		if hi != hj {
			return hi > hj
		}
		return out[i].ID < out[j].ID
	})
	if strategy == StrategyFirst {
		out = out[:1]
	}
	return out, nil
}
