package topology

import (
	"sort"
)

// Series is a bounded window of metric samples, newest last.
type Series []float64

func (s Series) Latest() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

func (s Series) Mean() float64 {
	if len(s) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}

func (s Series) push(v float64, max int) Series {
	out := make(Series, 0, max)
	out = append(out, s...)
	out = append(out, v)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Host is one node of the network graph together with its measured
// capacities. Totals are static per reporting interval; the free metrics
// carry a sample window.
type Host struct {
	ID        string
	MAC       string
	IP        string
	Up        bool
	CPUCount  float64
	RAMTotal  float64
	DiskTotal float64
	CPUFree   Series
	RAMFree   Series
	DiskFree  Series
}

func (h Host) FreeCPU() float64  { return h.CPUFree.Latest() }
func (h Host) FreeRAM() float64  { return h.RAMFree.Latest() }
func (h Host) FreeDisk() float64 { return h.DiskFree.Latest() }

// Link is one directed edge with its capacity and measured metric windows.
type Link struct {
	Src       string
	Dst       string
	Capacity  float64
	Bandwidth Series
	Delay     Series
	Jitter    Series
	LossRate  Series
}

// FreeBandwidth smooths over the sample window; the instantaneous probe
// readings are too noisy to rank paths by.
func (l Link) FreeBandwidth() float64 { return l.Bandwidth.Mean() }
func (l Link) CurrentDelay() float64  { return l.Delay.Latest() }
func (l Link) CurrentJitter() float64 { return l.Jitter.Latest() }
func (l Link) CurrentLoss() float64   { return l.LossRate.Latest() }

// Snapshot is an immutable view of the graph. Selection algorithms walk a
// snapshot without further locking; concurrent updates build a new one.
type Snapshot struct {
	hosts map[string]Host
	links map[string]map[string]Link
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		hosts: make(map[string]Host),
		links: make(map[string]map[string]Link),
	}
}

func (s *Snapshot) Host(id string) (Host, bool) {
	h, ok := s.hosts[id]
	return h, ok
}

// Hosts returns all hosts ordered by ID so that walks are deterministic.
func (s *Snapshot) Hosts() []Host {
	out := make([]Host, 0, len(s.hosts))
	for _, h := range s.hosts {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Snapshot) Link(src, dst string) (Link, bool) {
	m, ok := s.links[src]
	if !ok {
		return Link{}, false
	}
	l, ok := m[dst]
	return l, ok
}

// Neighbors returns the IDs reachable over one hop from id, sorted.
func (s *Snapshot) Neighbors(id string) []string {
	m, ok := s.links[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m))
	for dst := range m {
		out = append(out, dst)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) Links() []Link {
	out := make([]Link, 0, 16)
	for _, m := range s.links {
		for _, l := range m {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].Dst < out[j].Dst
	})
	return out
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		hosts: make(map[string]Host, len(s.hosts)),
		links: make(map[string]map[string]Link, len(s.links)),
	}
	for id, h := range s.hosts {
		next.hosts[id] = h
	}
	for src, m := range s.links {
		nm := make(map[string]Link, len(m))
		for dst, l := range m {
			nm[dst] = l
		}
		next.links[src] = nm
	}
	return next
}
