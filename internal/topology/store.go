package topology

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/FayzaCH/fog-server/internal/observability"
	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

const minSampleWindow = 2

// Store holds the live graph. Readers take a Snapshot and never block
// writers; each Apply or SetTopology publishes a fresh copy.
type Store struct {
	mu         sync.Mutex
	current    atomic.Value
	maxSamples int
	updatedAt  time.Time
}

func NewStore(maxSamples int) *Store {
	if maxSamples < minSampleWindow {
		maxSamples = minSampleWindow
	}
	s := &Store{maxSamples: maxSamples}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current immutable view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load().(*Snapshot)
}

func (s *Store) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// SetTopology replaces the graph structure, keeping sample windows of
// hosts and links that survive the change.
func (s *Store) SetTopology(def fogapi.TopologyDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.Snapshot()
	next := emptySnapshot()
	for _, h := range def.Hosts {
		host := Host{ID: h.ID, MAC: h.MAC, IP: h.IP, Up: h.Up}
		if old, ok := prev.hosts[h.ID]; ok {
			host.CPUCount = old.CPUCount
			host.RAMTotal = old.RAMTotal
			host.DiskTotal = old.DiskTotal
			host.CPUFree = old.CPUFree
			host.RAMFree = old.RAMFree
			host.DiskFree = old.DiskFree
		}
		next.hosts[h.ID] = host
	}
	for _, l := range def.Links {
		if !l.Up {
			continue
		}
		link := Link{Src: l.Src, Dst: l.Dst, Capacity: l.Capacity}
		if old, ok := prev.Link(l.Src, l.Dst); ok {
			if link.Capacity == 0 {
				link.Capacity = old.Capacity
			}
			link.Bandwidth = old.Bandwidth
			link.Delay = old.Delay
			link.Jitter = old.Jitter
			link.LossRate = old.LossRate
		}
		if next.links[l.Src] == nil {
			next.links[l.Src] = make(map[string]Link)
		}
		next.links[l.Src][l.Dst] = link
	}
	s.publish(next)
}

// Apply folds one telemetry report into the graph. Hosts and links not
// mentioned keep their previous windows; samples for hosts or links that
// were never declared via SetTopology are dropped.
func (s *Store) Apply(ts fogapi.TelemetrySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Snapshot().clone()
	for id, sample := range ts.Hosts {
		host, ok := next.hosts[id]
		if !ok {
			continue
		}
		host.CPUCount = sample.CPUCount
		host.RAMTotal = sample.RAMTotal
		host.DiskTotal = sample.DiskTotal
		host.CPUFree = host.CPUFree.push(sample.CPUFree, s.maxSamples)
		host.RAMFree = host.RAMFree.push(sample.RAMFree, s.maxSamples)
		host.DiskFree = host.DiskFree.push(sample.DiskFree, s.maxSamples)
		next.hosts[id] = host
	}
	for _, sample := range ts.Links {
		link, ok := next.Link(sample.Src, sample.Dst)
		if !ok {
			continue
		}
		if sample.Capacity > 0 {
			link.Capacity = sample.Capacity
		}
		link.Bandwidth = link.Bandwidth.push(sample.Bandwidth, s.maxSamples)
		link.Delay = link.Delay.push(sample.Delay, s.maxSamples)
		link.Jitter = link.Jitter.push(sample.Jitter, s.maxSamples)
		link.LossRate = link.LossRate.push(sample.LossRate, s.maxSamples)
		if next.links[sample.Src] == nil {
			next.links[sample.Src] = make(map[string]Link)
		}
		next.links[sample.Src][sample.Dst] = link
	}
	s.publish(next)
}

// SetHostUp flips liveness without touching metric windows.
func (s *Store) SetHostUp(id string, up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Snapshot().clone()
	host, ok := next.hosts[id]
	if !ok {
		return
	}
	host.Up = up
	next.hosts[id] = host
	s.publish(next)
}

func (s *Store) publish(next *Snapshot) {
	s.current.Store(next)
	s.updatedAt = time.Now().UTC()
	up := 0
	for _, h := range next.hosts {
		if h.Up {
			up++
		}
	}
	observability.Default.SetGauge("topology_hosts", map[string]string{"state": "up"}, float64(up))
	observability.Default.SetGauge("topology_hosts", map[string]string{"state": "down"}, float64(len(next.hosts)-up))
}
