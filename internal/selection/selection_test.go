package selection

import (
	"math"
	"strings"
	"testing"

	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

func buildSnapshot(t *testing.T, hosts map[string]fogapi.HostSample, links []fogapi.LinkSample) *topology.Snapshot {
	t.Helper()
	store := topology.NewStore(2)
	def := fogapi.TopologyDefinition{}
	for id := range hosts {
		def.Hosts = append(def.Hosts, fogapi.TopologyHost{ID: id, Up: true})
	}
	for _, l := range links {
		def.Links = append(def.Links, fogapi.TopologyLink{Src: l.Src, Dst: l.Dst, Capacity: l.Capacity, Up: true})
	}
	store.SetTopology(def)
	store.Apply(fogapi.TelemetrySnapshot{Hosts: hosts, Links: links})
	return store.Snapshot()
}

func TestSimpleSelectorFiltersByClassMinimums(t *testing.T) {
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"src": {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
		"h1":  {CPUCount: 4, CPUFree: 3, RAMTotal: 8192, RAMFree: 6144, DiskTotal: 100, DiskFree: 80},
		"h2":  {CPUCount: 2, CPUFree: 0.5, RAMTotal: 2048, RAMFree: 256, DiskTotal: 50, DiskFree: 5},
	}, nil)

	gold := state.CosRecord{ID: 2, Name: "gold", MinCPU: 2, MinRAM: 4096, MinDisk: 50}
	sel := NewNodeSelector(SimpleNode, 0)

	hosts, err := sel.Select(snap, gold, "src", StrategyAll)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "h1" {
		t.Fatalf("expected only h1 to qualify, got %+v", hosts)
	}

	// Source must never serve its own request even when it qualifies.
	for _, h := range hosts {
		if h.ID == "src" {
			t.Fatal("source host selected")
		}
	}
}

func TestSimpleSelectorNoEligibleHost(t *testing.T) {
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"src": {CPUCount: 4, CPUFree: 4},
		"h1":  {CPUCount: 1, CPUFree: 0.5},
	}, nil)
	heavy := state.CosRecord{ID: 3, MinCPU: 8}
	sel := NewNodeSelector(SimpleNode, 0)
	if _, err := sel.Select(snap, heavy, "src", StrategyAll); err != ErrNoEligibleHost {
		t.Fatalf("expected ErrNoEligibleHost, got %v", err)
	}
}

func TestSimpleSelectorDeterministicRanking(t *testing.T) {
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"src": {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
		"h1":  {CPUCount: 4, CPUFree: 3, RAMTotal: 8192, RAMFree: 6144, DiskTotal: 100, DiskFree: 80},
		"h2":  {CPUCount: 4, CPUFree: 3, RAMTotal: 8192, RAMFree: 6144, DiskTotal: 100, DiskFree: 80},
		"h3":  {CPUCount: 4, CPUFree: 3, RAMTotal: 8192, RAMFree: 6144, DiskTotal: 100, DiskFree: 80},
	}, nil)
	cos := state.CosRecord{ID: 1, MinCPU: 1}
	sel := NewNodeSelector(SimpleNode, 0)

	first, err := sel.Select(snap, cos, "src", StrategyAll)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := sel.Select(snap, cos, "src", StrategyAll)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d hosts, want %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: order changed at %d: %s vs %s", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestSimpleSelectorRanksByHeadroom(t *testing.T) {
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"src":  {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
		"busy": {CPUCount: 4, CPUFree: 1, RAMTotal: 8192, RAMFree: 2048, DiskTotal: 100, DiskFree: 25},
		"idle": {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
	}, nil)
	cos := state.CosRecord{ID: 1, MinCPU: 0.5}
	sel := NewNodeSelector(SimpleNode, 0)

	hosts, err := sel.Select(snap, cos, "src", StrategyAll)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(hosts) != 2 || hosts[0].ID != "idle" || hosts[1].ID != "busy" {
		t.Fatalf("expected idle before busy, got %+v", hosts)
	}

	first, err := sel.Select(snap, cos, "src", StrategyFirst)
	if err != nil {
		t.Fatalf("select first: %v", err)
	}
	if len(first) != 1 || first[0].ID != "idle" {
		t.Fatalf("FIRST should return the best-ranked host, got %+v", first)
	}
}

func TestSimpleSelectorThresholdKeepsHeadroom(t *testing.T) {
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"src": {CPUCount: 4, CPUFree: 4},
		"h1":  {CPUCount: 4, CPUFree: 2.2, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
	}, nil)
	cos := state.CosRecord{ID: 2, MinCPU: 2}

	if _, err := NewNodeSelector(SimpleNode, 0).Select(snap, cos, "src", StrategyAll); err != nil {
		t.Fatalf("zero threshold should accept h1: %v", err)
	}
	if _, err := NewNodeSelector(SimpleNode, 0.1).Select(snap, cos, "src", StrategyAll); err != ErrNoEligibleHost {
		t.Fatalf("0.1 threshold needs 0.4 cpu headroom, got %v", err)
	}
}

func triangleSnapshot(t *testing.T) *topology.Snapshot {
	// a-b delay 10, b-c delay 5, a-c delay 30; both directions.
	links := []fogapi.LinkSample{
		{Src: "a", Dst: "b", Capacity: 100, Bandwidth: 80, Delay: 10, Jitter: 2, LossRate: 0.01},
		{Src: "b", Dst: "a", Capacity: 100, Bandwidth: 80, Delay: 10, Jitter: 2, LossRate: 0.01},
		{Src: "b", Dst: "c", Capacity: 100, Bandwidth: 80, Delay: 5, Jitter: 2, LossRate: 0.01},
		{Src: "c", Dst: "b", Capacity: 100, Bandwidth: 80, Delay: 5, Jitter: 2, LossRate: 0.01},
		{Src: "a", Dst: "c", Capacity: 100, Bandwidth: 80, Delay: 30, Jitter: 2, LossRate: 0.01},
		{Src: "c", Dst: "a", Capacity: 100, Bandwidth: 80, Delay: 30, Jitter: 2, LossRate: 0.01},
	}
	return buildSnapshot(t, map[string]fogapi.HostSample{
		"a": {CPUCount: 4, CPUFree: 4},
		"b": {CPUCount: 4, CPUFree: 4},
		"c": {CPUCount: 4, CPUFree: 4},
	}, links)
}

func TestDijkstraDelayWeightPrefersTwoHops(t *testing.T) {
	snap := triangleSnapshot(t)
	sel := NewPathSelector(DijkstraPath, 0)
	paths, err := sel.Select(snap, "a", []string{"c"}, state.CosRecord{}, DelayWeight, StrategyBest)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got := strings.Join(paths[0].Hops, ",")
	if got != "a,b,c" {
		t.Fatalf("expected a,b,c, got %s", got)
	}
	if paths[0].Weight != 15 {
		t.Fatalf("expected total delay 15, got %v", paths[0].Weight)
	}
}

func TestDijkstraHopWeightPrefersDirectLink(t *testing.T) {
	snap := triangleSnapshot(t)
	sel := NewPathSelector(DijkstraPath, 0)
	paths, err := sel.Select(snap, "a", []string{"c"}, state.CosRecord{}, HopWeight, StrategyBest)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got := strings.Join(paths[0].Hops, ",")
	if got != "a,c" {
		t.Fatalf("expected direct path a,c, got %s", got)
	}
}

func TestDijkstraDelayCutoffYieldsNoPath(t *testing.T) {
	snap := triangleSnapshot(t)
	sel := NewPathSelector(DijkstraPath, 0)
	tight := state.CosRecord{MaxDelay: 10}
	if _, err := sel.Select(snap, "a", []string{"c"}, tight, DelayWeight, StrategyBest); err != ErrNoPathFound {
		t.Fatalf("expected ErrNoPathFound under 10ms delay cap, got %v", err)
	}
}

func TestDijkstraDeterministic(t *testing.T) {
	snap := triangleSnapshot(t)
	sel := NewPathSelector(DijkstraPath, 0)
	var first string
	for i := 0; i < 20; i++ {
		paths, err := sel.Select(snap, "a", []string{"b", "c"}, state.CosRecord{}, DelayWeight, StrategyAll)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		var b strings.Builder
		for _, p := range paths {
			b.WriteString(strings.Join(p.Hops, ","))
			b.WriteString(";")
		}
		if first == "" {
			first = b.String()
		} else if b.String() != first {
			t.Fatalf("non-deterministic ranking: %q vs %q", first, b.String())
		}
	}
}

func TestLeastCostPicksHigherHeadroomPath(t *testing.T) {
	// Direct a-c link is nearly saturated; the b detour has headroom.
	links := []fogapi.LinkSample{
		{Src: "a", Dst: "b", Capacity: 100, Bandwidth: 90, Delay: 10, Jitter: 2, LossRate: 0.01},
		{Src: "b", Dst: "c", Capacity: 100, Bandwidth: 90, Delay: 10, Jitter: 2, LossRate: 0.01},
		{Src: "a", Dst: "c", Capacity: 100, Bandwidth: 5, Delay: 10, Jitter: 2, LossRate: 0.01},
	}
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"a": {}, "b": {}, "c": {},
	}, links)

	cos := state.CosRecord{MinBandwidth: 10, MaxDelay: 100, MaxJitter: 50, MaxLossRate: 0.5}
	sel := NewPathSelector(LeastCostPath, 0)
	paths, err := sel.Select(snap, "a", []string{"c"}, cos, CostWeight, StrategyBest)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	got := strings.Join(paths[0].Hops, ",")
	if got != "a,b,c" {
		t.Fatalf("expected detour a,b,c, got %s", got)
	}
}

func TestLeastCostEqualCostTieFavorsFewerHops(t *testing.T) {
	// Direct a-c and the b detour come out to exactly the same cost: both
	// see 50 consumed of 100 capacity, 20 total delay, 4 total jitter and
	// 0.75 total loss (1 - 0.5*0.5 on the detour).
	links := []fogapi.LinkSample{
		{Src: "a", Dst: "b", Capacity: 100, Bandwidth: 75, Delay: 10, Jitter: 2, LossRate: 0.5},
		{Src: "b", Dst: "c", Capacity: 100, Bandwidth: 75, Delay: 10, Jitter: 2, LossRate: 0.5},
		{Src: "a", Dst: "c", Capacity: 100, Bandwidth: 50, Delay: 20, Jitter: 4, LossRate: 0.75},
	}
	snap := buildSnapshot(t, map[string]fogapi.HostSample{
		"a": {}, "b": {}, "c": {},
	}, links)

	cos := state.CosRecord{MinBandwidth: 10, MaxDelay: 100, MaxJitter: 50, MaxLossRate: 0.8}
	sel := NewPathSelector(LeastCostPath, 0)
	paths, err := sel.Select(snap, "a", []string{"c"}, cos, CostWeight, StrategyAll)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(paths) != 2 || paths[0].Weight != paths[1].Weight {
		t.Fatalf("expected two equal-cost paths, got %+v", paths)
	}
	if got := strings.Join(paths[0].Hops, ","); got != "a,c" {
		t.Fatalf("tie must favor the shorter path, got %s", got)
	}
}

func TestLeastCostInfeasibleBandwidthIsNoPath(t *testing.T) {
	links := []fogapi.LinkSample{
		{Src: "a", Dst: "c", Capacity: 10, Bandwidth: 2, Delay: 10, Jitter: 2, LossRate: 0.01},
	}
	snap := buildSnapshot(t, map[string]fogapi.HostSample{"a": {}, "c": {}}, links)
	cos := state.CosRecord{MinBandwidth: 50, MaxDelay: 100, MaxJitter: 50, MaxLossRate: 0.5}
	sel := NewPathSelector(LeastCostPath, 0)
	if _, err := sel.Select(snap, "a", []string{"c"}, cos, CostWeight, StrategyBest); err != ErrNoPathFound {
		t.Fatalf("expected ErrNoPathFound, got %v", err)
	}
}

func TestLeastCostMaxPathsBoundsEnumeration(t *testing.T) {
	links := []fogapi.LinkSample{
		{Src: "a", Dst: "b", Capacity: 100, Bandwidth: 90, Delay: 1, Jitter: 1, LossRate: 0.01},
		{Src: "a", Dst: "d", Capacity: 100, Bandwidth: 90, Delay: 1, Jitter: 1, LossRate: 0.01},
		{Src: "b", Dst: "c", Capacity: 100, Bandwidth: 90, Delay: 1, Jitter: 1, LossRate: 0.01},
		{Src: "d", Dst: "c", Capacity: 100, Bandwidth: 90, Delay: 1, Jitter: 1, LossRate: 0.01},
	}
	snap := buildSnapshot(t, map[string]fogapi.HostSample{"a": {}, "b": {}, "c": {}, "d": {}}, links)
	cos := state.CosRecord{MinBandwidth: 1, MaxDelay: 100, MaxJitter: 50, MaxLossRate: 0.5}

	sel := &LeastCostSelector{MaxPaths: 1}
	paths, err := sel.Select(snap, "a", []string{"c"}, cos, CostWeight, StrategyAll)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected enumeration capped at 1 path, got %d", len(paths))
	}
}

func TestAggregationHelpers(t *testing.T) {
	delays := []float64{5, 10}
	jitters := []float64{1, 2}
	losses := []float64{0.1, 0.2}
	bws := []float64{40, 25, 60}

	if got := TotalDelay(delays); got != 15 {
		t.Fatalf("TotalDelay = %v", got)
	}
	if got := TotalJitter(jitters); got != 3 {
		t.Fatalf("TotalJitter = %v", got)
	}
	if got := CompositeLoss(losses); math.Abs(got-0.28) > 1e-9 {
		t.Fatalf("CompositeLoss = %v", got)
	}
	if got := BottleneckBandwidth(bws); got != 25 {
		t.Fatalf("BottleneckBandwidth = %v", got)
	}
	if got := BottleneckBandwidth(nil); got != 0 {
		t.Fatalf("BottleneckBandwidth(nil) = %v", got)
	}
}

func TestValidWeight(t *testing.T) {
	cases := []struct {
		algorithm, weight string
		want              bool
	}{
		{DijkstraPath, HopWeight, true},
		{DijkstraPath, DelayWeight, true},
		{DijkstraPath, CostWeight, false},
		{LeastCostPath, CostWeight, true},
		{LeastCostPath, DelayWeight, false},
		{"", HopWeight, true},
	}
	for _, c := range cases {
		if got := ValidWeight(c.algorithm, c.weight); got != c.want {
			t.Fatalf("ValidWeight(%s,%s) = %v", c.algorithm, c.weight, got)
		}
	}
}
