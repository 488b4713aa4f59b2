package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/FayzaCH/fog-server/internal/selection"
	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
	"github.com/FayzaCH/fog-server/internal/transport"
	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

type fakeTransport struct {
	mu      sync.Mutex
	reply   func(ctx context.Context, att transport.Attempt) (transport.Delivery, error)
	sends   []transport.Attempt
	cancels []transport.Attempt
	started chan struct{}
}

func newFakeTransport(reply func(ctx context.Context, att transport.Attempt) (transport.Delivery, error)) *fakeTransport {
	return &fakeTransport{reply: reply, started: make(chan struct{}, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, att transport.Attempt) (transport.Delivery, error) {
	f.mu.Lock()
	f.sends = append(f.sends, att)
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}
	return f.reply(ctx, att)
}

func (f *fakeTransport) Cancel(_ context.Context, att transport.Attempt) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, att)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func respondWith(result []byte) func(ctx context.Context, att transport.Attempt) (transport.Delivery, error) {
	return func(_ context.Context, att transport.Attempt) (transport.Delivery, error) {
		now := time.Now().UTC()
		return transport.Delivery{Host: att.Host, Result: result, ReservedAt: now, RespondedAt: now}, nil
	}
}

func neverRespond(ctx context.Context, _ transport.Attempt) (transport.Delivery, error) {
	<-ctx.Done()
	return transport.Delivery{}, ctx.Err()
}

func testTopology() *topology.Store {
	store := topology.NewStore(2)
	store.SetTopology(fogapi.TopologyDefinition{
		Hosts: []fogapi.TopologyHost{
			{ID: "src", IP: "10.0.0.1", Up: true},
			{ID: "h1", IP: "10.0.0.2", Up: true},
			{ID: "h2", IP: "10.0.0.3", Up: true},
		},
		Links: []fogapi.TopologyLink{
			{Src: "src", Dst: "h1", Capacity: 100, Up: true},
			{Src: "src", Dst: "h2", Capacity: 100, Up: true},
		},
	})
	store.Apply(fogapi.TelemetrySnapshot{
		Hosts: map[string]fogapi.HostSample{
			"src": {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
			"h1":  {CPUCount: 4, CPUFree: 4, RAMTotal: 8192, RAMFree: 8192, DiskTotal: 100, DiskFree: 100},
			"h2":  {CPUCount: 4, CPUFree: 2, RAMTotal: 8192, RAMFree: 4096, DiskTotal: 100, DiskFree: 50},
		},
		Links: []fogapi.LinkSample{
			{Src: "src", Dst: "h1", Capacity: 100, Bandwidth: 80, Delay: 5, Jitter: 1, LossRate: 0.01},
			{Src: "src", Dst: "h2", Capacity: 100, Bandwidth: 80, Delay: 9, Jitter: 1, LossRate: 0.01},
		},
	})
	return store
}

func newTestEngine(tr transport.Transport, opts Options) (*Engine, state.Store) {
	store := state.NewMemoryStore()
	_ = store.UpsertCos(context.Background(), state.CosRecord{ID: 1, Name: "best-effort"})
	if opts.QueueBackend == "" {
		opts.QueueBackend = "memory"
	}
	eng := NewEngine(
		store,
		state.NewMemoryQueue(),
		testTopology(),
		selection.NewNodeSelector(selection.SimpleNode, 0),
		selection.NewPathSelector(selection.DijkstraPath, 0),
		tr,
		opts,
	)
	return eng, store
}

func TestDispatchCompletesAndPersistsAttemptResponsePath(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(respondWith([]byte("result")))
	eng, store := newTestEngine(tr, Options{
		Timeout:    time.Second,
		Retries:    3,
		UsePaths:   true,
		PathWeight: selection.DelayWeight,
	})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1, Data: []byte("in")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.State != StateCreated {
		t.Fatalf("submitted request state = %s", req.State)
	}
	if err := eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src}); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _, err := store.GetRequest(ctx, req.ID, req.Src)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.State != StateCompleted {
		t.Fatalf("state = %s, want Completed", got.State)
	}
	if string(got.Result) != "result" {
		t.Fatalf("result = %q", got.Result)
	}
	if got.Host != "h1" {
		t.Fatalf("delay weight should pick h1, got %s", got.Host)
	}
	if got.DresAt.IsZero() {
		t.Fatal("dres_at not recorded")
	}

	atts, err := store.ListAttempts(ctx, req.ID, req.Src)
	if err != nil || len(atts) != 1 {
		t.Fatalf("attempts: %v len=%d", err, len(atts))
	}
	if atts[0].AttemptNo != 1 || atts[0].State != StateCompleted {
		t.Fatalf("attempt row = %+v", atts[0])
	}

	resps, err := store.ListResponses(ctx, req.ID, req.Src)
	if err != nil || len(resps) != 1 {
		t.Fatalf("responses: %v len=%d", err, len(resps))
	}
	if resps[0].Host != "h1" || resps[0].CPU != 4 {
		t.Fatalf("response row = %+v", resps[0])
	}

	paths, err := store.ListPaths(ctx, req.ID, req.Src)
	if err != nil || len(paths) != 1 {
		t.Fatalf("paths: %v len=%d", err, len(paths))
	}
	if paths[0].Path != "src,h1" || paths[0].WeightType != selection.DelayWeight {
		t.Fatalf("path row = %+v", paths[0])
	}
}

func TestDispatchRetriesThenExhausts(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(neverRespond)
	eng, store := newTestEngine(tr, Options{Timeout: 20 * time.Millisecond, Retries: 3})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src}); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _, _ := store.GetRequest(ctx, req.ID, req.Src)
	if got.State != StateRetriesExhausted {
		t.Fatalf("state = %s, want RetriesExhausted", got.State)
	}
	atts, _ := store.ListAttempts(ctx, req.ID, req.Src)
	if len(atts) != 4 {
		t.Fatalf("expected retries+1 = 4 attempts, got %d", len(atts))
	}
	for i, a := range atts {
		if a.AttemptNo != i+1 {
			t.Fatalf("attempt numbers not contiguous: %+v", atts)
		}
		// the last attempt has no retry after it, so it times out
		want := StateRetrying
		if i == len(atts)-1 {
			want = StateTimedOut
		}
		if a.State != want {
			t.Fatalf("attempt %d state = %s, want %s", a.AttemptNo, a.State, want)
		}
	}
	if tr.sendCount() != 4 {
		t.Fatalf("expected 4 sends, got %d", tr.sendCount())
	}

	resps, _ := store.ListResponses(ctx, req.ID, req.Src)
	if len(resps) != 0 {
		t.Fatalf("no responses should be stored, got %d", len(resps))
	}
}

func TestSubmitUnknownCosLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(newFakeTransport(respondWith(nil)), Options{})

	_, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 42})
	if !errors.Is(err, ErrUnknownCos) {
		t.Fatalf("expected ErrUnknownCos, got %v", err)
	}
	rows, err := store.ListRequests(ctx, state.RequestQuery{})
	if err != nil || len(rows) != 0 {
		t.Fatalf("no request row should exist, got %d (%v)", len(rows), err)
	}
}

func TestSubmitDuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	eng, _ := newTestEngine(newFakeTransport(respondWith(nil)), Options{})

	if _, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{ID: "fixed", Src: "src", CosID: 1}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{ID: "fixed", Src: "src", CosID: 1}); !errors.Is(err, state.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestNoEligibleHostIsTerminal(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(respondWith(nil))
	eng, store := newTestEngine(tr, Options{Timeout: time.Second, Retries: 3})
	_ = store.UpsertCos(ctx, state.CosRecord{ID: 9, Name: "impossible", MinCPU: 64})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 9})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src}); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _, _ := store.GetRequest(ctx, req.ID, req.Src)
	if got.State != StateNoEligibleHost {
		t.Fatalf("state = %s, want NoEligibleHost", got.State)
	}
	if tr.sendCount() != 0 {
		t.Fatalf("nothing should be sent, got %d sends", tr.sendCount())
	}
	atts, _ := store.ListAttempts(ctx, req.ID, req.Src)
	if len(atts) != 0 {
		t.Fatalf("no attempt rows expected, got %d", len(atts))
	}
}

func TestCancelInFlightRequest(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(neverRespond)
	eng, store := newTestEngine(tr, Options{Timeout: 10 * time.Second, Retries: 3})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src})
	}()

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}
	ok, err := eng.Cancel(ctx, req.ID, req.Src)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("process: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not return after cancel")
	}

	got, _, _ := store.GetRequest(ctx, req.ID, req.Src)
	if got.State != StateCanceled {
		t.Fatalf("state = %s, want Canceled", got.State)
	}
	tr.mu.Lock()
	cancels := len(tr.cancels)
	tr.mu.Unlock()
	if cancels != 1 {
		t.Fatalf("expected 1 reservation cancel, got %d", cancels)
	}
}

func TestCancelQueuedRequest(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(respondWith(nil))
	eng, store := newTestEngine(tr, Options{})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ok, err := eng.Cancel(ctx, req.ID, req.Src)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	// a later claim must not dispatch the canceled request
	if err := eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if tr.sendCount() != 0 {
		t.Fatalf("canceled request must not be sent, got %d sends", tr.sendCount())
	}
	got, _, _ := store.GetRequest(ctx, req.ID, req.Src)
	if got.State != StateCanceled {
		t.Fatalf("state = %s, want Canceled", got.State)
	}
}

func TestWorkerShutdownLeavesRequestRedeliverable(t *testing.T) {
	tr := newFakeTransport(neverRespond)
	eng, store := newTestEngine(tr, Options{Timeout: 10 * time.Second, Retries: 3})

	req, err := eng.Submit(context.Background(), fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ref := state.RequestRef{ID: req.ID, Src: req.Src}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- eng.Process(ctx, ref)
	}()
	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("process must surface the dead worker context")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("process did not return after worker context died")
	}

	got, _, _ := store.GetRequest(context.Background(), req.ID, req.Src)
	if IsTerminal(got.State) {
		t.Fatalf("state = %s, an interrupted request must stay redeliverable", got.State)
	}

	// redelivery resumes from the stored attempt counter and completes
	tr.reply = respondWith([]byte("after-restart"))
	if err := eng.Process(context.Background(), ref); err != nil {
		t.Fatalf("redelivered process: %v", err)
	}
	got, _, _ = store.GetRequest(context.Background(), req.ID, req.Src)
	if got.State != StateCompleted {
		t.Fatalf("state after redelivery = %s, want Completed", got.State)
	}
	atts, _ := store.ListAttempts(context.Background(), req.ID, req.Src)
	if len(atts) != 2 || atts[1].AttemptNo != 2 || atts[1].State != StateCompleted {
		t.Fatalf("attempts after redelivery = %+v", atts)
	}
}

func TestHostAnswerRecordedForActiveRequest(t *testing.T) {
	ctx := context.Background()
	eng, store := newTestEngine(newFakeTransport(respondWith(nil)), Options{})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	pkt := &transport.Packet{State: transport.HRES, ReqID: req.ID, AttemptNo: 1, HostIP: "10.0.0.3"}
	if err := eng.HandleHostAnswer(ctx, pkt, "10.0.0.3"); err != nil {
		t.Fatalf("host answer: %v", err)
	}
	resps, _ := store.ListResponses(ctx, req.ID, req.Src)
	if len(resps) != 1 || resps[0].Host != "h2" {
		t.Fatalf("answer should resolve 10.0.0.3 to h2, got %+v", resps)
	}

	unknown := &transport.Packet{State: transport.HRES, ReqID: "nope", AttemptNo: 1}
	if err := eng.HandleHostAnswer(ctx, unknown, "10.0.0.9"); err != nil {
		t.Fatalf("unknown request id must be dropped quietly: %v", err)
	}
}

func TestExtraResponseKeptWhileActiveDroppedWhenTerminal(t *testing.T) {
	ctx := context.Background()
	tr := newFakeTransport(respondWith([]byte("r")))
	eng, store := newTestEngine(tr, Options{Timeout: time.Second, Retries: 0})

	req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// while still queued, a second host's answer is kept for diagnostics
	extra := state.ResponseRecord{ReqID: req.ID, Src: req.Src, AttemptNo: 1, Host: "h2", CPU: 2, Timestamp: time.Now().UTC()}
	if err := eng.HandleExtraResponse(ctx, extra); err != nil {
		t.Fatalf("extra response: %v", err)
	}
	resps, _ := store.ListResponses(ctx, req.ID, req.Src)
	if len(resps) != 1 {
		t.Fatalf("extra response should be stored, got %d", len(resps))
	}

	if err := eng.Process(ctx, state.RequestRef{ID: req.ID, Src: req.Src}); err != nil {
		t.Fatalf("process: %v", err)
	}
	late := state.ResponseRecord{ReqID: req.ID, Src: req.Src, AttemptNo: 1, Host: "h3", Timestamp: time.Now().UTC()}
	if err := eng.HandleExtraResponse(ctx, late); err != nil {
		t.Fatalf("late response: %v", err)
	}
	resps, _ = store.ListResponses(ctx, req.ID, req.Src)
	for _, r := range resps {
		if r.Host == "h3" {
			t.Fatal("response after terminal state must be dropped")
		}
	}
}

func TestRunDrainsQueue(t *testing.T) {
	tr := newFakeTransport(respondWith([]byte("ok")))
	eng, store := newTestEngine(tr, Options{Timeout: time.Second, Retries: 0, Workers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var refs []state.RequestRef
	for i := 0; i < 5; i++ {
		req, err := eng.Submit(ctx, fogapi.SubmitRequestRequest{Src: "src", CosID: 1})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		refs = append(refs, state.RequestRef{ID: req.ID, Src: req.Src})
	}

	go eng.Run(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		allDone := true
		for _, ref := range refs {
			got, _, err := store.GetRequest(ctx, ref.ID, ref.Src)
			if err != nil {
				t.Fatalf("get request: %v", err)
			}
			if got.State != StateCompleted {
				allDone = false
			}
		}
		if allDone {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("requests not completed in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
