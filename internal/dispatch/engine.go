// Package dispatch runs the request lifecycle: queueing submitted requests,
// selecting a host and path for each attempt, driving the exchange with the
// host and recording every attempt, response and path taken.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FayzaCH/fog-server/internal/observability"
	"github.com/FayzaCH/fog-server/internal/selection"
	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
	"github.com/FayzaCH/fog-server/internal/transport"
	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

// Request lifecycle states. Terminal failure states carry the failure code
// directly, so the reason a request failed is readable from the stored row.
// TimedOut marks attempt rows only: the last attempt to expire when no
// retry follows it.
const (
	StateCreated          = "Created"
	StateDispatching      = "Dispatching"
	StateAwaitingResponse = "AwaitingResponse"
	StateRetrying         = "Retrying"
	StateTimedOut         = "TimedOut"
	StateCompleted        = "Completed"
	StateNoEligibleHost   = "NoEligibleHost"
	StateNoPathFound      = "NoPathFound"
	StateRetriesExhausted = "RetriesExhausted"
	StateCanceled         = "Canceled"
)

var ErrUnknownCos = errors.New("unknown cos")

func IsTerminal(s string) bool {
	switch s {
	case StateCompleted, StateNoEligibleHost, StateNoPathFound, StateRetriesExhausted, StateCanceled:
		return true
	}
	return false
}

type Options struct {
	Timeout           time.Duration
	Retries           int
	Workers           int
	VisibilityTimeout time.Duration
	QueueBackend      string
	PathWeight        string
	UsePaths          bool
}

type Engine struct {
	store     state.Store
	queue     state.Queue
	topo      *topology.Store
	nodes     selection.NodeSelector
	paths     selection.PathSelector
	transport transport.Transport

	timeout           time.Duration
	retries           int
	workers           int
	visibilityTimeout time.Duration
	queueBackend      string
	pathWeight        string
	usePaths          bool

	mu      sync.Mutex
	cancels map[state.RequestRef]context.CancelFunc
}

func NewEngine(store state.Store, queue state.Queue, topo *topology.Store, nodes selection.NodeSelector, paths selection.PathSelector, tr transport.Transport, opts Options) *Engine {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = time.Duration(retries+1)*timeout + 15*time.Second
	}
	queueBackend := opts.QueueBackend
	if queueBackend == "" {
		queueBackend = "unknown"
	}
	return &Engine{
		store:             store,
		queue:             queue,
		topo:              topo,
		nodes:             nodes,
		paths:             paths,
		transport:         tr,
		timeout:           timeout,
		retries:           retries,
		workers:           workers,
		visibilityTimeout: visibility,
		queueBackend:      queueBackend,
		pathWeight:        opts.PathWeight,
		usePaths:          opts.UsePaths,
		cancels:           make(map[state.RequestRef]context.CancelFunc),
	}
}

// Submit validates and persists a new request and puts it on the queue.
func (e *Engine) Submit(ctx context.Context, in fogapi.SubmitRequestRequest) (state.RequestRecord, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.submit",
		attribute.String("request.src", in.Src),
		attribute.Int64("cos.id", in.CosID))
	defer span.End()

	if in.Src == "" {
		return state.RequestRecord{}, errors.New("src is required")
	}
	cosID := in.CosID
	if cosID == 0 {
		cosID = 1
	}
	_, found, err := e.store.GetCos(ctx, cosID)
	if err != nil {
		return state.RequestRecord{}, err
	}
	if !found {
		return state.RequestRecord{}, fmt.Errorf("%w: %d", ErrUnknownCos, cosID)
	}

	id := in.ID
	if id == "" {
		id = newRequestID()
	}
	req := state.RequestRecord{
		ID:    id,
		Src:   in.Src,
		CosID: cosID,
		Data:  in.Data,
		State: StateCreated,
	}
	if err := e.store.CreateRequest(ctx, req); err != nil {
		return state.RequestRecord{}, err
	}
	if err := e.queue.Enqueue(ctx, state.RequestRef{ID: id, Src: in.Src}); err != nil {
		return state.RequestRecord{}, err
	}
	observability.Default.IncCounter("dispatch_submitted_total", map[string]string{"queue_backend": e.queueBackend}, 1)
	logrus.WithFields(logrus.Fields{"req_id": id, "src": in.Src, "cos_id": cosID}).Info("request submitted")
	return req, nil
}

// newRequestID fits the protocol's fixed-width request ID field.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:transport.ReqIDLen]
}

// Run claims requests and dispatches them until ctx is done. Each claimed
// request is processed by one worker; attempts within a request stay
// sequential.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("dispatcher-%d", i)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, consumer)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.janitorLoop(ctx)
	}()
	wg.Wait()
}

func (e *Engine) workerLoop(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}
		claims, err := e.queue.Claim(ctx, 1, consumer, e.visibilityTimeout)
		if err != nil {
			logrus.WithError(err).WithField("consumer", consumer).Warn("queue claim failed")
		}
		if len(claims) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		claim := claims[0]
		if err := e.Process(ctx, claim.Ref); err != nil {
			if ctx.Err() != nil {
				// shutdown: the unacked claim expires and is redelivered
				return
			}
			logrus.WithError(err).WithFields(logrus.Fields{"req_id": claim.Ref.ID, "src": claim.Ref.Src}).Error("dispatch failed")
			if err := e.queue.Nack(ctx, []state.QueueClaim{claim}, "error"); err != nil {
				logrus.WithError(err).Warn("queue nack failed")
			}
			continue
		}
		if err := e.queue.Ack(ctx, []state.QueueClaim{claim}); err != nil {
			logrus.WithError(err).Warn("queue ack failed")
		}
	}
}

func (e *Engine) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := e.queue.RequeueExpired(ctx, now.UTC(), 100); err != nil {
				logrus.WithError(err).Warn("requeue expired claims failed")
			}
		}
	}
}

// Process runs the attempt loop for one request. It returns an error only
// for infrastructure failures; selection and timeout outcomes end in a
// terminal request state instead.
func (e *Engine) Process(ctx context.Context, ref state.RequestRef) error {
	ctx, span := observability.StartSpan(ctx, "dispatch.process",
		attribute.String("request.id", ref.ID),
		attribute.String("request.src", ref.Src))
	defer span.End()

	req, found, err := e.store.GetRequest(ctx, ref.ID, ref.Src)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("request %s/%s not found", ref.ID, ref.Src)
	}
	if IsTerminal(req.State) {
		return nil
	}
	cos, found, err := e.store.GetCos(ctx, req.CosID)
	if err != nil {
		return err
	}
	if !found {
		return e.finish(ctx, req, StateNoEligibleHost)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(ref, cancel)
	defer e.unregisterCancel(ref)

	log := logrus.WithFields(logrus.Fields{"req_id": req.ID, "src": req.Src, "cos": cos.Name})

	for attemptNo := req.Attempt + 1; attemptNo <= e.retries+1; attemptNo++ {
		if reqCtx.Err() != nil {
			if ctx.Err() != nil {
				// worker shutdown, not a client cancel: leave the request
				// non-terminal so the expired claim is redelivered
				return ctx.Err()
			}
			return e.finish(ctx, req, StateCanceled)
		}

		req.State = StateDispatching
		req.Attempt = attemptNo
		if err := e.store.UpdateRequest(ctx, req); err != nil {
			return err
		}

		snap := e.topo.Snapshot()
		started := time.Now()
		hosts, err := e.nodes.Select(snap, cos, req.Src, selection.StrategyAll)
		if errors.Is(err, selection.ErrNoEligibleHost) {
			log.Warn("no eligible host")
			return e.finish(ctx, req, StateNoEligibleHost)
		}
		if err != nil {
			return err
		}

		var chosen topology.Host
		var path selection.Path
		if e.usePaths {
			targets := make([]string, 0, len(hosts))
			byID := make(map[string]topology.Host, len(hosts))
			for _, h := range hosts {
				targets = append(targets, h.ID)
				byID[h.ID] = h
			}
			ranked, err := e.paths.Select(snap, req.Src, targets, cos, e.pathWeight, selection.StrategyBest)
			if errors.Is(err, selection.ErrNoPathFound) {
				log.Warn("no path found")
				return e.finish(ctx, req, StateNoPathFound)
			}
			if err != nil {
				return err
			}
			path = ranked[0]
			chosen = byID[path.Target()]
		} else {
			chosen = hosts[0]
		}
		algoTime := time.Since(started).Seconds()

		hreqAt := time.Now().UTC()
		att := state.AttemptRecord{
			ReqID:     req.ID,
			Src:       req.Src,
			AttemptNo: attemptNo,
			Host:      chosen.ID,
			Path:      strings.Join(path.Hops, ","),
			State:     StateAwaitingResponse,
			HreqAt:    hreqAt,
			HresAt:    time.Now().UTC(),
		}
		if err := e.store.CreateAttempt(ctx, att); errors.Is(err, state.ErrDuplicate) {
			// a previous run already recorded this attempt, carry on
			log.WithField("attempt", attemptNo).Debug("attempt row already present")
		} else if err != nil {
			return err
		}

		req.State = StateAwaitingResponse
		req.Host = chosen.ID
		req.Path = att.Path
		if req.HreqAt.IsZero() {
			req.HreqAt = hreqAt
		}
		if err := e.store.UpdateRequest(ctx, req); err != nil {
			return err
		}

		attemptCtx, cancelAttempt := context.WithTimeout(reqCtx, e.timeout)
		delivery, sendErr := e.transport.Send(attemptCtx, transport.Attempt{
			ReqID:     req.ID,
			Src:       req.Src,
			AttemptNo: attemptNo,
			CosID:     cos.ID,
			Host:      chosen.ID,
			HostAddr:  chosen.IP,
			Path:      path.Hops,
			Data:      req.Data,
		})
		cancelAttempt()

		if sendErr == nil {
			att.State = StateCompleted
			att.RresAt = delivery.ReservedAt
			att.DresAt = delivery.RespondedAt
			if err := e.store.UpdateAttempt(ctx, att); err != nil {
				return err
			}
			if err := e.recordOutcome(ctx, req, att, snap, chosen, path, algoTime); err != nil {
				return err
			}
			req.Result = delivery.Result
			req.DresAt = delivery.RespondedAt
			observability.Default.IncCounter("dispatch_completed_total", map[string]string{"algorithm": e.nodes.Name(), "queue_backend": e.queueBackend}, 1)
			log.WithFields(logrus.Fields{"attempt": attemptNo, "host": chosen.ID}).Info("request completed")
			return e.finish(ctx, req, StateCompleted)
		}

		if ctx.Err() != nil {
			// shutdown mid-attempt: the attempt stays unresolved and the
			// redelivered claim picks up from the stored attempt counter
			return ctx.Err()
		}

		if reqCtx.Err() != nil {
			att.State = StateCanceled
			if err := e.store.UpdateAttempt(ctx, att); err != nil {
				return err
			}
			e.cancelReservation(req, att, chosen)
			log.WithField("attempt", attemptNo).Info("request canceled")
			return e.finish(ctx, req, StateCanceled)
		}

		att.State = StateRetrying
		if attemptNo > e.retries {
			att.State = StateTimedOut
		}
		if err := e.store.UpdateAttempt(ctx, att); err != nil {
			return err
		}
		observability.Default.IncCounter("dispatch_attempts_total", map[string]string{"algorithm": e.nodes.Name(), "queue_backend": e.queueBackend}, 1)
		log.WithError(sendErr).WithFields(logrus.Fields{"attempt": attemptNo, "host": chosen.ID}).Warn("attempt failed")

		if attemptNo <= e.retries {
			req.State = StateRetrying
			if err := e.store.UpdateRequest(ctx, req); err != nil {
				return err
			}
		}
	}

	observability.Default.IncCounter("dispatch_exhausted_total", map[string]string{"queue_backend": e.queueBackend}, 1)
	log.Warn("retries exhausted")
	return e.finish(ctx, req, StateRetriesExhausted)
}

// recordOutcome persists the responding host's report and, when a path was
// selected, the route taken. The attempt row is written before either, so
// foreign keys always resolve.
func (e *Engine) recordOutcome(ctx context.Context, req state.RequestRecord, att state.AttemptRecord, snap *topology.Snapshot, host topology.Host, path selection.Path, algoTime float64) error {
	resp := state.ResponseRecord{
		ReqID:     req.ID,
		Src:       req.Src,
		AttemptNo: att.AttemptNo,
		Host:      host.ID,
		Algorithm: e.nodes.Name(),
		AlgoTime:  algoTime,
		CPU:       host.FreeCPU(),
		RAM:       host.FreeRAM(),
		Disk:      host.FreeDisk(),
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.CreateResponse(ctx, resp); err != nil && !errors.Is(err, state.ErrDuplicate) {
		return err
	}
	if len(path.Hops) == 0 {
		return nil
	}
	weightType := e.pathWeight
	if weightType == "" {
		weightType = selection.HopWeight
	}
	pr := state.PathRecord{
		ReqID:      req.ID,
		Src:        req.Src,
		AttemptNo:  att.AttemptNo,
		Host:       host.ID,
		Path:       strings.Join(path.Hops, ","),
		Algorithm:  e.paths.Name(),
		AlgoTime:   algoTime,
		Bandwidths: path.Bandwidths,
		Delays:     path.Delays,
		Jitters:    path.Jitters,
		LossRates:  path.LossRates,
		WeightType: weightType,
		Weight:     path.Weight,
		Timestamp:  time.Now().UTC(),
	}
	if err := e.store.CreatePath(ctx, pr); err != nil && !errors.Is(err, state.ErrDuplicate) {
		return err
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, req state.RequestRecord, terminal string) error {
	req.State = terminal
	return e.store.UpdateRequest(ctx, req)
}

// Cancel aborts a request. An in-flight attempt is interrupted; a queued
// request is marked terminal and skipped when claimed.
func (e *Engine) Cancel(ctx context.Context, id, src string) (bool, error) {
	req, found, err := e.store.GetRequest(ctx, id, src)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if IsTerminal(req.State) {
		return false, nil
	}
	ref := state.RequestRef{ID: id, Src: src}
	e.mu.Lock()
	cancel, inflight := e.cancels[ref]
	e.mu.Unlock()
	if inflight {
		cancel()
		return true, nil
	}
	if err := e.finish(ctx, req, StateCanceled); err != nil {
		return false, err
	}
	observability.Default.IncCounter("dispatch_canceled_total", map[string]string{"queue_backend": e.queueBackend}, 1)
	return true, nil
}

// HandleExtraResponse records a response from a host other than the one the
// attempt settled on. Responses arriving after the request is terminal are
// dropped.
func (e *Engine) HandleExtraResponse(ctx context.Context, resp state.ResponseRecord) error {
	req, found, err := e.store.GetRequest(ctx, resp.ReqID, resp.Src)
	if err != nil {
		return err
	}
	if !found || IsTerminal(req.State) {
		observability.Default.IncCounter("dispatch_late_responses_total", map[string]string{"queue_backend": e.queueBackend}, 1)
		return nil
	}
	if err := e.store.CreateResponse(ctx, resp); err != nil && !errors.Is(err, state.ErrDuplicate) {
		return err
	}
	return nil
}

// HandleHostAnswer resolves an unsolicited HRES or DRES datagram to its
// request and records it through HandleExtraResponse. Packets whose request
// ID matches nothing, or more than one source, are counted and dropped.
func (e *Engine) HandleHostAnswer(ctx context.Context, pkt *transport.Packet, fromAddr string) error {
	rows, err := e.store.ListRequests(ctx, state.RequestQuery{ID: pkt.ReqID, Limit: 2})
	if err != nil {
		return err
	}
	if len(rows) != 1 {
		observability.Default.IncCounter("dispatch_unmatched_answers_total", map[string]string{"queue_backend": e.queueBackend}, 1)
		return nil
	}
	req := rows[0]
	attemptNo := int(pkt.AttemptNo)
	if attemptNo == 0 {
		attemptNo = req.Attempt
	}
	resp := state.ResponseRecord{
		ReqID:     req.ID,
		Src:       req.Src,
		AttemptNo: attemptNo,
		Host:      e.hostByAddr(pkt.HostMAC, pkt.HostIP, fromAddr),
		Timestamp: time.Now().UTC(),
	}
	return e.HandleExtraResponse(ctx, resp)
}

// hostByAddr maps a host MAC or IP back to its topology ID, falling back to
// the first non-empty address when the host is not in the graph.
func (e *Engine) hostByAddr(addrs ...string) string {
	snap := e.topo.Snapshot()
	for _, a := range addrs {
		if a == "" {
			continue
		}
		for _, h := range snap.Hosts() {
			if h.IP == a || h.MAC == a {
				return h.ID
			}
		}
	}
	for _, a := range addrs {
		if a != "" {
			return a
		}
	}
	return "unknown"
}

func (e *Engine) ListDeadLetters(ctx context.Context, limit int) ([]state.RequestRef, error) {
	return e.queue.ListDeadLetters(ctx, limit)
}

func (e *Engine) RequeueDeadLetters(ctx context.Context, refs []state.RequestRef) (int, error) {
	return e.queue.RequeueDeadLetters(ctx, refs)
}

func (e *Engine) registerCancel(ref state.RequestRef, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[ref] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(ref state.RequestRef) {
	e.mu.Lock()
	delete(e.cancels, ref)
	e.mu.Unlock()
}

func (e *Engine) cancelReservation(req state.RequestRecord, att state.AttemptRecord, host topology.Host) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := e.transport.Cancel(ctx, transport.Attempt{
		ReqID:     req.ID,
		Src:       req.Src,
		AttemptNo: att.AttemptNo,
		Host:      host.ID,
		HostAddr:  host.IP,
	})
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"req_id": req.ID, "host": host.ID}).Debug("reservation cancel failed")
	}
}
