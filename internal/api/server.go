// Package api exposes the orchestrator over HTTP: request submission and
// inspection, CoS management, topology and telemetry ingestion, CSV export
// and queue administration.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/FayzaCH/fog-server/internal/archive"
	"github.com/FayzaCH/fog-server/internal/dispatch"
	"github.com/FayzaCH/fog-server/internal/observability"
	"github.com/FayzaCH/fog-server/internal/state"
	"github.com/FayzaCH/fog-server/internal/topology"
	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

type Server struct {
	engine   *dispatch.Engine
	store    state.Store
	topo     *topology.Store
	uploader *archive.Uploader
	token    string
}

func NewServer(engine *dispatch.Engine, store state.Store, topo *topology.Store, uploader *archive.Uploader, authToken string) *Server {
	return &Server{
		engine:   engine,
		store:    store,
		topo:     topo,
		uploader: uploader,
		token:    strings.TrimSpace(authToken),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/metrics", s.handleMetrics)
	mux.HandleFunc("/v1/metrics/prometheus", s.handleMetricsPrometheus)
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/requests/", s.handleRequestByID)
	mux.HandleFunc("/v1/cos", s.handleCos)
	mux.HandleFunc("/v1/topology", s.handleTopology)
	mux.HandleFunc("/v1/telemetry", s.handleTelemetry)
	mux.HandleFunc("/v1/export/", s.handleExport)
	mux.HandleFunc("/v1/admin/queue/dead-letter", s.handleDeadLetterQueue)
	mux.HandleFunc("/v1/admin/archive", s.handleArchive)
	return withTracing(withLogging(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req fogapi.SubmitRequestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		rec, err := s.engine.Submit(r.Context(), req)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrUnknownCos):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, state.ErrDuplicate):
			writeError(w, http.StatusConflict, "request already exists")
			return
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, fogapi.SubmitRequestResponse{
			Accepted: true,
			ID:       rec.ID,
			Src:      rec.Src,
			State:    rec.State,
		})
	case http.MethodGet:
		query := state.RequestQuery{
			Src:   strings.TrimSpace(r.URL.Query().Get("src")),
			State: strings.TrimSpace(r.URL.Query().Get("state")),
		}
		var ok bool
		if query.Limit, ok = queryInt(w, r, "limit"); !ok {
			return
		}
		if query.Offset, ok = queryInt(w, r, "offset"); !ok {
			return
		}
		reqs, err := s.store.ListRequests(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.RequestStatusResponse, 0, len(reqs))
		for _, rec := range reqs {
			out = append(out, requestStatus(rec))
		}
		writeJSON(w, http.StatusOK, fogapi.ListRequestsResponse{
			Total:    len(out),
			Returned: len(out),
			Requests: out,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if path == "" {
		writeError(w, http.StatusNotFound, "request id is required")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	subresource := ""
	if len(parts) > 1 {
		subresource = parts[1]
	}
	src := strings.TrimSpace(r.URL.Query().Get("src"))
	if src == "" {
		writeError(w, http.StatusBadRequest, "src query parameter is required")
		return
	}
	req, found, err := s.store.GetRequest(r.Context(), id, src)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}

	switch subresource {
	case "":
	case "attempts":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		atts, err := s.store.ListAttempts(r.Context(), id, src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.AttemptStatus, 0, len(atts))
		for _, a := range atts {
			out = append(out, fogapi.AttemptStatus{
				AttemptNo: a.AttemptNo,
				Host:      a.Host,
				Path:      a.Path,
				State:     a.State,
				HreqAt:    ftime(a.HreqAt),
				HresAt:    ftime(a.HresAt),
				RresAt:    ftime(a.RresAt),
				DresAt:    ftime(a.DresAt),
			})
		}
		writeJSON(w, http.StatusOK, fogapi.RequestAttemptsResponse{ID: id, Src: src, Total: len(out), Attempts: out})
		return
	case "responses":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		resps, err := s.store.ListResponses(r.Context(), id, src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.ResponseView, 0, len(resps))
		for _, resp := range resps {
			out = append(out, fogapi.ResponseView{
				AttemptNo: resp.AttemptNo,
				Host:      resp.Host,
				Algorithm: resp.Algorithm,
				AlgoTime:  resp.AlgoTime,
				CPU:       resp.CPU,
				RAM:       resp.RAM,
				Disk:      resp.Disk,
				Timestamp: ftime(resp.Timestamp),
			})
		}
		writeJSON(w, http.StatusOK, fogapi.RequestResponsesResponse{ID: id, Src: src, Total: len(out), Responses: out})
		return
	case "paths":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		paths, err := s.store.ListPaths(r.Context(), id, src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.PathView, 0, len(paths))
		for _, p := range paths {
			out = append(out, fogapi.PathView{
				AttemptNo:  p.AttemptNo,
				Host:       p.Host,
				Path:       p.Path,
				Bandwidths: p.Bandwidths,
				Delays:     p.Delays,
				Jitters:    p.Jitters,
				LossRates:  p.LossRates,
				WeightType: p.WeightType,
				Weight:     p.Weight,
				Timestamp:  ftime(p.Timestamp),
			})
		}
		writeJSON(w, http.StatusOK, fogapi.RequestPathsResponse{ID: id, Src: src, Total: len(out), Paths: out})
		return
	default:
		writeError(w, http.StatusNotFound, "request subresource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, requestStatus(req))
	case http.MethodDelete:
		accepted, err := s.engine.Cancel(r.Context(), id, src)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, fogapi.CancelRequestResponse{Accepted: accepted})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCos(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		rows, err := s.store.ListCos(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.CosView, 0, len(rows))
		for _, c := range rows {
			out = append(out, cosView(c))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost, http.MethodPut:
		var view fogapi.CosView
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if view.ID <= 0 {
			writeError(w, http.StatusBadRequest, "id must be positive")
			return
		}
		if strings.TrimSpace(view.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := s.store.UpsertCos(r.Context(), cosRecord(view)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, view)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		snap := s.topo.Snapshot()
		view := fogapi.TopologyView{}
		for _, h := range snap.Hosts() {
			view.Hosts = append(view.Hosts, fogapi.TopologyHost{ID: h.ID, MAC: h.MAC, IP: h.IP, Up: h.Up})
		}
		for _, l := range snap.Links() {
			view.Links = append(view.Links, fogapi.TopologyLink{Src: l.Src, Dst: l.Dst, Capacity: l.Capacity, Up: true})
		}
		if at := s.topo.UpdatedAt(); !at.IsZero() {
			view.UpdatedAt = at.UTC().Format(time.RFC3339Nano)
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPut:
		var def fogapi.TopologyDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(def.Hosts) == 0 {
			writeError(w, http.StatusBadRequest, "hosts is required")
			return
		}
		s.topo.SetTopology(def)
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	var ts fogapi.TelemetrySnapshot
	if err := json.NewDecoder(r.Body).Decode(&ts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(ts.Hosts) == 0 && len(ts.Links) == 0 {
		writeError(w, http.StatusBadRequest, "telemetry snapshot is empty")
		return
	}
	s.topo.Apply(ts)
	observability.Default.IncCounter("telemetry_snapshots_total", nil, 1)
	writeJSON(w, http.StatusOK, fogapi.TelemetryResponse{Accepted: true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/v1/export/")
	table := strings.TrimSuffix(name, ".csv")
	if table == "" || table == name {
		writeError(w, http.StatusNotFound, "export table not found")
		return
	}
	var buf bytes.Buffer
	if err := archive.WriteTable(r.Context(), &buf, s.store, table); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v > 0 {
				limit = v
			}
		}
		refs, err := s.engine.ListDeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]fogapi.DeadLetterRef, 0, len(refs))
		for _, ref := range refs {
			out = append(out, fogapi.DeadLetterRef{ID: ref.ID, Src: ref.Src})
		}
		writeJSON(w, http.StatusOK, fogapi.ListDeadLettersResponse{Requests: out})
	case http.MethodPost:
		var req fogapi.RequeueDeadLettersRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Requests) == 0 {
			writeError(w, http.StatusBadRequest, "requests is required")
			return
		}
		refs := make([]state.RequestRef, 0, len(req.Requests))
		for _, ref := range req.Requests {
			if ref.ID == "" || ref.Src == "" {
				writeError(w, http.StatusBadRequest, "entries require id and src")
				return
			}
			refs = append(refs, state.RequestRef{ID: ref.ID, Src: ref.Src})
		}
		n, err := s.engine.RequeueDeadLetters(r.Context(), refs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, fogapi.RequeueDeadLettersResponse{Requested: len(refs), Requeued: n})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.authorized(w, r) {
		return
	}
	if s.uploader == nil {
		writeError(w, http.StatusServiceUnavailable, "archive is not configured")
		return
	}
	objects, err := s.uploader.Archive(r.Context(), s.store)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fogapi.ArchiveResponse{Bucket: s.uploader.Bucket(), Objects: objects})
}

func (s *Server) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.token == "" {
		return true
	}
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(raw, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(raw, "Bearer ")) == s.token {
		return true
	}
	writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
	return false
}

func requestStatus(req state.RequestRecord) fogapi.RequestStatusResponse {
	return fogapi.RequestStatusResponse{
		ID:      req.ID,
		Src:     req.Src,
		CosID:   req.CosID,
		State:   req.State,
		Host:    req.Host,
		Path:    req.Path,
		Result:  req.Result,
		HreqAt:  ftime(req.HreqAt),
		DresAt:  ftime(req.DresAt),
		Attempt: req.Attempt,
	}
}

func cosView(c state.CosRecord) fogapi.CosView {
	return fogapi.CosView{
		ID:                   c.ID,
		Name:                 c.Name,
		MaxResponseTime:      c.MaxResponseTime,
		MinConcurrentUsers:   c.MinConcurrentUsers,
		MinRequestsPerSecond: c.MinRequestsPerSecond,
		MinBandwidth:         c.MinBandwidth,
		MaxDelay:             c.MaxDelay,
		MaxJitter:            c.MaxJitter,
		MaxLossRate:          c.MaxLossRate,
		MinCPU:               c.MinCPU,
		MinRAM:               c.MinRAM,
		MinDisk:              c.MinDisk,
	}
}

func cosRecord(v fogapi.CosView) state.CosRecord {
	return state.CosRecord{
		ID:                   v.ID,
		Name:                 v.Name,
		MaxResponseTime:      v.MaxResponseTime,
		MinConcurrentUsers:   v.MinConcurrentUsers,
		MinRequestsPerSecond: v.MinRequestsPerSecond,
		MinBandwidth:         v.MinBandwidth,
		MaxDelay:             v.MaxDelay,
		MaxJitter:            v.MaxJitter,
		MaxLossRate:          v.MaxLossRate,
		MinCPU:               v.MinCPU,
		MinRAM:               v.MinRAM,
		MinDisk:              v.MinDisk,
	}
}

func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		writeError(w, http.StatusBadRequest, key+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func ftime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("http request")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		traceID := span.SpanContext().TraceID().String()
		if traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
