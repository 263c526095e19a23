package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_sync/internal/gateway"
	"github.com/austindbirch/harbor_sync/internal/health"
	"github.com/austindbirch/harbor_sync/internal/logging"
	"github.com/austindbirch/harbor_sync/internal/metrics"
	"github.com/austindbirch/harbor_sync/internal/network"
	"github.com/austindbirch/harbor_sync/internal/operation"
	"github.com/austindbirch/harbor_sync/internal/queue"
	"github.com/austindbirch/harbor_sync/internal/store"
	"github.com/austindbirch/harbor_sync/internal/synth"
	"github.com/austindbirch/harbor_sync/internal/transport"
)

const maxRequestBody = 1 << 20

// server holds everything the HTTP surface touches
type server struct {
	exec      *gateway.Executor
	queue     *queue.Queue
	monitor   *network.Monitor
	transport transport.Transport
	wake      func()
	pinger    store.Pinger
	registry  *prometheus.Registry
	log       *logging.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1/ops", func(r chi.Router) {
		r.Post("/", s.handleExecute)
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.Get("/dead", s.handleDead)
		r.Delete("/dead/{id}", s.handlePurge)
	})
	r.Get("/v1/network", s.handleGetNetwork)
	r.Post("/v1/network", s.handleSetNetwork)
	r.Post("/v1/sync", s.handleSync)
	r.Method(http.MethodGet, "/healthz", health.HTTPHandler(health.Source{Store: s.pinger, Network: s.monitor, Queue: s.queue}))
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

type executeRequest struct {
	Kind     json.RawMessage `json:"kind"`
	Method   string          `json:"method"`
	Target   string          `json:"target"`
	Body     json.RawMessage `json:"body,omitempty"`
	Priority int             `json:"priority,omitempty"`
}

type executeResponse struct {
	Source      synth.Source    `json:"source"`
	Kind        string          `json:"kind"`
	OperationID string          `json:"operation_id,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Synthetic   bool            `json:"synthetic"`
	Body        json.RawMessage `json:"body,omitempty"`
	Text        string          `json:"text,omitempty"` // upstream body that was not JSON
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kind, err := operation.DecodeKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// an absent body and a JSON null both mean a bodyless operation
	var body []byte
	if trimmed := bytes.TrimSpace(req.Body); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		body = req.Body
	}
	call := gateway.Request{
		Kind:     kind,
		Method:   operation.Method(req.Method),
		Target:   req.Target,
		Body:     body,
		Priority: req.Priority,
	}
	exec := func(ctx context.Context) (transport.Response, error) {
		return s.transport.Do(ctx, call.Method, call.Target, call.Body)
	}

	res, err := s.exec.Execute(r.Context(), call, exec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	out := executeResponse{
		Source:      res.Source,
		Kind:        res.Kind,
		OperationID: res.OperationID,
		StatusCode:  res.StatusCode,
		Synthetic:   res.Synthetic,
	}
	if len(res.Body) > 0 {
		if json.Valid(res.Body) {
			out.Body = res.Body
		} else {
			out.Text = string(res.Body)
		}
	}
	code := http.StatusOK
	if res.Source == synth.SourceAccepted {
		code = http.StatusAccepted
	}
	writeJSON(w, code, out)
}

// statusFor maps gateway failures onto the caller-facing HTTP status
func statusFor(err error) int {
	var rej *transport.RejectionError
	switch {
	case errors.As(err, &rej):
		return rej.StatusCode
	case errors.Is(err, operation.ErrInvalidOperation):
		return http.StatusBadRequest
	case errors.Is(err, operation.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// opView is the JSON shape of a queued operation
type opView struct {
	operation.Operation
	Kind json.RawMessage `json:"kind"`
}

func viewOps(ops []operation.Operation) []opView {
	out := make([]opView, 0, len(ops))
	for _, op := range ops {
		kind, _ := operation.EncodeKind(op.Kind)
		out = append(out, opView{Operation: op, Kind: kind})
	}
	return out
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOps(s.queue.List()))
}

func (s *server) handleDead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOps(s.queue.DeadLetters()))
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func (s *server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Purge(r.Context(), id); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, operation.ErrNotFound) {
			code = http.StatusNotFound
		} else if errors.Is(err, operation.ErrStoreUnavailable) {
			code = http.StatusServiceUnavailable
		}
		writeError(w, code, err)
		return
	}
	s.log.WithContext(r.Context()).WithOperation(id).Info("Dead-lettered operation purged")
	w.WriteHeader(http.StatusNoContent)
}

type networkBody struct {
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Changed    bool   `json:"changed,omitempty"`
}

func (s *server) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()
	writeJSON(w, http.StatusOK, networkBody{State: snap.State.String(), Generation: snap.Generation})
}

// handleSetNetwork lets the host platform report connectivity directly
func (s *server) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	state, ok := network.ParseState(req.State)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown network state %q", req.State))
		return
	}
	changed := s.monitor.Set(state)
	if changed {
		metrics.RecordTransition(state == network.Online)
		s.log.WithContext(r.Context()).WithField("state", state.String()).Info("Connectivity reported by host")
	}
	snap := s.monitor.Snapshot()
	writeJSON(w, http.StatusOK, networkBody{State: snap.State.String(), Generation: snap.Generation, Changed: changed})
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.wake != nil {
		s.wake()
	}
	writeJSON(w, http.StatusAccepted, s.queue.Stats())
}
