package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"hireflow/internal/audit"
	"hireflow/internal/automation"
	rtsup "hireflow/internal/runtime/supervisor"
	logx "hireflow/pkg/logx"
)

// TriggerResult is the body of POST /automations/{name}/trigger.
type TriggerResult struct {
	Name  automation.Name  `json:"name"`
	Ran   bool             `json:"ran"`
	Done  bool             `json:"done"`
	Error string           `json:"error,omitempty"`
	Class automation.Class `json:"class,omitempty"`
}

// StaleResponse is the body of GET /stale.
type StaleResponse struct {
	ComputedAt time.Time               `json:"computed_at,omitempty"`
	Count      int                     `json:"count"`
	Entries    []automation.StaleEntry `json:"entries"`
}

// Health is the body of GET /healthz.
type Health struct {
	Status string         `json:"status"`
	Fires  rtsup.Snapshot `json:"fires"`
	Audit  *audit.Stats   `json:"audit,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler routes the API. It is exported for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /automations", s.list)
	mux.HandleFunc("GET /automations/{name}", s.get)
	mux.HandleFunc("POST /automations/{name}/trigger", s.trigger)
	mux.HandleFunc("GET /stale", s.stale)
	mux.HandleFunc("GET /stale/{id}", s.staleOne)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.log.Debug("write response failed", logx.Err(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorBody{Error: msg})
}

// health answers 503 once the scheduler is stopped or its reconcile loops
// have all exited.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", Fires: s.api.Goroutines()}
	code := http.StatusOK
	if !s.api.Healthy() {
		h.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	if s.cfg.AuditStats != nil {
		st := s.cfg.AuditStats()
		h.Audit = &st
	}
	s.writeJSON(w, code, h)
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.api.Infos())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (automation.Name, bool) {
	name, err := automation.ParseName(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return "", false
	}
	return name, true
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	for _, info := range s.api.Infos() {
		if info.Name == name {
			s.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "automation not registered")
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	name, ok := s.lookup(w, r)
	if !ok {
		return
	}
	// The run must not die with the client connection.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.TriggerWait)
	defer cancel()
	s.log.Info("manual trigger requested", logx.String("task", string(name)), logx.String("remote", r.RemoteAddr))

	ran, err := s.api.TriggerNow(ctx, name)
	res := TriggerResult{Name: name, Ran: ran, Done: ran}
	code := http.StatusOK
	switch {
	case err == nil && !ran:
		code = http.StatusConflict
		res.Error = "a run is already in flight"
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusAccepted
		res.Done = false
	case errors.Is(err, automation.ErrStopped):
		code = http.StatusServiceUnavailable
	case errors.Is(err, automation.ErrTaskDisabled):
		code = http.StatusConflict
	case errors.Is(err, automation.ErrUnknownTask):
		code = http.StatusNotFound
	default:
		code = http.StatusInternalServerError
	}
	if err != nil {
		res.Error = err.Error()
		res.Class = automation.Classify(err)
	}
	s.writeJSON(w, code, res)
}

func (s *Server) stale(w http.ResponseWriter, _ *http.Request) {
	ix := s.api.Stale()
	all := ix.All()
	if all == nil {
		all = []automation.StaleEntry{}
	}
	s.writeJSON(w, http.StatusOK, StaleResponse{ComputedAt: ix.ComputedAt(), Count: len(all), Entries: all})
}

// staleOne answers from the index, or from the store with ?fresh=1.
func (s *Server) staleOne(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid application id")
		return
	}
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		e, stale, err := s.api.FreshStale(r.Context(), id)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "stale": stale, "entry": e, "fresh": true})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "stale": s.api.Stale().IsStale(id), "fresh": false})
}
