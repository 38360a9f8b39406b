// Package httpops exposes a deliberately thin operator surface:
// /healthz for liveness probes and /debug/confset for inspecting the
// currently published registry generation and per-module state. It is
// not a query-serving path; nothing here resolves a domain or answers
// a DNS-shaped question, that stays entirely inside the confd
// substrate.
package httpops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/resolvercore/confd/internal/confd/confset"
)

// RequestIDHeader is the header a client may set to correlate its own
// logs with confd's; when absent, a fresh request ID is generated.
const RequestIDHeader = "X-Request-ID"

// Server wraps a gorilla/mux router exposing the operator endpoints.
type Server struct {
	router     *mux.Router
	logger     *slog.Logger
	registry   *confset.Registry
	forceReload func() (bool, error)
}

// New builds a Server backed by registry. logger may be nil, in which
// case slog.Default() is used. forceReload may be nil, in which case
// /debug/reload reports 503 Service Unavailable; it is normally the
// main loop's own Registry.Load call, invoked out of band of its
// regular scan-interval ticker.
func New(registry *confset.Registry, logger *slog.Logger, forceReload func() (bool, error)) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{router: mux.NewRouter(), logger: logger, registry: registry, forceReload: forceReload}
	s.router.Use(s.requestIDMiddleware)
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/confset", s.handleDebugConfset).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/reload", s.handleDebugReload).Methods(http.MethodPost)
	return s
}

// Handler returns the http.Handler to pass to http.Serve or
// http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// requestIDMiddleware assigns every request a UUID (or keeps the
// caller's own), echoing it back on the response and logging it
// alongside the request line.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		next.ServeHTTP(w, r)

		s.logger.Info("httpops: request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", reqID,
			"duration", time.Since(start),
		)
	})
}

// healthzResponse is the /healthz body.
type healthzResponse struct {
	Status     string `json:"status"`
	Generation int64  `json:"generation"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "ok", Generation: s.registry.Generation()}
	writeJSON(w, http.StatusOK, resp)
}

// confModuleView is one row of the /debug/confset listing.
type confModuleView struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	Loadable   bool   `json:"loadable"`
	FailedLoad bool   `json:"failed_load"`
	RefCount   int32  `json:"ref_count,omitempty"`
}

type confsetDebugResponse struct {
	Generation int64             `json:"generation"`
	Modules    []confModuleView  `json:"modules"`
}

func (s *Server) handleDebugConfset(w http.ResponseWriter, r *http.Request) {
	gen := int64(0)
	set := s.registry.Acquire(&gen)
	if set == nil {
		// Nothing new relative to a zero baseline means the registry
		// has never published; report an empty snapshot instead of an
		// error, since "no modules yet" is a legitimate deployment state.
		writeJSON(w, http.StatusOK, confsetDebugResponse{Generation: s.registry.Generation()})
		return
	}
	defer confset.Release(set)

	modules := make([]confModuleView, 0, len(set.Confs))
	for id := range set.Confs {
		info := s.registry.Info(id)
		if info == nil {
			continue
		}
		view := confModuleView{
			ID:         info.ID,
			Name:       info.Name,
			Path:       info.Path,
			Loadable:   info.Loadable(),
			FailedLoad: info.FailedLoad,
		}
		if conf := set.ByID(id); conf != nil {
			view.RefCount = conf.RefCount()
		}
		modules = append(modules, view)
	}

	writeJSON(w, http.StatusOK, confsetDebugResponse{Generation: set.Generation, Modules: modules})
}

type reloadResponse struct {
	Changed bool `json:"changed"`
}

// handleDebugReload forces one out-of-band Registry.Load tick,
// bypassing the scan-interval ticker. Intended for operators kicking a
// reload manually rather than waiting for the next poll.
func (s *Server) handleDebugReload(w http.ResponseWriter, r *http.Request) {
	if s.forceReload == nil {
		http.Error(w, `{"error":"reload not wired on this instance"}`, http.StatusServiceUnavailable)
		return
	}
	changed, err := s.forceReload()
	if err != nil {
		s.logger.Error("httpops: forced reload failed", "err", err)
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Changed: changed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
