// Package server exposes a Manager over HTTP: tiles, assets and icons are
// served through the caches, alongside JSON statistics and Prometheus
// metrics.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmgilman/go/mapcache"
	"github.com/jmgilman/go/mapcache/internal/cache"
	"github.com/jmgilman/go/mapcache/internal/logging"
)

// Server routes HTTP requests to a Manager.
type Server struct {
	manager  *mapcache.Manager
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	router   *mux.Router
}

// New builds the router. A nil gatherer disables /metrics.
func New(m *mapcache.Manager, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		manager:  m,
		gatherer: gatherer,
		logger:   logger.WithComponent("server"),
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/tiles/{region}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}.png", s.handleTile).Methods(http.MethodGet)
	s.router.HandleFunc("/assets/{path:.+}", s.handleAsset).Methods(http.MethodGet)
	s.router.HandleFunc("/icons/{path:.+}", s.handleIcon).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/optimize", s.handleOptimize).Methods(http.MethodPost)
	s.router.HandleFunc("/views/{view}/preload", s.handleViewPreload).Methods(http.MethodPost)
	s.router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	z, errZ := strconv.Atoi(vars["z"])
	x, errX := strconv.Atoi(vars["x"])
	y, errY := strconv.Atoi(vars["y"])
	if errZ != nil || errX != nil || errY != nil {
		writeError(w, http.StatusBadRequest, "tile coordinates out of range")
		return
	}

	url := s.manager.TileURL(vars["region"], z, x, y)
	data, err := s.manager.GetTile(r.Context(), url)
	if err != nil {
		s.fail(w, r, url, err)
		return
	}
	writeBlob(w, "image/png", data)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	url := "/" + mux.Vars(r)["path"]
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	data, err := s.manager.GetAsset(r.Context(), url)
	if err != nil {
		s.fail(w, r, url, err)
		return
	}
	writeBlob(w, cache.AssetType(url), data)
}

func (s *Server) handleIcon(w http.ResponseWriter, r *http.Request) {
	url := "/" + mux.Vars(r)["path"]
	icons := s.manager.Icons()

	data, ok := icons.Get(r.Context(), url)
	if !ok {
		if err := icons.Preload(r.Context(), url); err != nil {
			s.fail(w, r, url, err)
			return
		}
		if data, ok = icons.Get(r.Context(), url); !ok {
			writeError(w, http.StatusServiceUnavailable, "icon could not be cached")
			return
		}
	}
	writeBlob(w, cache.AssetType(url), data)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Stats(r.Context()))
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	res, err := s.manager.Optimize(r.Context())
	if err != nil {
		s.logger.Warn(r.Context(), "optimize finished with errors", "error", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleViewPreload(w http.ResponseWriter, r *http.Request) {
	view := mux.Vars(r)["view"]
	if !s.manager.IconPreloader().PreloadForView(view) {
		writeError(w, http.StatusNotFound, "unknown view "+view)
		return
	}
	writeJSON(w, http.StatusAccepted, s.manager.IconPreloader().Status())
}

// fail maps a cache error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, url string, err error) {
	status := http.StatusBadGateway
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeNotFound:
		status = http.StatusNotFound
	case platformerrors.CodeInvalidInput:
		status = http.StatusBadRequest
	case platformerrors.CodeRateLimit:
		status = http.StatusTooManyRequests
	}
	if status >= 500 {
		s.logger.Warn(r.Context(), "request failed", "url", url, "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

func writeBlob(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int((24*time.Hour).Seconds())))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
