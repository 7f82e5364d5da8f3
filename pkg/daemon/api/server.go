// Package api exposes the site lifecycle over a local HTTP/JSON interface
// plus a websocket event stream, for the CLI's serve mode and any GUI that
// wants to drive the daemon.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"sitekeeper/pkg/daemon/metrics"
	"sitekeeper/pkg/errs"
	"sitekeeper/pkg/events"
	"sitekeeper/pkg/logger"
	"sitekeeper/pkg/logwatch"
	"sitekeeper/pkg/manager"
	"sitekeeper/pkg/supervisor"
)

type Server struct {
	port    int
	mgr     *manager.Manager
	sup     *supervisor.Supervisor
	watcher *logwatch.Watcher
	bus     *events.Bus
	log     logger.Logger

	httpSrv *http.Server
}

func NewServer(port int, mgr *manager.Manager, sup *supervisor.Supervisor, watcher *logwatch.Watcher, bus *events.Bus, log logger.Logger) *Server {
	return &Server{
		port:    port,
		mgr:     mgr,
		sup:     sup,
		watcher: watcher,
		bus:     bus,
		log:     log,
	}
}

// Handler builds the full route table, including the websocket hub.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/sites", s.handleSites)
	mux.HandleFunc("/api/sites/create", s.handleCreate)
	mux.HandleFunc("/api/sites/start", s.handleStart)
	mux.HandleFunc("/api/sites/stop", s.handleStop)
	mux.HandleFunc("/api/sites/archive", s.handleArchive)
	mux.HandleFunc("/api/sites/restore", s.handleRestore)
	mux.HandleFunc("/api/sites/delete", s.handleDelete)
	mux.HandleFunc("/api/sites/open", s.handleOpen)
	mux.HandleFunc("/api/sites/folder", s.handleFolder)
	mux.HandleFunc("/api/archives/delete", s.handleDeleteArchive)
	mux.HandleFunc("/api/reconcile", s.handleReconcile)
	mux.HandleFunc("/api/metrics", s.handleMetrics)
	mux.HandleFunc("/api/logs/watch", s.handleLogWatch)
	mux.HandleFunc("/api/logs/unwatch", s.handleLogUnwatch)
	mux.HandleFunc("/api/logs/tail", s.handleLogTail)

	hub := NewHub(s.log)
	go hub.Run()
	bridgeEvents(s.bus, hub)
	mux.HandleFunc("/api/ws", s.handleWebSocket(hub))

	return s.corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.Handler(),
	}
	s.log.Info("daemon listening", logger.Int("port", s.port))
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.watcher.StopAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type ErrorResponse struct {
	Error string    `json:"error"`
	Kind  errs.Kind `json:"kind,omitempty"`
}

type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func jsonResponse(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, err error) {
	jsonResponse(w, ErrorResponse{Error: err.Error(), Kind: errs.GetKind(err)}, statusFor(err))
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch errs.GetKind(err) {
	case errs.NameConflict, errs.ConflictingTarget, errs.InvalidTransition:
		return http.StatusConflict
	case errs.NoPortAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeName reads the common {"name": ...} request body.
func decodeName(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		jsonResponse(w, ErrorResponse{Error: "method not allowed"}, http.StatusMethodNotAllowed)
		return "", false
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse(w, ErrorResponse{Error: err.Error()}, http.StatusBadRequest)
		return "", false
	}
	return req.Name, true
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.mgr.Sites(), http.StatusOK)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	site, err := s.mgr.CreateSite(name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, site, http.StatusOK)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	site, err := s.mgr.StartSite(name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, site, http.StatusOK)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	site, err := s.mgr.StopSite(name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, site, http.StatusOK)
}

// handleArchive kicks the compression off in the background; progress comes
// back over the websocket as site:archived or site:error.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	go func() {
		if _, err := s.mgr.ArchiveSite(name); err != nil {
			s.log.Error("archive failed", logger.String("site", name), logger.Error(err))
			s.publishError(name, "archive", err)
		}
	}()
	jsonResponse(w, SuccessResponse{Success: true, Message: "archive started"}, http.StatusAccepted)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	go func() {
		if _, err := s.mgr.RestoreSite(name); err != nil {
			s.log.Error("restore failed", logger.String("site", name), logger.Error(err))
			s.publishError(name, "restore", err)
		}
	}()
	jsonResponse(w, SuccessResponse{Success: true, Message: "restore started"}, http.StatusAccepted)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	if err := s.mgr.DeleteSite(name); err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, SuccessResponse{Success: true}, http.StatusOK)
}

func (s *Server) handleDeleteArchive(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	if err := s.mgr.DeleteArchive(name); err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, SuccessResponse{Success: true}, http.StatusOK)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	site, err := s.mgr.OpenSite(name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, site, http.StatusOK)
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	site, err := s.mgr.OpenFolder(name)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, site, http.StatusOK)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonResponse(w, ErrorResponse{Error: "method not allowed"}, http.StatusMethodNotAllowed)
		return
	}
	actions, err := s.mgr.Reconcile()
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, map[string]interface{}{"repaired": actions}, http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := metrics.Collect(s.mgr, s.sup)
	if err != nil {
		errorResponse(w, err)
		return
	}
	jsonResponse(w, stats, http.StatusOK)
}

func (s *Server) handleLogWatch(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	if err := s.watcher.Watch(manager.NormalizeName(name)); err != nil {
		jsonResponse(w, ErrorResponse{Error: err.Error()}, http.StatusNotFound)
		return
	}
	jsonResponse(w, SuccessResponse{Success: true}, http.StatusOK)
}

func (s *Server) handleLogUnwatch(w http.ResponseWriter, r *http.Request) {
	name, ok := decodeName(w, r)
	if !ok {
		return
	}
	s.watcher.Unwatch(manager.NormalizeName(name))
	jsonResponse(w, SuccessResponse{Success: true}, http.StatusOK)
}

func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	site := manager.NormalizeName(r.URL.Query().Get("site"))
	if site == "" {
		jsonResponse(w, ErrorResponse{Error: "site parameter required"}, http.StatusBadRequest)
		return
	}
	n := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	entries, err := s.watcher.LastLines(site, n)
	if err != nil {
		jsonResponse(w, ErrorResponse{Error: err.Error()}, http.StatusNotFound)
		return
	}
	jsonResponse(w, entries, http.StatusOK)
}

func (s *Server) publishError(name, op string, err error) {
	s.bus.Publish(events.Event{
		Type: events.SiteError,
		Payload: map[string]interface{}{
			"site":  name,
			"op":    op,
			"error": err.Error(),
			"kind":  errs.GetKind(err),
		},
	})
}
