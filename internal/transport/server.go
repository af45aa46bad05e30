package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/dronewatch/meshmapper/internal/alias"
	"github.com/dronewatch/meshmapper/internal/faa"
	"github.com/dronewatch/meshmapper/internal/health"
	"github.com/dronewatch/meshmapper/internal/notify"
	"github.com/dronewatch/meshmapper/internal/remoteid"
	"github.com/dronewatch/meshmapper/internal/tracker"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second

	// faaRequestTimeout bounds the upstream fetch on a cache miss so a
	// slow registry cannot pin API workers.
	faaRequestTimeout = 15 * time.Second
)

// Server is the HTTP API over the live registry and its side stores.
type Server struct {
	registry *tracker.Tracker
	aliases  *alias.Store
	lookups  *faa.Cache
	webhook  *notify.Webhook
	notifier *notify.Notifier
	monitor  *health.Monitor
	hub      *Hub
	logger   *slog.Logger

	srv *http.Server
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) func(*Server) {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "api"))
	}
}

// NewServer wires the API over its collaborators and binds the route table.
func NewServer(
	listen string,
	registry *tracker.Tracker,
	aliases *alias.Store,
	lookups *faa.Cache,
	webhook *notify.Webhook,
	notifier *notify.Notifier,
	monitor *health.Monitor,
	hub *Hub,
	options ...func(*Server),
) *Server {
	s := Server{
		registry: registry,
		aliases:  aliases,
		lookups:  lookups,
		webhook:  webhook,
		notifier: notifier,
		monitor:  monitor,
		hub:      hub,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/detections", s.listDetections).Methods(http.MethodGet)
	api.HandleFunc("/detections/{key}", s.getDetection).Methods(http.MethodGet)
	api.HandleFunc("/reactivate/{key}", s.reactivate).Methods(http.MethodPost)
	api.HandleFunc("/lock/{key}", s.setLocked).Methods(http.MethodPost)
	api.HandleFunc("/paths", s.listPaths).Methods(http.MethodGet)

	api.HandleFunc("/aliases", s.listAliases).Methods(http.MethodGet)
	api.HandleFunc("/aliases", s.setAlias).Methods(http.MethodPost)
	api.HandleFunc("/aliases/{key}", s.clearAlias).Methods(http.MethodDelete)

	api.HandleFunc("/faa/{identifier}", s.lookupRegistration).Methods(http.MethodGet)

	api.HandleFunc("/webhook", s.getWebhook).Methods(http.MethodGet)
	api.HandleFunc("/webhook", s.setWebhook).Methods(http.MethodPost)

	api.HandleFunc("/status", s.status).Methods(http.MethodGet)

	r.HandleFunc("/ws", hub.ServeWS)

	s.srv = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return &s
}

// Handler exposes the route table, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	return <-errCh
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) listDetections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.SnapshotAll())
}

func (s *Server) getDetection(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	rec, err := s.registry.Snapshot(key)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no detection for %s", key))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) reactivate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	change, err := s.registry.Reactivate(key)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no detection for %s", key))
		return
	}

	s.notifier.Publish(change)
	writeJSON(w, http.StatusOK, change.Record)
}

func (s *Server) setLocked(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req struct {
		Locked bool `json:"locked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be {\"locked\": bool}")
		return
	}

	if err := s.registry.SetLocked(key, req.Locked); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no detection for %s", key))
		return
	}

	s.logger.Info("lock changed", slog.String("key", key), slog.Bool("locked", req.Locked))
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "locked": req.Locked})
}

// pathsResponse is the per-device path export shape.
type pathsResponse struct {
	Path      []remoteid.PathPoint `json:"path"`
	PilotPath []remoteid.PathPoint `json:"pilot_path"`
}

func (s *Server) listPaths(w http.ResponseWriter, _ *http.Request) {
	records := s.registry.SnapshotAll()

	paths := make(map[string]pathsResponse, len(records))
	for _, rec := range records {
		paths[rec.Key] = pathsResponse{Path: rec.Path, PilotPath: rec.PilotPath}
	}
	writeJSON(w, http.StatusOK, paths)
}

func (s *Server) listAliases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.aliases.All())
}

func (s *Server) setAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		writeError(w, http.StatusBadRequest, "request body must be {\"key\": string, \"label\": string}")
		return
	}

	if err := s.aliases.Set(req.Key, req.Label); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("alias set", slog.String("key", req.Key), slog.String("label", req.Label))
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "label": req.Label})
}

func (s *Server) clearAlias(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	if err := s.aliases.Clear(key); err != nil {
		if errors.Is(err, alias.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no alias for %s", key))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookupRegistration(w http.ResponseWriter, r *http.Request) {
	identifier := mux.Vars(r)["identifier"]

	ctx, cancel := context.WithTimeout(r.Context(), faaRequestTimeout)
	defer cancel()

	result, err := s.lookups.Resolve(ctx, identifier)
	if err != nil {
		// A transient upstream fault, not a confirmed answer: the client
		// should retry, and nothing gets cached.
		s.logger.Warn(err.Error(), slog.String("identifier", identifier))
		writeError(w, http.StatusBadGateway, "registration lookup failed")
		return
	}

	if result.NotFound {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no registration for %s", identifier))
		return
	}
	writeJSON(w, http.StatusOK, result.Payload)
}

func (s *Server) getWebhook(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"url": s.webhook.URL()})
}

func (s *Server) setWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be {\"url\": string}")
		return
	}

	s.webhook.SetURL(req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"url": req.URL})
}

// statusResponse is the operator-facing instance summary.
type statusResponse struct {
	health.Status
	Detections int  `json:"detections"`
	Webhook    bool `json:"webhook"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     s.monitor.Status(time.Now()),
		Detections: s.registry.Len(),
		Webhook:    s.webhook.URL() != "",
	})
}
