package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"calsync/internal/config"
	"calsync/internal/identity"
	appLog "calsync/internal/log"
	"calsync/internal/pipeline"
	"calsync/internal/snapshot"
)

// Reporter exposes the outcome of the most recent sync run.
type Reporter interface {
	LastReport() (pipeline.Report, bool)
}

// Server provides a small read-only HTTP API over the sync state.
type Server struct {
	cfg      *config.Config
	reporter Reporter
	store    snapshot.Store
	next     func() time.Time

	mux *http.ServeMux

	// In-memory cache for /api/events so a polling client does not load
	// the snapshot (possibly from object storage) on every request.
	eventsMu    sync.RWMutex
	eventsCache *eventsCache
}

// NewServer constructs a new Server. next may be nil when no schedule is
// running.
func NewServer(cfg *config.Config, reporter Reporter, store snapshot.Store, next func() time.Time) *Server {
	s := &Server{
		cfg:      cfg,
		reporter: reporter,
		store:    store,
		next:     next,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/events", s.handleEvents)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusResponse is the JSON response shape for /api/status.
type statusResponse struct {
	Schedule  string           `json:"schedule"`
	NextRun   *time.Time       `json:"next_run,omitempty"`
	LastRun   *pipeline.Report `json:"last_run,omitempty"`
	Changes   *changesDTO      `json:"changes,omitempty"`
	Backend   string           `json:"storage_backend"`
	Source    string           `json:"source"`
	Tracking  string           `json:"correlation"`
	ServerNow time.Time        `json:"server_time"`
}

type changesDTO struct {
	Added    []string          `json:"added"`
	Deleted  []string          `json:"deleted"`
	Modified []modificationDTO `json:"modified"`
}

type modificationDTO struct {
	Old string `json:"old"`
	New string `json:"new"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := statusResponse{
		Schedule:  s.cfg.Schedule,
		Backend:   s.cfg.Storage.Backend,
		Source:    s.cfg.Source.Kind,
		Tracking:  s.cfg.Tracking.Correlation,
		ServerNow: time.Now(),
	}
	if s.next != nil {
		if n := s.next(); !n.IsZero() {
			resp.NextRun = &n
		}
	}
	if s.reporter != nil {
		if rep, ok := s.reporter.LastReport(); ok {
			resp.LastRun = &rep
			if r.URL.Query().Get("changes") == "1" {
				resp.Changes = toChangesDTO(rep)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func toChangesDTO(rep pipeline.Report) *changesDTO {
	c := &changesDTO{
		Added:    nonNil(rep.Changes.Added),
		Deleted:  nonNil(rep.Changes.Deleted),
		Modified: make([]modificationDTO, 0, len(rep.Changes.Modified)),
	}
	for _, m := range rep.Changes.Modified {
		c.Modified = append(c.Modified, modificationDTO{Old: m.OldID, New: m.NewID})
	}
	return c
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	SyncDate time.Time  `json:"sync_date"`
	Total    int        `json:"total"`
	Events   []eventDTO `json:"events"`
}

// eventDTO is a JSON-friendly view of a tracked event.
type eventDTO struct {
	ID       string `json:"id"`
	UID      string `json:"uid"`
	Subject  string `json:"subject"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Location string `json:"location,omitempty"`
}

// eventsCache holds a cached /api/events response and its timestamp.
type eventsCache struct {
	resp      eventsResponse
	updatedAt time.Time
}

// handleEvents returns the events of the last saved snapshot, ordered by
// start.
//
// GET /api/events?q=standup&limit=50
//   - q:     case-insensitive subject filter
//   - limit: maximum number of events (default all)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp, err := s.loadEvents(r.Context())
	if err != nil {
		appLog.Error("api events: snapshot load failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}

	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))
	limit := parseIntDefault(r.URL.Query().Get("limit"), 0)

	events := make([]eventDTO, 0, len(resp.Events))
	for _, ev := range resp.Events {
		if q != "" && !strings.Contains(strings.ToLower(ev.Subject), q) {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	resp.Events = events
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) loadEvents(ctx context.Context) (eventsResponse, error) {
	const eventsCacheTTL = 30 * time.Second

	s.eventsMu.RLock()
	ec := s.eventsCache
	s.eventsMu.RUnlock()
	if ec != nil && time.Since(ec.updatedAt) < eventsCacheTTL {
		return ec.resp, nil
	}

	snap, err := s.store.Load(ctx)
	if err != nil {
		return eventsResponse{}, err
	}

	resp := eventsResponse{Events: []eventDTO{}}
	if snap != nil {
		resp.SyncDate = snap.SyncDate
		resp.Total = snap.Len()
		for _, id := range snap.IDs() {
			rec := snap.Events[id]
			resp.Events = append(resp.Events, eventDTO{
				ID:       id,
				UID:      identity.UID(id, s.cfg.Export.UIDDomain),
				Subject:  rec.Subject,
				Start:    rec.Start,
				End:      rec.End,
				Location: rec.Location,
			})
		}
	}

	s.eventsMu.Lock()
	s.eventsCache = &eventsCache{resp: resp, updatedAt: time.Now()}
	s.eventsMu.Unlock()
	return resp, nil
}

// Invalidate drops cached responses; called after a run saves a snapshot.
func (s *Server) Invalidate() {
	s.eventsMu.Lock()
	s.eventsCache = nil
	s.eventsMu.Unlock()
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
