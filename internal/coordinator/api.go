// ABOUTME: HTTP admin API exposing group management, the membership audit log and metrics.
// ABOUTME: API routes sit behind JWT bearer auth when a verifier is configured.

package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/muster/internal/auth"
	"github.com/2389/muster/internal/protocol"
	"github.com/2389/muster/internal/store"
)

// ServerOptions configures the admin API.
type ServerOptions struct {
	Addr        string
	MetricsPath string // empty disables /metrics
	Verifier    auth.TokenVerifier
}

// Server serves the admin API for a Coordinator.
type Server struct {
	coord  *Coordinator
	opts   ServerOptions
	http   *http.Server
	logger *slog.Logger
}

// MemberResponse is one agent in a group.
type MemberResponse struct {
	Identity        string `json:"identity"`
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Machine         string `json:"machine"`
	SoftwareVersion string `json:"software_version"`
	Alive           bool   `json:"alive"`
}

// GroupResponse is a group as returned by the API.
type GroupResponse struct {
	Label       string           `json:"label"`
	Channel     string           `json:"channel"`
	WorkEnabled bool             `json:"work_enabled"`
	Members     []MemberResponse `json:"members"`
}

// EventResponse is one audit entry.
type EventResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Group     string    `json:"group"`
	Identity  string    `json:"identity"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewServer builds the admin API. Call Run to start listening.
func NewServer(coord *Coordinator, opts ServerOptions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:  coord,
		opts:   opts,
		logger: logger.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	if s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, s.coord.Metrics().Handler())
	}

	authMiddleware := auth.RequireToken(s.opts.Verifier, s.logger)
	api := http.NewServeMux()
	api.HandleFunc("GET /api/groups", s.handleListGroups)
	api.HandleFunc("POST /api/groups", s.handleCreateGroup)
	api.HandleFunc("GET /api/groups/{label}", s.handleGetGroup)
	api.HandleFunc("DELETE /api/groups/{label}", s.handleDeleteGroup)
	api.HandleFunc("POST /api/groups/{label}/clear", s.handleClearGroup)
	api.HandleFunc("POST /api/groups/{label}/work", s.handleSetWork)
	api.HandleFunc("POST /api/groups/{label}/disconnect", s.handleDisconnect)
	api.HandleFunc("POST /api/groups/{label}/command", s.handleCommand)
	api.HandleFunc("POST /api/broadcast", s.handleBroadcast)
	api.HandleFunc("POST /api/work", s.handleSetWorkAll)
	api.HandleFunc("GET /api/audit", s.handleAudit)
	mux.Handle("/api/", authMiddleware(api))

	return mux
}

// Run listens on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "auth", s.opts.Verifier != nil)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the coordinator can assign agents.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.coord.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no groups defined"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d groups)", len(s.coord.Groups()))
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.coord.Groups()
	resp := make([]GroupResponse, 0, len(groups))
	for _, g := range groups {
		resp = append(resp, toGroupResponse(g))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.coord.Group(r.PathValue("label"))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(g))
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	g, err := s.coord.CreateGroup(r.Context(), req.Label)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.logger.Info("group created via API", "group", g.Label, "principal", auth.PrincipalFrom(r.Context()))
	writeJSON(w, http.StatusCreated, toGroupResponse(g))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	label := r.PathValue("label")
	if err := s.coord.DeleteGroup(r.Context(), label); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.logger.Info("group deleted via API", "group", label, "principal", auth.PrincipalFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearGroup(w http.ResponseWriter, r *http.Request) {
	n, err := s.coord.ClearGroup(r.Context(), r.PathValue("label"))
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

type workRequest struct {
	Enabled *bool `json:"enabled"`
}

func decodeWork(r *http.Request) (bool, error) {
	var req workRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return false, err
	}
	if req.Enabled == nil {
		return false, errors.New("enabled is required")
	}
	return *req.Enabled, nil
}

func (s *Server) handleSetWork(w http.ResponseWriter, r *http.Request) {
	enabled, err := decodeWork(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	label := r.PathValue("label")
	if err := s.coord.SetWork(r.Context(), label, enabled); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"group": label, "work_enabled": enabled})
}

func (s *Server) handleSetWorkAll(w http.ResponseWriter, r *http.Request) {
	enabled, err := decodeWork(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.SetWorkAll(r.Context(), enabled); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"work_enabled": enabled})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	n, err := s.coord.DisconnectAgents(r.Context(), r.PathValue("label"), req.Identity)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"disconnected": n})
}

// decodeCommand reads {"command": "..."} and parses it as a group command,
// with or without the COMMAND envelope.
func decodeCommand(r *http.Request) (protocol.Message, error) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Command == "" {
		return nil, errors.New("command is required")
	}
	return protocol.ParseCommand(req.Command)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeCommand(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	label := r.PathValue("label")
	if err := s.coord.Command(r.Context(), label, msg); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.logger.Info("command sent via API", "group", label, "command", msg.Encode(), "principal", auth.PrincipalFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"group": label, "command": msg.Encode()})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	msg, err := decodeCommand(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.Broadcast(r.Context(), msg); err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	s.logger.Info("command broadcast via API", "command", msg.Encode(), "principal", auth.PrincipalFrom(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"command": msg.Encode()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.EventFilter{
		GroupLabel: q.Get("group"),
		Identity:   q.Get("identity"),
		Kind:       store.EventKind(q.Get("kind")),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	events, err := s.coord.Audit(r.Context(), f)
	if err != nil {
		s.writeCoordError(w, r, err)
		return
	}
	resp := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, EventResponse{
			ID:        e.ID,
			Kind:      string(e.Kind),
			Group:     e.GroupLabel,
			Identity:  e.Identity,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeCoordError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrGroupExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidLabel), errors.Is(err, ErrNoGroups), errors.Is(err, ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toGroupResponse(g GroupInfo) GroupResponse {
	members := make([]MemberResponse, 0, len(g.Members))
	for _, rec := range g.Members {
		members = append(members, MemberResponse{
			Identity:        rec.Identity,
			Hostname:        rec.Meta.Hostname,
			Platform:        rec.Meta.Platform,
			PlatformVersion: rec.Meta.PlatformVersion,
			Machine:         rec.Meta.Machine,
			SoftwareVersion: rec.Meta.SoftwareVersion,
			Alive:           rec.Alive,
		})
	}
	return GroupResponse{
		Label:       g.Label,
		Channel:     g.Channel,
		WorkEnabled: g.WorkEnabled,
		Members:     members,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
