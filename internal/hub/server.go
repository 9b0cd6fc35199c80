// Package hub serves envhub's HTTP API: environment listing, the options
// form, image builds and session start/stop.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/majorcontext/envhub/internal/builder"
	"github.com/majorcontext/envhub/internal/container"
	"github.com/majorcontext/envhub/internal/form"
	"github.com/majorcontext/envhub/internal/log"
	"github.com/majorcontext/envhub/internal/registry"
	"github.com/majorcontext/envhub/internal/session"
	"github.com/majorcontext/envhub/internal/sidecar"
	"github.com/majorcontext/envhub/internal/tokenstore"
)

// Deps are the components the server exposes.
type Deps struct {
	Runtime  container.Runtime
	Registry *registry.Registry
	Builder  *builder.Builder
	Spawner  *session.Spawner
	Form     *form.Renderer
	Tokens   tokenstore.Store
}

// Server is the HTTP API server.
type Server struct {
	deps      Deps
	server    *http.Server
	listener  net.Listener
	sockPath  string
	startedAt time.Time

	// Background builds outlive their request; they stop when baseCtx is
	// cancelled by Stop.
	baseCtx    context.Context
	cancel     context.CancelFunc
	builds     sync.WaitGroup
	inProgress atomic.Int64
}

// NewServer creates a server. Call ListenTCP or ListenUnix to accept
// connections.
func NewServer(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:      deps,
		startedAt: time.Now(),
		baseCtx:   ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	mux.HandleFunc("GET /v1/environments", s.handleListEnvironments)
	mux.HandleFunc("GET /v1/options-form", s.handleOptionsForm)
	mux.HandleFunc("POST /v1/images", s.handleBuildImage)
	mux.HandleFunc("DELETE /v1/images", s.handleRemoveImage)
	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("DELETE /v1/sessions/{user}", s.handleStopSession)
	mux.HandleFunc("PUT /v1/tokens", s.handleSetToken)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the API handler, for embedding in another server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix starts serving on a Unix socket, replacing a stale socket file.
func (s *Server) ListenUnix(path string) error {
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.sockPath = path
	s.serve(l)
	return nil
}

// ListenTCP starts serving on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.serve(l)
	return nil
}

func (s *Server) serve(l net.Listener) {
	s.listener = l
	log.Info("hub listening", "addr", l.Addr().String())
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("hub server stopped", "error", err)
		}
	}()
}

// Addr returns the listener address, or nil before Listen*.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down, cancels running builds and waits for them.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.builds.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if s.sockPath != "" {
		os.Remove(s.sockPath)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	engine := "ok"
	if err := s.deps.Runtime.Ping(r.Context()); err != nil {
		engine = err.Error()
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		PID:       os.Getpid(),
		Engine:    engine,
		StartedAt: s.startedAt.Format(time.RFC3339),
		Builds:    int(s.inProgress.Load()),
	})
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.deps.Registry.List(r.Context())
	if err != nil {
		writeError(w, engineStatus(err), err.Error())
		return
	}
	if envs == nil {
		envs = []registry.Environment{}
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleOptionsForm(w http.ResponseWriter, r *http.Request) {
	envs, err := s.deps.Registry.List(r.Context())
	if err != nil {
		// An unreachable engine still renders an (empty) form.
		log.Warn("listing environments for form", "error", err)
		envs = nil
	}
	html, err := s.deps.Form.Render(envs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// handleBuildImage validates the request and runs the build in the
// background, as builds take minutes.
func (s *Server) handleBuildImage(w http.ResponseWriter, r *http.Request) {
	var body BuildRequest
	if !decode(w, r, &body) {
		return
	}
	req := body.toBuilder()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	image, err := req.Image()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.builds.Add(1)
	s.inProgress.Add(1)
	go func() {
		defer s.builds.Done()
		defer s.inProgress.Add(-1)
		name, err := s.deps.Builder.Build(s.baseCtx, req)
		if err != nil {
			log.Error("background build failed", "repo", req.Repo, "ref", req.Ref, "error", err)
			return
		}
		log.Info("background build finished", "image", name)
	}()

	writeJSON(w, http.StatusAccepted, BuildResponse{ImageName: image, Status: registry.StatusBuilding})
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	var body RemoveImageRequest
	if !decode(w, r, &body) {
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "image name is required")
		return
	}
	if err := s.deps.Builder.Remove(r.Context(), body.Name); err != nil {
		if errors.Is(err, builder.ErrImageNotFound) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Image %s does not exist", body.Name))
			return
		}
		writeError(w, engineStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body StartSessionRequest
	if !decode(w, r, &body) {
		return
	}
	if body.User == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	sess, err := s.deps.Spawner.Start(r.Context(), session.Spec{User: body.User, Image: body.Image, Env: body.Env})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sess)
	case errors.Is(err, sidecar.ErrMissingToken), errors.Is(err, session.ErrNoImage), container.IsNotFound(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, engineStatus(err), err.Error())
	}
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	if err := s.deps.Spawner.Stop(r.Context(), user); err != nil {
		writeError(w, engineStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var body SetTokenRequest
	if !decode(w, r, &body) {
		return
	}
	if body.User == "" || body.Repo == "" || body.Token == "" {
		writeError(w, http.StatusBadRequest, "user, repo and token are required")
		return
	}
	if err := s.deps.Tokens.Set(r.Context(), body.User, body.Repo, body.Token); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// engineStatus maps an engine failure to a response status.
func engineStatus(err error) int {
	if container.IsUnreachable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: status, Message: msg})
}

// writeJSON marshals v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
