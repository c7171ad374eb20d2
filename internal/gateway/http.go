package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/atlas/internal/artifacts"
	"github.com/haasonsaas/atlas/pkg/models"
)

// Handler returns the gateway's HTTP routes: the web chat socket, health,
// metrics and artifact downloads.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /artifacts/{id}", s.handleArtifact)
	if s.cfg.Observability.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Observability.Metrics.Path, promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	if adapter, ok := s.channels.Get(models.ChannelWeb); ok {
		if handler, ok := adapter.(http.Handler); ok {
			mux.Handle(s.cfg.Channels.Web.Path, handler)
		}
	}
	return mux
}

func (s *Server) startHTTP() error {
	addr := s.cfg.Server.Addr()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           loggingMiddleware(s.logger, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) stopHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Version  string                   `json:"version,omitempty"`
	Uptime   string                   `json:"uptime,omitempty"`
	Channels map[string]channelHealth `json:"channels"`
}

type channelHealth struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// handleHealthz reports ok while at least one channel is connected.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  s.opts.Version,
		Channels: make(map[string]channelHealth),
	}
	if !s.startTime.IsZero() {
		resp.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}
	connected := 0
	for channel, status := range s.channels.Statuses() {
		resp.Channels[string(channel)] = channelHealth{Connected: status.Connected, Error: status.Error}
		if status.Connected {
			connected++
		}
	}
	code := http.StatusOK
	if connected == 0 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// handleArtifact serves a stored tool artifact, such as a rendered heat map.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, body, err := s.artifacts.Open(r.Context(), r.PathValue("id"))
	if errors.Is(err, artifacts.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("failed to open artifact", "id", r.PathValue("id"), "error", err)
		http.Error(w, "artifact unavailable", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	if artifact.MimeType != "" {
		w.Header().Set("Content-Type", artifact.MimeType)
	}
	if artifact.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	}
	if artifact.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", artifact.Filename))
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, body); err != nil {
		s.logger.Debug("artifact copy interrupted", "id", artifact.ID, "error", err)
	}
}
