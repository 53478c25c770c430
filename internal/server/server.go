// Package server exposes analysis sessions over HTTPS and HTTP/3: session
// management, the frame catalog, overlays, unit trees and statistics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/av1scope/internal/analyzer"
	"github.com/zsiec/av1scope/internal/certs"
	"github.com/zsiec/av1scope/internal/overlay"
)

// ContentTypeOverlay is the media type of binary overlay responses.
const ContentTypeOverlay = "application/x-av1scope-overlay"

// maxPrefetch bounds the frame list of one prefetch request.
const maxPrefetch = 4096

// ServerConfig holds the configuration for the inspection Server.
type ServerConfig struct {
	// Addr is the UDP address of the HTTP/3 listener.
	Addr     string
	Cert     *certs.CertInfo
	Registry *analyzer.Registry
	// AllowOpen enables POST /api/sessions, which opens files by path on
	// the server host.
	AllowOpen bool
	Logger    *slog.Logger
}

// SessionInfo is the JSON summary of an open session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Path     string    `json:"path,omitempty"`
	OpenedAt time.Time `json:"openedAt"`
	Frames   int       `json:"frames"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	FourCC   string    `json:"fourcc"`
}

// Server serves the inspection API. The same routes are served over HTTPS
// by APIHandler and over HTTP/3 by Start.
type Server struct {
	config ServerConfig
	log    *slog.Logger
	zenc   *zstd.Encoder
	h3     *http3.Server
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("server: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("server: Addr is required")
	}
	if config.Registry == nil {
		return nil, errors.New("server: Registry is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	return &Server{
		config: config,
		log:    log.With("component", "server"),
		zenc:   zenc,
	}, nil
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleOpenSession)
	mux.HandleFunc("OPTIONS /api/sessions", s.handleOptions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleCloseSession)
	mux.HandleFunc("GET /api/sessions/{id}/stats", s.handleStats)
	mux.HandleFunc("GET /api/sessions/{id}/captions", s.handleCaptions)
	mux.HandleFunc("GET /api/sessions/{id}/frames", s.handleCatalog)
	mux.HandleFunc("POST /api/sessions/{id}/prefetch", s.handlePrefetch)
	mux.HandleFunc("GET /api/sessions/{id}/frames/{index}", s.handleFrame)
	mux.HandleFunc("GET /api/sessions/{id}/frames/{index}/units", s.handleUnitTree)
	mux.HandleFunc("GET /api/sessions/{id}/frames/{index}/overlays/{kind}", s.handleOverlay)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// APIHandler returns the http.Handler for the HTTPS API.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start launches the HTTP/3 server and blocks until ctx is cancelled or a
// fatal error occurs.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	s.h3 = &http3.Server{
		Addr:      s.config.Addr,
		Handler:   corsMiddleware(mux),
		TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}

	s.log.Info("HTTP/3 server listening", "addr", s.config.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// errorStatus maps analyzer errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, analyzer.ErrSessionNotFound),
		errors.Is(err, analyzer.ErrFrameOutOfRange),
		errors.Is(err, analyzer.ErrNoTileData):
		return http.StatusNotFound
	case errors.Is(err, analyzer.ErrClosed):
		return http.StatusGone
	case errors.Is(err, overlay.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	var fe *analyzer.FrameError
	if errors.As(err, &fe) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) *analyzer.Session {
	sess, err := s.config.Registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return nil
	}
	return sess
}

func frameIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 {
		writeError(w, http.StatusBadRequest, "frame index must be a non-negative integer")
		return 0, false
	}
	return idx, true
}

func sessionInfo(sess *analyzer.Session) SessionInfo {
	h := sess.Header()
	return SessionInfo{
		ID:       sess.ID,
		Path:     sess.Path,
		OpenedAt: sess.OpenedAt,
		Frames:   len(sess.FrameCatalog()),
		Width:    int(h.Width),
		Height:   int(h.Height),
		FourCC:   h.FourCC,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.config.Registry.List()
	resp := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, sessionInfo(sess))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// SECURITY: opening arbitrary paths exposes the host filesystem to API
// clients, so it is off unless AllowOpen is set.
func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if !s.config.AllowOpen {
		writeError(w, http.StatusForbidden, "opening streams over the API is disabled")
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	sess, err := s.config.Registry.Open(req.Path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sessionInfo(sess))
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Registry.Close(id); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(w, r); sess != nil {
		writeJSON(w, http.StatusOK, sess.Stats())
	}
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	caps := sess.Captions()
	if caps == nil {
		caps = []analyzer.Caption{}
	}
	writeJSON(w, http.StatusOK, caps)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if sess := s.session(w, r); sess != nil {
		writeJSON(w, http.StatusOK, sess.FrameCatalog())
	}
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	idx, ok := frameIndex(w, r)
	if !ok {
		return
	}
	e, err := sess.Frame(idx)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUnitTree(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	idx, ok := frameIndex(w, r)
	if !ok {
		return
	}
	tree, err := sess.UnitTree(r.Context(), idx)
	if tree == nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	// A tree that came back with an error carries it in its Error field.
	writeJSON(w, http.StatusOK, tree)
}

// handleOverlay serves an overlay as JSON, or with ?format=bin in the
// varint wire encoding, zstd-compressed when the client accepts it. A
// partial decode is served with the X-Decode-Error header set.
func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	idx, ok := frameIndex(w, r)
	if !ok {
		return
	}
	kind, err := overlay.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ov, err := sess.Overlay(r.Context(), idx, kind)
	if ov == nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	if err != nil {
		w.Header().Set("X-Decode-Error", err.Error())
	}

	if r.URL.Query().Get("format") != "bin" {
		writeJSON(w, http.StatusOK, ov)
		return
	}
	body, err := ov.AppendBinary(nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", ContentTypeOverlay)
	if acceptsZstd(r) {
		body = s.zenc.EncodeAll(body, make([]byte, 0, len(body)/2))
		w.Header().Set("Content-Encoding", "zstd")
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.log.Debug("writing overlay", "error", err)
	}
}

// acceptsZstd reports whether Accept-Encoding lists zstd with a non-zero
// quality.
func acceptsZstd(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, params, _ := strings.Cut(part, ";")
		if !strings.EqualFold(strings.TrimSpace(name), "zstd") {
			continue
		}
		for _, p := range strings.Split(params, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
			if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
				continue
			}
			q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil || q <= 0 {
				return false
			}
		}
		return true
	}
	return false
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request) {
	sess := s.session(w, r)
	if sess == nil {
		return
	}
	var req struct {
		Frames []int `json:"frames"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Frames) > maxPrefetch {
		writeError(w, http.StatusBadRequest, "too many frames")
		return
	}
	if err := sess.Prefetch(r.Context(), req.Frames); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"frames": len(req.Frames)})
}

type certHashResponse struct {
	Hash string `json:"hash"`
	Addr string `json:"addr"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash: s.config.Cert.FingerprintBase64(),
		Addr: s.config.Addr,
	})
}
