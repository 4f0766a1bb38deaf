package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"idsgate/pkg/upload"
)

const maxUploadForm = 128 << 20

// Handler returns the HTTP surface over the Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /handshake/init", s.handleInit)
	mux.HandleFunc("POST /handshake/validate", s.handleValidate)
	mux.HandleFunc("POST /files/upload", s.handleUpload)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.logged(mux)
}

func (s *Server) logged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Error: "invalid request body"})
		return
	}
	status, resp := s.Login(req)
	writeJSON(w, status, resp)
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, InitResponse{Error: "invalid request body"})
		return
	}
	status, resp := s.HandshakeInit(r.Context(), bearerToken(r), req)
	writeJSON(w, status, resp)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ValidateResponse{Error: "invalid request body"})
		return
	}
	status, resp := s.HandshakeValidate(bearerToken(r), req)
	writeJSON(w, status, resp)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	req, ok := parseUpload(w, r)
	if !ok {
		return
	}
	status, resp := s.Upload(bearerToken(r), req)
	writeJSON(w, status, resp)
}

// parseUpload reads the multipart "file" part. On failure it writes the
// error response itself and returns ok=false.
func parseUpload(w http.ResponseWriter, r *http.Request) (req upload.Request, ok bool) {
	if err := r.ParseMultipartForm(maxUploadForm); err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Status: "rejected", Error: "invalid multipart body"})
		return req, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Status: "rejected", Error: "file field is required"})
		return req, false
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, UploadResponse{Status: "rejected", Error: "unreadable file"})
		return req, false
	}
	req.Filename = header.Filename
	req.ContentType = header.Header.Get("Content-Type")
	req.Content = content
	return req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.WithField("addr", addr).Info("gateway listening")
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
