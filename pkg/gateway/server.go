// Package gateway is the service surface of the transfer gate. The Server's
// methods take a bearer token and DTOs and return an HTTP-shaped status plus
// response, so the attack driver can exercise the exact production decision
// path in-process; the HTTP layer in http.go is a thin codec over the same
// methods.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"idsgate/pkg/auth"
	"idsgate/pkg/handshake"
	"idsgate/pkg/ratelimit"
	"idsgate/pkg/upload"
)

// Config configures a Server.
type Config struct {
	Auth   *auth.Manager
	Engine *handshake.Engine
	Gate   *upload.Gate
	// Limiter bounds handshake inits per client. Nil disables limiting.
	Limiter *ratelimit.SlidingWindowLimiter

	Logger *logrus.Logger
}

// Server wires auth, handshake, and upload into one service.
type Server struct {
	auth    *auth.Manager
	engine  *handshake.Engine
	gate    *upload.Gate
	limiter *ratelimit.SlidingWindowLimiter
	log     *logrus.Logger
}

// New builds a Server.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Server{
		auth:    cfg.Auth,
		engine:  cfg.Engine,
		gate:    cfg.Gate,
		limiter: cfg.Limiter,
		log:     log,
	}
}

// Login exchanges credentials for a bearer token.
func (s *Server) Login(req LoginRequest) (int, LoginResponse) {
	token, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return http.StatusUnauthorized, LoginResponse{Error: "invalid credentials"}
		}
		s.log.WithError(err).Error("login failed")
		return http.StatusInternalServerError, LoginResponse{Error: "internal error"}
	}
	return http.StatusOK, LoginResponse{Token: token}
}

// HandshakeInit authenticates the caller, applies the per-client rate limit,
// and starts a handshake.
func (s *Server) HandshakeInit(ctx context.Context, token string, req InitRequest) (int, InitResponse) {
	claims, err := s.auth.Verify(token)
	if err != nil {
		return http.StatusUnauthorized, InitResponse{Error: "unauthorized"}
	}
	clientID := claims.Subject

	if s.limiter != nil {
		if ok, _, retry := s.limiter.Allow(ctx, clientID); !ok {
			s.log.WithFields(logrus.Fields{
				"client_id": clientID,
				"retry_at":  retry.Format(time.RFC3339),
			}).Warn("handshake rate limited")
			return http.StatusTooManyRequests, InitResponse{Error: "rate limit exceeded"}
		}
	}

	key, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return http.StatusBadRequest, InitResponse{Error: "publicKey is not valid base64"}
	}
	res, err := s.engine.Init(clientID, key)
	if err != nil {
		if errors.Is(err, handshake.ErrInvalidClientKey) {
			return http.StatusBadRequest, InitResponse{Error: "invalid public key"}
		}
		s.log.WithError(err).Error("handshake init failed")
		return http.StatusInternalServerError, InitResponse{Error: "internal error"}
	}

	resp := InitResponse{
		HandshakeID:     res.HandshakeID,
		ServerPublicKey: base64.StdEncoding.EncodeToString(res.ServerPublicKey),
	}
	if len(res.KyberCiphertext) > 0 {
		resp.KyberCiphertext = base64.StdEncoding.EncodeToString(res.KyberCiphertext)
	}
	return http.StatusOK, resp
}

// HandshakeValidate scores a pending handshake. A rejected handshake returns
// 200 with Verified=false so the client can read the verdict.
func (s *Server) HandshakeValidate(token string, req ValidateRequest) (int, ValidateResponse) {
	if _, err := s.auth.Verify(token); err != nil {
		return http.StatusUnauthorized, ValidateResponse{Error: "unauthorized"}
	}
	if req.HandshakeID == "" {
		return http.StatusBadRequest, ValidateResponse{Error: "handshakeId is required"}
	}

	res, err := s.engine.Validate(req.HandshakeID)
	if err != nil {
		if errors.Is(err, handshake.ErrUnknownHandshake) {
			return http.StatusNotFound, ValidateResponse{Error: "unknown handshake"}
		}
		s.log.WithError(err).Error("handshake validate failed")
		return http.StatusInternalServerError, ValidateResponse{Error: "internal error"}
	}

	resp := ValidateResponse{
		Verified:  res.Verified,
		IDSResult: &res.Score,
	}
	if res.Verified {
		resp.SessionKey = res.SessionKey
	}
	return http.StatusOK, resp
}

// Upload runs the gate pipeline on one payload.
func (s *Server) Upload(token string, req upload.Request) (int, UploadResponse) {
	claims, err := s.auth.Verify(token)
	if err != nil {
		return http.StatusUnauthorized, UploadResponse{Status: "rejected", Error: "unauthorized"}
	}
	req.ClientID = claims.Subject

	dec, err := s.gate.Check(req)
	if err != nil {
		if errors.Is(err, upload.ErrEmptyPayload) {
			return http.StatusBadRequest, UploadResponse{Status: "rejected", Error: "empty payload"}
		}
		s.log.WithError(err).Error("upload check failed")
		return http.StatusInternalServerError, UploadResponse{Status: "rejected", Error: "internal error"}
	}

	if dec.Accepted {
		return http.StatusOK, UploadResponse{
			Status:  "accepted",
			Message: "file accepted",
			Details: &UploadDetails{IDS: dec.Score},
		}
	}

	resp := UploadResponse{Status: "rejected", Error: dec.Reason}
	status := http.StatusForbidden
	switch dec.Reason {
	case upload.ReasonMalformedContent:
		status = http.StatusBadRequest
		resp.Details = &UploadDetails{Validation: &ValidationDetails{RiskScore: dec.RiskScore}}
	case upload.ReasonOversize:
		status = http.StatusRequestEntityTooLarge
		resp.Details = &UploadDetails{Validation: &ValidationDetails{RiskScore: dec.RiskScore}}
	case upload.ReasonReplayDetected:
		resp.Details = &UploadDetails{Validation: &ValidationDetails{RiskScore: dec.RiskScore}}
	default:
		resp.Details = &UploadDetails{IDS: dec.Score}
	}
	return status, resp
}
