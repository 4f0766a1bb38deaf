// Package auth issues and verifies the bearer tokens that guard the gate's
// transfer surface.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidCredentials covers both unknown account and wrong password;
	// the caller must not be able to tell which.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken covers expired, malformed, and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Config configures a Manager. Secret is required.
type Config struct {
	Secret   []byte
	TokenTTL time.Duration
	Issuer   string

	// Demo credential pair accepted by Login. A production deployment
	// replaces this with a real identity backend behind the same interface.
	Email    string
	Password string
}

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
}

// Manager signs and verifies HS256 tokens for a single static credential
// pair.
type Manager struct {
	cfg Config
}

// NewManager validates the config and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("auth: secret must be at least 32 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "idsgate"
	}
	return &Manager{cfg: cfg}, nil
}

// Login checks the credential pair and returns a signed token. Comparison is
// constant time on both fields.
func (m *Manager) Login(email, password string) (string, error) {
	emailOK := subtle.ConstantTimeCompare([]byte(email), []byte(m.cfg.Email)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(m.cfg.Password)) == 1
	if !emailOK || !passOK {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.cfg.Secret, nil
	}, jwt.WithIssuer(m.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
