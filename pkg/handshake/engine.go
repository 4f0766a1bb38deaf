// Package handshake implements the key-agreement state machine guarded by
// the anomaly scorer. A handshake is initialized with the client's public
// key, then validated exactly once; only a validated handshake with a normal
// verdict yields a session key.
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"idsgate/pkg/features"
	"idsgate/pkg/scorer"
)

var (
	// ErrInvalidClientKey means the submitted public key is not a valid
	// X25519 key (or X25519||Kyber768 bundle in hybrid mode).
	ErrInvalidClientKey = errors.New("invalid client public key")
	// ErrUnknownHandshake means the handshake ID does not name a session
	// that is still awaiting validation.
	ErrUnknownHandshake = errors.New("unknown or consumed handshake")
)

const sessionKeyInfo = "idsgate-session-v1"

// State is the lifecycle position of a handshake session. Validated,
// Rejected, and Expired are terminal.
type State int

const (
	StateInitialized State = iota
	StateValidated
	StateRejected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateValidated:
		return "validated"
	case StateRejected:
		return "rejected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Config configures the Engine.
type Config struct {
	// HybridKEM additionally accepts X25519||Kyber768 client keys and
	// returns a Kyber ciphertext alongside the server's classical key.
	HybridKEM bool
	// SessionTTL bounds how long an initialized handshake may wait for
	// validation. Zero means 5 minutes.
	SessionTTL time.Duration
	// IPReputation maps client IDs to reputation in [0,1]; unlisted
	// clients get DefaultReputation.
	IPReputation      map[string]float64
	DefaultReputation float64
	GeoRisk           float64
	ProtocolVersion   float64

	Logger *logrus.Logger
}

type session struct {
	id        string
	clientID  string
	state     State
	createdAt time.Time

	clientKey    []byte
	serverPub    []byte
	sharedSecret []byte
	keyValid     bool

	sessionKey string
	score      scorer.Result
}

// InitResult is the server's half of a handshake initialization.
type InitResult struct {
	HandshakeID     string
	ServerPublicKey []byte
	// KyberCiphertext is set only in hybrid mode.
	KyberCiphertext []byte
}

// ValidateResult reports the outcome of validating a handshake.
type ValidateResult struct {
	Verified bool
	// SessionKey is non-empty only when Verified is true.
	SessionKey string
	Score      scorer.Result
}

// Engine runs handshake sessions. All state transitions happen under one
// lock, so concurrent validations of the same handshake serialize and at
// most one of them observes the Initialized state.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*session
	attempts map[string][]time.Time

	sc     *scorer.Scorer
	cfg    Config
	log    *logrus.Logger
	scheme kem.Scheme
}

// NewEngine builds an Engine over the given scorer.
func NewEngine(sc *scorer.Scorer, cfg Config) *Engine {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 5 * time.Minute
	}
	if cfg.DefaultReputation == 0 {
		cfg.DefaultReputation = 0.5
	}
	if cfg.GeoRisk == 0 {
		cfg.GeoRisk = 0.2
	}
	if cfg.ProtocolVersion == 0 {
		cfg.ProtocolVersion = 2.0
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		sessions: make(map[string]*session),
		attempts: make(map[string][]time.Time),
		sc:       sc,
		cfg:      cfg,
		log:      log,
		scheme:   kyber768.Scheme(),
	}
}

// Init starts a handshake for clientID with the client's public key. The key
// must be a 32-byte X25519 key, or X25519 followed by a Kyber768 public key
// when hybrid mode is on. Structurally invalid keys are rejected before a
// session is created.
func (e *Engine) Init(clientID string, clientPublicKey []byte) (*InitResult, error) {
	hybrid := false
	switch {
	case len(clientPublicKey) == curve25519.ScalarSize:
	case e.cfg.HybridKEM && len(clientPublicKey) == curve25519.ScalarSize+e.scheme.PublicKeySize():
		hybrid = true
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidClientKey, len(clientPublicKey))
	}

	serverPriv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, serverPriv); err != nil {
		return nil, fmt.Errorf("handshake: keygen: %w", err)
	}
	serverPub, err := curve25519.X25519(serverPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("handshake: keygen: %w", err)
	}

	// A low-order client point fails the exchange. The session is still
	// created with an empty secret: the verdict at validation time is the
	// authoritative gate, and the invalid-signature signal must reach it.
	keyValid := true
	shared, err := curve25519.X25519(serverPriv, clientPublicKey[:curve25519.ScalarSize])
	if err != nil {
		keyValid = false
		shared = nil
	}

	var kyberCT []byte
	if hybrid {
		pk, err := e.scheme.UnmarshalBinaryPublicKey(clientPublicKey[curve25519.ScalarSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: kyber: %v", ErrInvalidClientKey, err)
		}
		ct, kemShared, err := e.scheme.Encapsulate(pk)
		if err != nil {
			return nil, fmt.Errorf("handshake: encapsulate: %w", err)
		}
		kyberCT = ct
		if keyValid {
			shared = append(shared, kemShared...)
		}
	}

	sess := &session{
		id:           uuid.NewString(),
		clientID:     clientID,
		state:        StateInitialized,
		createdAt:    time.Now(),
		clientKey:    append([]byte(nil), clientPublicKey...),
		serverPub:    serverPub,
		sharedSecret: shared,
		keyValid:     keyValid,
	}

	e.mu.Lock()
	e.sessions[sess.id] = sess
	e.recordAttemptLocked(clientID, sess.createdAt)
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"handshake_id": sess.id,
		"client_id":    clientID,
		"hybrid":       hybrid,
		"key_valid":    keyValid,
	}).Debug("handshake initialized")

	return &InitResult{
		HandshakeID:     sess.id,
		ServerPublicKey: serverPub,
		KyberCiphertext: kyberCT,
	}, nil
}

// Validate scores an initialized handshake and moves it to a terminal state.
// Only the first call for a given handshake ID can succeed; later calls and
// calls for unknown IDs return ErrUnknownHandshake.
func (e *Engine) Validate(handshakeID string) (*ValidateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[handshakeID]
	if !ok || sess.state != StateInitialized {
		return nil, ErrUnknownHandshake
	}
	if time.Since(sess.createdAt) > e.cfg.SessionTTL {
		sess.state = StateExpired
		return nil, ErrUnknownHandshake
	}

	vec, err := e.featuresLocked(sess)
	if err != nil {
		return nil, fmt.Errorf("handshake: features: %w", err)
	}
	res, err := e.sc.Score(scorer.ContextHandshake, vec)
	if err != nil {
		return nil, fmt.Errorf("handshake: score: %w", err)
	}
	sess.score = res

	if res.Verdict == scorer.VerdictNormal {
		sess.state = StateValidated
		sess.sessionKey = deriveSessionKey(sess.sharedSecret, sess.id)
	} else {
		sess.state = StateRejected
	}

	e.log.WithFields(logrus.Fields{
		"handshake_id":  sess.id,
		"client_id":     sess.clientID,
		"state":         sess.state.String(),
		"anomaly_score": res.AnomalyScore,
	}).Info("handshake validated")

	return &ValidateResult{
		Verified:   sess.state == StateValidated,
		SessionKey: sess.sessionKey,
		Score:      res,
	}, nil
}

// featuresLocked builds the handshake feature vector. Caller holds e.mu.
func (e *Engine) featuresLocked(sess *session) (features.Vector, error) {
	now := time.Now()
	sigValid := 0.0
	if sess.keyValid {
		sigValid = 1.0
	}
	rep, ok := e.cfg.IPReputation[sess.clientID]
	if !ok {
		rep = e.cfg.DefaultReputation
	}
	return features.New(features.Handshake, map[string]float64{
		"handshake_duration": now.Sub(sess.createdAt).Seconds(),
		"key_size":           float64(len(sess.clientKey)),
		"signature_valid":    sigValid,
		"client_entropy":     features.EntropyEstimate(sess.clientKey),
		"server_entropy":     features.EntropyEstimate(sess.serverPub),
		"retry_count":        float64(e.retriesLocked(sess.clientID, now)),
		"timestamp_hour":     float64(now.Hour()),
		"ip_reputation":      rep,
		"geolocation_risk":   e.cfg.GeoRisk,
		"protocol_version":   e.cfg.ProtocolVersion,
	})
}

// recordAttemptLocked notes an init for retry counting. Caller holds e.mu.
func (e *Engine) recordAttemptLocked(clientID string, at time.Time) {
	cutoff := at.Add(-time.Minute)
	kept := e.attempts[clientID][:0]
	for _, t := range e.attempts[clientID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.attempts[clientID] = append(kept, at)
}

// retriesLocked counts inits by clientID in the last minute, excluding the
// first. Caller holds e.mu.
func (e *Engine) retriesLocked(clientID string, now time.Time) int {
	cutoff := now.Add(-time.Minute)
	n := 0
	for _, t := range e.attempts[clientID] {
		if t.After(cutoff) {
			n++
		}
	}
	if n > 0 {
		n--
	}
	return n
}

// CleanupExpired drops terminal sessions and times out stale initialized
// ones. It returns the number of sessions removed.
func (e *Engine) CleanupExpired() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for id, sess := range e.sessions {
		stale := now.Sub(sess.createdAt) > e.cfg.SessionTTL
		if sess.state == StateInitialized && stale {
			sess.state = StateExpired
		}
		// Terminal sessions linger one TTL so late lookups fail cleanly
		// instead of colliding with a recycled map slot.
		if sess.state != StateInitialized && now.Sub(sess.createdAt) > 2*e.cfg.SessionTTL {
			delete(e.sessions, id)
			removed++
		}
	}
	for clientID, ts := range e.attempts {
		cutoff := now.Add(-time.Minute)
		kept := ts[:0]
		for _, t := range ts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) == 0 {
			delete(e.attempts, clientID)
		} else {
			e.attempts[clientID] = kept
		}
	}
	return removed
}

// SessionState reports the state of a handshake, for tests and diagnostics.
func (e *Engine) SessionState(handshakeID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, ok := e.sessions[handshakeID]
	if !ok {
		return 0, false
	}
	return sess.state, true
}

// deriveSessionKey derives a 32-byte session key from the shared secret via
// HKDF-SHA3-256, salted with the handshake ID.
func deriveSessionKey(secret []byte, handshakeID string) string {
	r := hkdf.New(sha3.New256, secret, []byte(handshakeID), []byte(sessionKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return ""
	}
	return hex.EncodeToString(key)
}
