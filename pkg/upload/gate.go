// Package upload gates file transfers. Payloads pass a structural check, a
// replay check, then anomaly scoring; only a normal verdict is accepted.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"idsgate/pkg/features"
	"idsgate/pkg/scorer"
)

// Rejection reasons reported to clients.
const (
	ReasonMalformedContent  = "malformed_content"
	ReasonAnomalousTransfer = "anomalous_transfer"
	ReasonReplayDetected    = "replay_detected"
	ReasonOversize          = "payload_too_large"
)

// ErrEmptyPayload is returned for zero-length uploads.
var ErrEmptyPayload = errors.New("empty payload")

// Request is one upload to evaluate.
type Request struct {
	Filename    string
	ContentType string
	Content     []byte
	ClientID    string
	// Duration is how long the transfer took; in-process callers may leave
	// it zero and a floor is applied.
	Duration time.Duration
}

// Decision is the gate's ruling on a request.
type Decision struct {
	Accepted bool
	// Reason is set on rejection.
	Reason string
	// Score is present when the request reached the scorer.
	Score *scorer.Result
	// RiskScore is the structural risk estimate, reported when the payload
	// is rejected before scoring.
	RiskScore float64
}

// Config configures a Gate.
type Config struct {
	// MaxSize bounds accepted payloads in bytes. Zero means 100 MiB.
	MaxSize int64
	// ReplayWindow is how long a payload hash blocks identical resubmits.
	// Negative disables the replay check; zero means 10 seconds.
	ReplayWindow time.Duration

	Logger   *logrus.Logger
	Registry prometheus.Registerer
}

// Gate evaluates uploads against the file-context anomaly model.
type Gate struct {
	sc  *scorer.Scorer
	cfg Config
	log *logrus.Logger

	mu     sync.Mutex
	replay map[string]time.Time

	inflight atomic.Int64

	mDecisions *prometheus.CounterVec
}

// NewGate builds a Gate over the given scorer.
func NewGate(sc *scorer.Scorer, cfg Config) *Gate {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100 << 20
	}
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	g := &Gate{
		sc:     sc,
		cfg:    cfg,
		log:    log,
		replay: make(map[string]time.Time),
		mDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idsgate_upload_decisions_total",
			Help: "Upload gate decisions by outcome",
		}, []string{"outcome"}),
	}
	if cfg.Registry != nil {
		cfg.Registry.MustRegister(g.mDecisions)
	}
	return g
}

// Check runs the full gate pipeline on one request.
func (g *Gate) Check(req Request) (Decision, error) {
	if len(req.Content) == 0 {
		return Decision{}, ErrEmptyPayload
	}
	if int64(len(req.Content)) > g.cfg.MaxSize {
		g.mDecisions.WithLabelValues(ReasonOversize).Inc()
		return Decision{Reason: ReasonOversize, RiskScore: 0.5}, nil
	}

	if risk, ok := structuralDefect(req.Filename, req.ContentType, req.Content); ok {
		g.mDecisions.WithLabelValues(ReasonMalformedContent).Inc()
		g.log.WithFields(logrus.Fields{
			"client_id": req.ClientID,
			"filename":  req.Filename,
			"risk":      risk,
		}).Warn("upload rejected: malformed content")
		return Decision{Reason: ReasonMalformedContent, RiskScore: risk}, nil
	}

	if g.isReplay(req.Content) {
		g.mDecisions.WithLabelValues(ReasonReplayDetected).Inc()
		g.log.WithFields(logrus.Fields{
			"client_id": req.ClientID,
			"filename":  req.Filename,
		}).Warn("upload rejected: replayed payload")
		return Decision{Reason: ReasonReplayDetected, RiskScore: 0.8}, nil
	}

	g.inflight.Add(1)
	defer g.inflight.Add(-1)

	vec, err := g.extract(req)
	if err != nil {
		return Decision{}, fmt.Errorf("upload: features: %w", err)
	}
	res, err := g.sc.Score(scorer.ContextFile, vec)
	if err != nil {
		return Decision{}, fmt.Errorf("upload: score: %w", err)
	}

	if res.Verdict != scorer.VerdictNormal {
		g.mDecisions.WithLabelValues(ReasonAnomalousTransfer).Inc()
		g.log.WithFields(logrus.Fields{
			"client_id":     req.ClientID,
			"filename":      req.Filename,
			"anomaly_score": res.AnomalyScore,
		}).Warn("upload rejected: anomalous transfer")
		return Decision{Reason: ReasonAnomalousTransfer, Score: &res}, nil
	}

	g.mDecisions.WithLabelValues("accepted").Inc()
	return Decision{Accepted: true, Score: &res}, nil
}

// isReplay records the payload hash and reports whether an identical payload
// was seen inside the replay window.
func (g *Gate) isReplay(content []byte) bool {
	if g.cfg.ReplayWindow < 0 {
		return false
	}
	sum := sha256.Sum256(content)
	key := hex.EncodeToString(sum[:])
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, exp := range g.replay {
		if now.After(exp) {
			delete(g.replay, k)
		}
	}
	if exp, ok := g.replay[key]; ok && now.Before(exp) {
		return true
	}
	g.replay[key] = now.Add(g.cfg.ReplayWindow)
	return false
}

// extract builds the file-context feature vector for a request.
func (g *Gate) extract(req Request) (features.Vector, error) {
	ent := features.Entropy(req.Content)
	dur := req.Duration.Seconds()
	if dur < 0.001 {
		dur = 0.001
	}
	size := float64(len(req.Content))
	return features.New(features.File, map[string]float64{
		"file_size":           size,
		"file_entropy":        ent,
		"file_type_risk":      typeRisk(req.Filename, req.ContentType),
		"encryption_strength": 256, // transfers ride the AES-256-GCM session channel
		"upload_duration":     dur,
		"compression_ratio":   ent / 8,
		"metadata_anomaly":    metadataAnomaly(req.Filename, req.ContentType, ent),
		"transfer_speed":      size / dur,
		"packet_loss":         0,
		"concurrent_uploads":  float64(g.inflight.Load()),
	})
}

// typeRisk scores how often a declared type shows up in abuse. Extension
// wins over content type when both are present.
func typeRisk(filename, contentType string) float64 {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".exe"), strings.HasSuffix(name, ".dll"),
		strings.HasSuffix(name, ".scr"):
		return 0.9
	case strings.HasSuffix(name, ".encrypted"), strings.HasSuffix(name, ".enc"):
		return 0.8
	case strings.HasSuffix(name, ".bin"):
		return 0.6
	case strings.HasSuffix(name, ".zip"), strings.HasSuffix(name, ".gz"),
		strings.HasSuffix(name, ".7z"):
		return 0.5
	case strings.HasSuffix(name, ".pdf"):
		return 0.3
	case strings.HasSuffix(name, ".png"), strings.HasSuffix(name, ".jpg"),
		strings.HasSuffix(name, ".jpeg"):
		return 0.2
	case strings.HasSuffix(name, ".txt"), strings.HasSuffix(name, ".md"),
		strings.HasSuffix(name, ".csv"):
		return 0.1
	}
	switch {
	case strings.HasPrefix(contentType, "text/"):
		return 0.1
	case contentType == "image/png", contentType == "image/jpeg":
		return 0.2
	case contentType == "application/pdf":
		return 0.3
	case contentType == "application/zip":
		return 0.5
	case contentType == "application/octet-stream":
		return 0.6
	}
	return 0.4
}

// metadataAnomaly measures how badly the payload contradicts its declared
// identity.
func metadataAnomaly(filename, contentType string, entropy float64) float64 {
	name := strings.ToLower(filename)
	declaredEncrypted := strings.HasSuffix(name, ".encrypted") || strings.HasSuffix(name, ".enc")

	// Ciphertext without ciphertext entropy: the payload was manipulated
	// or never encrypted at all.
	if declaredEncrypted && entropy < 6.0 {
		return 0.9
	}
	// Near-maximal entropy in a plain container suggests smuggled
	// ciphertext or packed code.
	if entropy >= 7.9 && !declaredEncrypted && !isArchive(name, contentType) {
		return 0.85
	}

	score := 0.05
	if strings.Count(name, ".") > 1 {
		score += 0.4
	}
	for _, r := range filename {
		if r < 0x20 || r == 0x7f {
			score += 0.4
			break
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func isArchive(name, contentType string) bool {
	return strings.HasSuffix(name, ".zip") || strings.HasSuffix(name, ".gz") ||
		strings.HasSuffix(name, ".7z") || contentType == "application/zip" ||
		contentType == "application/gzip"
}
