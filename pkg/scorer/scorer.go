// Package scorer maps feature vectors to anomaly scores and verdicts.
//
// Each scoring context carries its own acceptance threshold: file payloads
// have more attacker-controlled structure than handshakes, so the file
// context is tuned more sensitively.
package scorer

import (
	"errors"
	"fmt"
	"math"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"idsgate/pkg/features"
	"idsgate/pkg/mlmodel"
)

// Context selects which model and threshold a score request uses.
type Context string

const (
	ContextHandshake Context = "handshake"
	ContextFile      Context = "file"
)

// Verdict is the categorical decision derived from the anomaly score.
type Verdict string

const (
	VerdictNormal     Verdict = "normal"
	VerdictSuspicious Verdict = "suspicious"
)

const (
	// HandshakeThreshold: scores strictly above are suspicious.
	HandshakeThreshold = 0.5
	// FileThreshold: scores strictly above are suspicious.
	FileThreshold = 0.4

	// FailOpenScore is the score returned when the scoring subsystem
	// itself fails (model missing, internal panic). The gate fails OPEN:
	// the caller sees a low score and a normal verdict while the failure
	// is logged and counted for operators.
	FailOpenScore = 0.1
)

// ErrInvalidFeatureSchema is returned when the vector does not conform to
// the context's schema. Schema violations are caller bugs and do NOT fail
// open; they are reported synchronously.
var ErrInvalidFeatureSchema = errors.New("invalid feature schema for scoring context")

// Result is an anomaly score in [0,1] plus its verdict.
type Result struct {
	AnomalyScore float64 `json:"anomaly_score"`
	Verdict      Verdict `json:"verdict"`
}

// ModelStore provides the active model bundle per context.
type ModelStore interface {
	Handshake() *mlmodel.Bundle
	File() *mlmodel.Bundle
}

// Config configures a Scorer.
type Config struct {
	Logger   *logrus.Logger
	Registry prometheus.Registerer
}

// Scorer scores feature vectors against the active models. It holds no
// per-request state; scoring is a pure function of model and input.
type Scorer struct {
	store ModelStore
	log   *logrus.Logger

	mVerdicts *prometheus.CounterVec
	mFailOpen *prometheus.CounterVec
	mScores   *prometheus.HistogramVec
}

// New builds a Scorer over the given model store.
func New(store ModelStore, cfg Config) *Scorer {
	log := cfg.Logger
	if log == nil {
		log = logrus.New()
	}
	s := &Scorer{
		store: store,
		log:   log,
		mVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idsgate_score_verdicts_total",
			Help: "Scoring verdicts by context",
		}, []string{"context", "verdict"}),
		mFailOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idsgate_score_failopen_total",
			Help: "Scoring requests that hit the fail-open policy",
		}, []string{"context"}),
		mScores: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idsgate_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"context"}),
	}
	if cfg.Registry != nil {
		cfg.Registry.MustRegister(s.mVerdicts, s.mFailOpen, s.mScores)
	}
	return s
}

// Threshold returns the suspicious cutoff for a context.
func Threshold(ctx Context) float64 {
	if ctx == ContextFile {
		return FileThreshold
	}
	return HandshakeThreshold
}

func schemaFor(ctx Context) *features.Schema {
	if ctx == ContextFile {
		return features.File
	}
	return features.Handshake
}

func (s *Scorer) bundleFor(ctx Context) *mlmodel.Bundle {
	if s.store == nil {
		return nil
	}
	if ctx == ContextFile {
		return s.store.File()
	}
	return s.store.Handshake()
}

// Score normalizes the vector, applies the context's model, and derives
// the verdict. Schema violations return ErrInvalidFeatureSchema; any
// internal failure returns the fail-open Result and a nil error.
func (s *Scorer) Score(ctx Context, v features.Vector) (Result, error) {
	if v.Schema() != schemaFor(ctx) {
		return Result{}, fmt.Errorf("%w: context %s", ErrInvalidFeatureSchema, ctx)
	}

	res := s.scoreInternal(ctx, v)
	s.mVerdicts.WithLabelValues(string(ctx), string(res.Verdict)).Inc()
	s.mScores.WithLabelValues(string(ctx)).Observe(res.AnomalyScore)
	return res, nil
}

func (s *Scorer) scoreInternal(ctx Context, v features.Vector) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = s.failOpen(ctx, fmt.Errorf("model panic: %v", r))
		}
	}()

	bundle := s.bundleFor(ctx)
	if bundle == nil || bundle.Model == nil || bundle.Scaler == nil {
		return s.failOpen(ctx, errors.New("model unavailable"))
	}

	normalized, err := bundle.Scaler.Transform(v.Values())
	if err != nil {
		return s.failOpen(ctx, err)
	}

	var score float64
	if pm, ok := bundle.Model.(mlmodel.ProbabilisticModel); ok {
		score = pm.PredictProba(normalized)
	} else {
		// Label-only model: the 0/1 label is the score.
		score = bundle.Model.Predict(normalized)
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return s.failOpen(ctx, fmt.Errorf("model produced non-finite score %v", score))
	}
	score = math.Max(0, math.Min(1, score))

	verdict := VerdictNormal
	if score > Threshold(ctx) {
		verdict = VerdictSuspicious
	}
	return Result{AnomalyScore: score, Verdict: verdict}
}

func (s *Scorer) failOpen(ctx Context, cause error) Result {
	s.mFailOpen.WithLabelValues(string(ctx)).Inc()
	s.log.WithFields(logrus.Fields{
		"context": ctx,
		"policy":  "fail-open",
		"score":   FailOpenScore,
	}).WithError(cause).Error("scoring failed, returning conservative default")
	return Result{AnomalyScore: FailOpenScore, Verdict: VerdictNormal}
}
