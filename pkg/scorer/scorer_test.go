package scorer

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idsgate/pkg/features"
	"idsgate/pkg/mlmodel"
)

type staticStore struct {
	handshake *mlmodel.Bundle
	file      *mlmodel.Bundle
}

func (s *staticStore) Handshake() *mlmodel.Bundle { return s.handshake }
func (s *staticStore) File() *mlmodel.Bundle      { return s.file }

type fixedModel struct{ score float64 }

func (m fixedModel) Predict(_ []float64) float64      { return m.score }
func (m fixedModel) PredictProba(_ []float64) float64 { return m.score }

type panicModel struct{}

func (panicModel) Predict(_ []float64) float64 { panic("model exploded") }

type labelModel struct{ label float64 }

func (m labelModel) Predict(_ []float64) float64 { return m.label }

func fittedScaler(t *testing.T, width int) *mlmodel.StandardScaler {
	t.Helper()
	sc := mlmodel.NewStandardScaler()
	rows := make([][]float64, 4)
	for i := range rows {
		row := make([]float64, width)
		for j := range row {
			row[j] = float64(i + j)
		}
		rows[i] = row
	}
	require.NoError(t, sc.Fit(rows))
	return sc
}

func handshakeVec(t *testing.T) features.Vector {
	t.Helper()
	v, err := features.New(features.Handshake, map[string]float64{
		"handshake_duration": 0.2,
		"key_size":           32,
		"signature_valid":    1,
		"client_entropy":     7.5,
		"server_entropy":     7.5,
		"retry_count":        0,
		"timestamp_hour":     10,
		"ip_reputation":      0.5,
		"geolocation_risk":   0.2,
		"protocol_version":   2.0,
	})
	require.NoError(t, err)
	return v
}

func fileVec(t *testing.T) features.Vector {
	t.Helper()
	v, err := features.New(features.File, map[string]float64{
		"file_size":           100,
		"file_entropy":        4.0,
		"file_type_risk":      0.1,
		"encryption_strength": 256,
		"upload_duration":     0.1,
		"compression_ratio":   0.5,
		"metadata_anomaly":    0.05,
		"transfer_speed":      1000,
		"packet_loss":         0,
		"concurrent_uploads":  1,
	})
	require.NoError(t, err)
	return v
}

func newScorer(t *testing.T, handshakeScore, fileScore float64) *Scorer {
	t.Helper()
	store := &staticStore{
		handshake: &mlmodel.Bundle{Model: fixedModel{handshakeScore}, Scaler: fittedScaler(t, 10)},
		file:      &mlmodel.Bundle{Model: fixedModel{fileScore}, Scaler: fittedScaler(t, 10)},
	}
	return New(store, Config{Logger: logrus.New(), Registry: prometheus.NewRegistry()})
}

func TestThresholds(t *testing.T) {
	assert.Equal(t, 0.5, Threshold(ContextHandshake))
	assert.Equal(t, 0.4, Threshold(ContextFile))
}

func TestVerdictAtThresholdBoundary(t *testing.T) {
	// A score exactly at the threshold is still normal; only strictly
	// greater is suspicious.
	s := newScorer(t, 0.5, 0.4)
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, res.Verdict)

	res, err = s.Score(ContextFile, fileVec(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictNormal, res.Verdict)
}

func TestVerdictSuspicious(t *testing.T) {
	s := newScorer(t, 0.51, 0.41)
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictSuspicious, res.Verdict)

	res, err = s.Score(ContextFile, fileVec(t))
	require.NoError(t, err)
	assert.Equal(t, VerdictSuspicious, res.Verdict)
}

func TestScoreClamped(t *testing.T) {
	s := newScorer(t, 1.7, -0.3)
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.AnomalyScore)

	res, err = s.Score(ContextFile, fileVec(t))
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.AnomalyScore)
}

func TestSchemaMismatch(t *testing.T) {
	s := newScorer(t, 0, 0)
	_, err := s.Score(ContextHandshake, fileVec(t))
	assert.ErrorIs(t, err, ErrInvalidFeatureSchema)
	_, err = s.Score(ContextFile, handshakeVec(t))
	assert.ErrorIs(t, err, ErrInvalidFeatureSchema)
}

func TestFailOpenOnMissingModel(t *testing.T) {
	s := New(&staticStore{}, Config{Logger: logrus.New(), Registry: prometheus.NewRegistry()})
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, FailOpenScore, res.AnomalyScore)
	assert.Equal(t, VerdictNormal, res.Verdict)
}

func TestFailOpenOnPanickingModel(t *testing.T) {
	store := &staticStore{
		handshake: &mlmodel.Bundle{Model: panicModel{}, Scaler: fittedScaler(t, 10)},
	}
	s := New(store, Config{Logger: logrus.New(), Registry: prometheus.NewRegistry()})
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, FailOpenScore, res.AnomalyScore)
	assert.Equal(t, VerdictNormal, res.Verdict)
}

func TestFailOpenOnUnfittedScaler(t *testing.T) {
	store := &staticStore{
		handshake: &mlmodel.Bundle{Model: fixedModel{0}, Scaler: mlmodel.NewStandardScaler()},
	}
	s := New(store, Config{Logger: logrus.New(), Registry: prometheus.NewRegistry()})
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, FailOpenScore, res.AnomalyScore)
	assert.Equal(t, VerdictNormal, res.Verdict)
}

func TestLabelOnlyModel(t *testing.T) {
	store := &staticStore{
		handshake: &mlmodel.Bundle{Model: labelModel{1}, Scaler: fittedScaler(t, 10)},
	}
	s := New(store, Config{Logger: logrus.New(), Registry: prometheus.NewRegistry()})
	res, err := s.Score(ContextHandshake, handshakeVec(t))
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.AnomalyScore)
	assert.Equal(t, VerdictSuspicious, res.Verdict)
}
