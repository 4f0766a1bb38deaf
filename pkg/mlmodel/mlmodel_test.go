package mlmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idsgate/pkg/features"
)

func TestScalerRoundTrip(t *testing.T) {
	sc := NewStandardScaler()
	data := [][]float64{
		{1, 100, 0.5},
		{2, 200, 0.7},
		{3, 300, 0.9},
	}
	require.NoError(t, sc.Fit(data))

	x := []float64{2.5, 150, 0.6}
	norm, err := sc.Transform(x)
	require.NoError(t, err)
	back := sc.Inverse(norm)
	for i := range x {
		assert.InDelta(t, x[i], back[i], 1e-9)
	}
}

func TestScalerUnfitted(t *testing.T) {
	_, err := NewStandardScaler().Transform([]float64{1, 2, 3})
	assert.Error(t, err)
}

func TestScalerEmptySample(t *testing.T) {
	assert.Error(t, NewStandardScaler().Fit(nil))
}

func TestScalerConstantColumn(t *testing.T) {
	sc := NewStandardScaler()
	require.NoError(t, sc.Fit([][]float64{{5, 1}, {5, 2}, {5, 3}}))
	norm, err := sc.Transform([]float64{5, 2})
	require.NoError(t, err)
	// Zero-variance columns normalize to zero instead of dividing by zero.
	assert.Equal(t, 0.0, norm[0])
}

func TestBaselineDeterministic(t *testing.T) {
	a := handshakeBaseline(64)
	b := handshakeBaseline(64)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i], b[i], "row %d", i)
	}
}

func TestBaselineRowWidths(t *testing.T) {
	for _, row := range handshakeBaseline(16) {
		assert.Equal(t, features.Handshake.Len(), len(row))
	}
	for _, row := range fileBaseline(16) {
		assert.Equal(t, features.File.Len(), len(row))
	}
}

func benignHandshakeRaw() map[string]float64 {
	return map[string]float64{
		"handshake_duration": 0.3,
		"key_size":           32,
		"signature_valid":    1,
		"client_entropy":     7.7,
		"server_entropy":     7.7,
		"retry_count":        0,
		"timestamp_hour":     14,
		"ip_reputation":      0.5,
		"geolocation_risk":   0.2,
		"protocol_version":   2.0,
	}
}

func scoreRaw(t *testing.T, b *Bundle, schema *features.Schema, raw map[string]float64) float64 {
	t.Helper()
	vec, err := features.New(schema, raw)
	require.NoError(t, err)
	norm, err := b.Scaler.Transform(vec.Values())
	require.NoError(t, err)
	pm, ok := b.Model.(ProbabilisticModel)
	require.True(t, ok)
	return pm.PredictProba(norm)
}

func TestHandshakeModelBenign(t *testing.T) {
	b := NewHandshakeModel()
	score := scoreRaw(t, b, features.Handshake, benignHandshakeRaw())
	assert.Less(t, score, 0.5)
}

func TestHandshakeModelInvalidSignature(t *testing.T) {
	raw := benignHandshakeRaw()
	raw["signature_valid"] = 0
	score := scoreRaw(t, NewHandshakeModel(), features.Handshake, raw)
	assert.Greater(t, score, 0.5)
}

func TestHandshakeModelStackedIndicators(t *testing.T) {
	raw := benignHandshakeRaw()
	raw["signature_valid"] = 0
	raw["retry_count"] = 10
	raw["ip_reputation"] = 0.1
	score := scoreRaw(t, NewHandshakeModel(), features.Handshake, raw)
	// 0.8 + 0.4 + 0.6 clamps to 1.
	assert.Equal(t, 1.0, score)
}

func TestFileModelTamperedCiphertext(t *testing.T) {
	raw := map[string]float64{
		"file_size":           51,
		"file_entropy":        4.5,
		"file_type_risk":      0.8,
		"encryption_strength": 256,
		"upload_duration":     0.001,
		"compression_ratio":   0.56,
		"metadata_anomaly":    0.9,
		"transfer_speed":      51000,
		"packet_loss":         0,
		"concurrent_uploads":  1,
	}
	score := scoreRaw(t, NewFileModel(), features.File, raw)
	assert.Greater(t, score, 0.4)
}

func TestFileModelBenignText(t *testing.T) {
	raw := map[string]float64{
		"file_size":           120,
		"file_entropy":        4.3,
		"file_type_risk":      0.1,
		"encryption_strength": 256,
		"upload_duration":     0.05,
		"compression_ratio":   0.54,
		"metadata_anomaly":    0.05,
		"transfer_speed":      2400,
		"packet_loss":         0,
		"concurrent_uploads":  1,
	}
	score := scoreRaw(t, NewFileModel(), features.File, raw)
	assert.Less(t, score, 0.4)
}

func TestBaselineRejectsUnknownFeature(t *testing.T) {
	sc := fitScaler(handshakeBaseline(64))
	_, err := newBaselineModel(features.Handshake, sc, []Indicator{
		{Feature: "no_such_feature", Op: "gt", Threshold: 1, Weight: 0.5},
	})
	assert.Error(t, err)
}

func TestBaselineRejectsBadOp(t *testing.T) {
	sc := fitScaler(handshakeBaseline(64))
	_, err := newBaselineModel(features.Handshake, sc, []Indicator{
		{Feature: "retry_count", Op: "ge", Threshold: 1, Weight: 0.5},
	})
	assert.Error(t, err)
}

func TestStoreDefaults(t *testing.T) {
	store, err := NewStore(StoreConfig{Logger: logrus.New()})
	require.NoError(t, err)
	assert.NotNil(t, store.Handshake())
	assert.NotNil(t, store.File())
}

func TestStoreOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"handshake": [
			{"feature": "retry_count", "op": "gt", "threshold": 0, "weight": 1.0}
		]
	}`), 0o644))

	store, err := NewStore(StoreConfig{OverridesPath: path, Logger: logrus.New()})
	require.NoError(t, err)

	raw := benignHandshakeRaw()
	raw["retry_count"] = 1
	score := scoreRaw(t, store.Handshake(), features.Handshake, raw)
	assert.Equal(t, 1.0, score)

	// File bundle keeps the defaults when the override names only handshake.
	assert.NotNil(t, store.File())
}

func TestStoreOverridesBadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := NewStore(StoreConfig{OverridesPath: path, Logger: logrus.New()})
	assert.Error(t, err)
}

func TestStoreOverridesAbsentFile(t *testing.T) {
	store, err := NewStore(StoreConfig{
		OverridesPath: filepath.Join(t.TempDir(), "missing.json"),
		Logger:        logrus.New(),
	})
	require.NoError(t, err)
	assert.NotNil(t, store.Handshake())
}
