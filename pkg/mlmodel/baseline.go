package mlmodel

import (
	"fmt"
	"math"

	"idsgate/pkg/features"
)

// Indicator is one weighted rule of a baseline model. Thresholds are
// expressed on the raw feature scale; inputs arrive normalized, so the
// model denormalizes before applying them.
type Indicator struct {
	Feature   string  `json:"feature"`
	Op        string  `json:"op"` // "gt" or "lt"
	Threshold float64 `json:"threshold"`
	Weight    float64 `json:"weight"`
}

// BaselineModel is the weighted-indicator classifier shipped with the gate.
// It mirrors the indicator set the production models were trained against:
// the probability is the clamped sum of triggered indicator weights.
type BaselineModel struct {
	schema     *features.Schema
	scaler     *StandardScaler
	indicators []Indicator
	// indices resolved against the schema at build time
	idx []int
}

func newBaselineModel(schema *features.Schema, scaler *StandardScaler, indicators []Indicator) (*BaselineModel, error) {
	idx := make([]int, len(indicators))
	for i, ind := range indicators {
		j := schema.Index(ind.Feature)
		if j < 0 {
			return nil, fmt.Errorf("baseline model: unknown feature %q for context %s", ind.Feature, schema.Context())
		}
		if ind.Op != "gt" && ind.Op != "lt" {
			return nil, fmt.Errorf("baseline model: indicator %q has invalid op %q", ind.Feature, ind.Op)
		}
		idx[i] = j
	}
	return &BaselineModel{schema: schema, scaler: scaler, indicators: indicators, idx: idx}, nil
}

// PredictProba returns P(anomalous) for a normalized vector.
func (m *BaselineModel) PredictProba(x []float64) float64 {
	raw := m.scaler.Inverse(x)
	p := 0.0
	for i, ind := range m.indicators {
		v := raw[m.idx[i]]
		switch ind.Op {
		case "gt":
			if v > ind.Threshold {
				p += ind.Weight
			}
		case "lt":
			if v < ind.Threshold {
				p += ind.Weight
			}
		}
	}
	return math.Max(0, math.Min(1, p))
}

// Predict returns the hard label at the 0.5 probability cut.
func (m *BaselineModel) Predict(x []float64) float64 {
	if m.PredictProba(x) > 0.5 {
		return 1
	}
	return 0
}

// Indicators returns a copy of the active indicator set.
func (m *BaselineModel) Indicators() []Indicator {
	out := make([]Indicator, len(m.indicators))
	copy(out, m.indicators)
	return out
}

// defaultHandshakeIndicators are the handshake-context rules. Weights match
// the suspicious patterns the handshake model was trained on.
func defaultHandshakeIndicators() []Indicator {
	return []Indicator{
		{Feature: "handshake_duration", Op: "gt", Threshold: 2.0, Weight: 0.3},
		{Feature: "signature_valid", Op: "lt", Threshold: 0.5, Weight: 0.8},
		{Feature: "retry_count", Op: "gt", Threshold: 3, Weight: 0.4},
		{Feature: "ip_reputation", Op: "lt", Threshold: 0.3, Weight: 0.6},
		{Feature: "geolocation_risk", Op: "gt", Threshold: 0.7, Weight: 0.5},
		{Feature: "client_entropy", Op: "lt", Threshold: 6.0, Weight: 0.3},
	}
}

// defaultFileIndicators are the file-context rules. The entropy cut sits at
// the degenerate-payload level rather than the encrypted-traffic level so
// legitimate plaintext stays below the file verdict threshold; the tamper
// signal rides on type risk and metadata anomaly instead.
func defaultFileIndicators() []Indicator {
	return []Indicator{
		{Feature: "file_size", Op: "gt", Threshold: 1e8, Weight: 0.3},
		{Feature: "file_entropy", Op: "lt", Threshold: 2.5, Weight: 0.4},
		{Feature: "file_type_risk", Op: "gt", Threshold: 0.7, Weight: 0.6},
		{Feature: "encryption_strength", Op: "lt", Threshold: 192, Weight: 0.2},
		{Feature: "metadata_anomaly", Op: "gt", Threshold: 0.8, Weight: 0.7},
		{Feature: "transfer_speed", Op: "gt", Threshold: 5e8, Weight: 0.5},
		{Feature: "packet_loss", Op: "gt", Threshold: 0.1, Weight: 0.4},
		{Feature: "concurrent_uploads", Op: "gt", Threshold: 8, Weight: 0.3},
	}
}

// NewHandshakeModel builds the default handshake bundle.
func NewHandshakeModel() *Bundle {
	return mustBundle(features.Handshake, handshakeBaseline(512), defaultHandshakeIndicators())
}

// NewFileModel builds the default file bundle.
func NewFileModel() *Bundle {
	return mustBundle(features.File, fileBaseline(512), defaultFileIndicators())
}

func mustBundle(schema *features.Schema, baseline [][]float64, indicators []Indicator) *Bundle {
	sc := fitScaler(baseline)
	m, err := newBaselineModel(schema, sc, indicators)
	if err != nil {
		// Default indicator sets are validated by tests; reaching this
		// means a programming error, not bad input.
		panic(err)
	}
	return &Bundle{Model: m, Scaler: sc}
}
