// Package mlmodel provides the trained-model contract consumed by the
// scoring engine, the baseline models shipped with the gate, and the store
// that loads them (with hot reload of weight overrides).
//
// Training itself is out of scope: only the inference contract matters. A
// model sees a normalized feature vector and produces either a probability
// of the request being anomalous or, lacking that, a hard 0/1 label that is
// used as the score directly.
package mlmodel

// Model is the minimal inference contract: a hard label (0 or 1) over a
// normalized feature vector.
type Model interface {
	// Predict returns the anomaly label for a normalized vector: 0 for
	// normal, 1 for anomalous.
	Predict(x []float64) float64
}

// ProbabilisticModel is implemented by models that expose P(anomalous)
// rather than only a label. The scorer prefers this when available.
type ProbabilisticModel interface {
	Model

	// PredictProba returns P(anomalous) in [0,1] for a normalized vector.
	PredictProba(x []float64) float64
}

// Bundle pairs a model with the scaler its inputs must be normalized with.
// The scaler is fitted once when the model is built, so identical inputs
// always normalize identically.
type Bundle struct {
	Model  Model
	Scaler *StandardScaler
}
