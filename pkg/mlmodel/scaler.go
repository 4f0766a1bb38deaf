package mlmodel

import (
	"errors"
	"math"
)

// StandardScaler normalizes features to zero mean and unit variance using
// statistics captured at fit time.
type StandardScaler struct {
	mean []float64
	std  []float64
}

// NewStandardScaler returns an unfitted scaler.
func NewStandardScaler() *StandardScaler { return &StandardScaler{} }

// Fit computes per-feature mean and standard deviation over the sample.
func (s *StandardScaler) Fit(data [][]float64) error {
	if len(data) == 0 {
		return errors.New("scaler: no data provided")
	}
	n := len(data[0])
	s.mean = make([]float64, n)
	s.std = make([]float64, n)

	for _, row := range data {
		for i, v := range row {
			s.mean[i] += v
		}
	}
	for i := range s.mean {
		s.mean[i] /= float64(len(data))
	}

	for _, row := range data {
		for i, v := range row {
			d := v - s.mean[i]
			s.std[i] += d * d
		}
	}
	for i := range s.std {
		s.std[i] = math.Sqrt(s.std[i] / float64(len(data)))
		if s.std[i] == 0 {
			s.std[i] = 1 // avoid division by zero
		}
	}
	return nil
}

// Transform normalizes a single vector in place-safe fashion (a new slice
// is returned).
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(s.mean) == 0 {
		return nil, errors.New("scaler: not fitted")
	}
	out := make([]float64, len(x))
	for i, v := range x {
		if i < len(s.mean) {
			out[i] = (v - s.mean[i]) / s.std[i]
		} else {
			out[i] = v
		}
	}
	return out, nil
}

// Inverse maps a normalized vector back to the raw feature scale.
func (s *StandardScaler) Inverse(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if i < len(s.mean) {
			out[i] = v*s.std[i] + s.mean[i]
		} else {
			out[i] = v
		}
	}
	return out
}
