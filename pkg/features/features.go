// Package features defines the feature vector schemas consumed by the
// anomaly scoring engine. Two disjoint schemas exist, one per scoring
// context (handshake, file transfer). A vector is validated against its
// schema at construction and is immutable afterwards.
package features

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidSchema is returned when a vector does not conform exactly to
// its schema: a named feature is missing, an unknown feature is present,
// or a value is NaN/Inf.
var ErrInvalidSchema = errors.New("invalid feature schema")

// Schema is an ordered list of named numeric features.
type Schema struct {
	context string
	names   []string
	index   map[string]int
}

func newSchema(context string, names ...string) *Schema {
	idx := make(map[string]int, len(names))
	for i, n := range names {
		idx[n] = i
	}
	return &Schema{context: context, names: names, index: idx}
}

// Handshake is the schema scored during handshake validation.
var Handshake = newSchema("handshake",
	"handshake_duration",
	"key_size",
	"signature_valid",
	"client_entropy",
	"server_entropy",
	"retry_count",
	"timestamp_hour",
	"ip_reputation",
	"geolocation_risk",
	"protocol_version",
)

// File is the schema scored during file upload.
var File = newSchema("file",
	"file_size",
	"file_entropy",
	"file_type_risk",
	"encryption_strength",
	"upload_duration",
	"compression_ratio",
	"metadata_anomaly",
	"transfer_speed",
	"packet_loss",
	"concurrent_uploads",
)

// Context returns the scoring context this schema belongs to.
func (s *Schema) Context() string { return s.context }

// Names returns the feature names in schema order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Len returns the number of features in the schema.
func (s *Schema) Len() int { return len(s.names) }

// Index returns the position of a named feature, or -1 if absent.
func (s *Schema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// Vector is an ordered, schema-validated feature vector.
type Vector struct {
	schema *Schema
	values []float64
}

// New builds a vector from named values. Every schema feature must be
// present, no extra features are allowed, and all values must be finite.
func New(schema *Schema, values map[string]float64) (Vector, error) {
	if schema == nil {
		return Vector{}, fmt.Errorf("%w: nil schema", ErrInvalidSchema)
	}
	if len(values) != len(schema.names) {
		return Vector{}, fmt.Errorf("%w: %s expects %d features, got %d",
			ErrInvalidSchema, schema.context, len(schema.names), len(values))
	}
	ordered := make([]float64, len(schema.names))
	for name, v := range values {
		i, ok := schema.index[name]
		if !ok {
			return Vector{}, fmt.Errorf("%w: unknown feature %q for context %s",
				ErrInvalidSchema, name, schema.context)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Vector{}, fmt.Errorf("%w: feature %q is not finite", ErrInvalidSchema, name)
		}
		ordered[i] = v
	}
	return Vector{schema: schema, values: ordered}, nil
}

// Schema returns the schema this vector conforms to.
func (v Vector) Schema() *Schema { return v.schema }

// Values returns the feature values in schema order. The returned slice
// is a copy; the vector itself cannot be mutated.
func (v Vector) Values() []float64 {
	out := make([]float64, len(v.values))
	copy(out, v.values)
	return out
}

// Get returns the value of a named feature.
func (v Vector) Get(name string) (float64, bool) {
	if v.schema == nil {
		return 0, false
	}
	i, ok := v.schema.index[name]
	if !ok {
		return 0, false
	}
	return v.values[i], true
}
