package mlmodel

import (
	"math"
	"math/rand"
)

// Synthetic baseline samples used to fit the per-context scalers. The
// distributions mirror the traffic the production models were trained on,
// so normalization statistics stay stable across deployments. The generator
// is seeded, which keeps scaler fitting deterministic.

const baselineSeed = 42

type sampler struct{ rng *rand.Rand }

func newSampler(seed int64) *sampler {
	return &sampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *sampler) exponential(mean float64) float64 {
	return s.rng.ExpFloat64() * mean
}

func (s *sampler) normal(mu, sigma float64) float64 {
	return s.rng.NormFloat64()*sigma + mu
}

func (s *sampler) choice(vals []float64, probs []float64) float64 {
	u := s.rng.Float64()
	acc := 0.0
	for i, p := range probs {
		acc += p
		if u < acc {
			return vals[i]
		}
	}
	return vals[len(vals)-1]
}

func (s *sampler) poisson(mean float64) float64 {
	// Knuth's method; mean is small everywhere this is used.
	l := math.Exp(-mean)
	k := 0
	p := 1.0
	for {
		p *= s.rng.Float64()
		if p <= l {
			return float64(k)
		}
		k++
	}
}

// gamma draws from Gamma(shape, 1) using Marsaglia-Tsang, with the usual
// boost for shape < 1.
func (s *sampler) gamma(shape float64) float64 {
	if shape < 1 {
		return s.gamma(shape+1) * math.Pow(s.rng.Float64(), 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		x := s.rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := s.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

func (s *sampler) beta(a, b float64) float64 {
	x := s.gamma(a)
	y := s.gamma(b)
	return x / (x + y)
}

func (s *sampler) lognormal(mu, sigma float64) float64 {
	return math.Exp(s.normal(mu, sigma))
}

// handshakeBaseline generates n rows in features.Handshake order.
func handshakeBaseline(n int) [][]float64 {
	s := newSampler(baselineSeed)
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{
			s.exponential(0.5),                                   // handshake_duration
			s.choice([]float64{32, 64, 128, 256}, []float64{0.1, 0.2, 0.6, 0.1}), // key_size
			s.choice([]float64{0, 1}, []float64{0.05, 0.95}),     // signature_valid
			s.normal(7.5, 0.5),                                   // client_entropy
			s.normal(7.5, 0.5),                                   // server_entropy
			s.poisson(0.5),                                       // retry_count
			float64(s.rng.Intn(24)),                              // timestamp_hour
			s.beta(2, 5),                                         // ip_reputation
			s.beta(1, 3),                                         // geolocation_risk
			s.choice([]float64{1.0, 1.1, 2.0}, []float64{0.1, 0.3, 0.6}), // protocol_version
		}
	}
	return rows
}

// fileBaseline generates n rows in features.File order.
func fileBaseline(n int) [][]float64 {
	s := newSampler(baselineSeed + 1)
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{
			s.lognormal(10, 2),                               // file_size
			s.normal(7.0, 1.0),                               // file_entropy
			s.beta(1, 4),                                     // file_type_risk
			s.choice([]float64{128, 256}, []float64{0.2, 0.8}), // encryption_strength
			s.exponential(2.0),                               // upload_duration
			s.beta(2, 2),                                     // compression_ratio
			s.beta(1, 9),                                     // metadata_anomaly
			s.lognormal(8, 1),                                // transfer_speed
			s.exponential(0.01),                              // packet_loss
			s.poisson(2),                                     // concurrent_uploads
		}
	}
	return rows
}

func fitScaler(rows [][]float64) *StandardScaler {
	sc := NewStandardScaler()
	// Fit only fails on an empty sample, which cannot happen here.
	_ = sc.Fit(rows)
	return sc
}
