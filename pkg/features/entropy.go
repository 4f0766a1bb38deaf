package features

import "math"

// Entropy computes the Shannon entropy of a byte sequence in bits per byte.
// Returns 0 for inputs shorter than 2 bytes.
func Entropy(b []byte) float64 {
	if len(b) < 2 {
		return 0
	}
	var counts [256]int
	for _, c := range b {
		counts[c]++
	}
	n := float64(len(b))
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// EntropyEstimate rescales measured entropy onto the 8-bit-per-byte scale
// the scoring schemas assume. A short sample cannot reach 8 bits/byte even
// when uniformly random (32 distinct bytes top out at log2(32) = 5), so the
// measurement is scaled by 8/log2(min(n,256)) to make short random keys and
// long random payloads comparable.
func EntropyEstimate(b []byte) float64 {
	n := len(b)
	if n < 2 {
		return 0
	}
	limit := math.Log2(math.Min(float64(n), 256))
	est := Entropy(b) * 8 / limit
	return math.Min(est, 8)
}
