package retrieval

import "math"

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * bNorm) with precomputed norms,
// clamped to [-1, 1] against rounding. Zero norms and NaN yield 0.
func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float32 {
	if aNorm == 0 || bNorm == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	s := dot / (aNorm * bNorm)
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	return float32(s)
}

// usable reports whether a vector can take part in similarity search.
func usable(n float64) bool {
	return n > 0 && !math.IsNaN(n) && !math.IsInf(n, 0)
}
