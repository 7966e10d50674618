package spectrum

import "math"

// smoothingSigma is the Gaussian kernel width in pixels used for the
// noise-reduced inverse variance.
const smoothingSigma = 16.0

// SetSmoothIvar fills SmoothIvar for every arm with a Gaussian-smoothed copy
// of the pixel noise. The smoothing runs on sigma = 1/sqrt(ivar) so outlier
// noise spikes do not leak into the fit weights; masked pixels (ivar == 0)
// are excluded from the kernel and stay masked in the output. SmoothIvar is
// used only as a fitting weight, never as the authoritative variance.
func (s *Spectrum) SetSmoothIvar() {
	for _, name := range s.armNames {
		a := s.arms[name]
		a.SmoothIvar = smoothIvar(a.Ivar, smoothingSigma)
	}
}

func smoothIvar(ivar []float64, sigma float64) []float64 {
	n := len(ivar)
	out := make([]float64, n)
	if n == 0 {
		return out
	}

	half := int(3 * sigma)
	kernel := make([]float64, 2*half+1)
	for k := -half; k <= half; k++ {
		kernel[k+half] = math.Exp(-0.5 * float64(k*k) / (sigma * sigma))
	}

	for i := range ivar {
		if ivar[i] <= 0 {
			continue
		}
		var num, den float64
		for k := -half; k <= half; k++ {
			j := i + k
			if j < 0 || j >= n || ivar[j] <= 0 {
				continue
			}
			w := kernel[k+half]
			num += w / math.Sqrt(ivar[j])
			den += w
		}
		if den <= 0 {
			continue
		}
		sm := num / den
		out[i] = 1 / (sm * sm)
	}

	return out
}
