package spectrum

import "math"

// CoaddArmName is the arm key left behind after coaddition.
const CoaddArmName = "coadd"

// CoaddArms merges the forest regions of all arms onto a single wavelength
// grid with spacing dwave. Overlapping pixels are averaged with weights
// 1/(1/ivar + varLSS(wave)*C^2) where C is the fitted continuum supplied by
// cont (one value per forest pixel of the arm); instrumental inverse
// variances add. All arms must share the same global grid phase, which holds
// for fixed instrument-defined wavelength grids. After coaddition the
// spectrum has a single arm named CoaddArmName and SmoothIvar is cleared.
func (s *Spectrum) CoaddArms(dwave float64, varLSS func(float64) float64, cont func(arm string, wave []float64) []float64) {
	if len(s.armNames) <= 1 && len(s.armNames) > 0 && s.armNames[0] == CoaddArmName {
		return
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, name := range s.armNames {
		w := s.arms[name].ForestWave()
		if len(w) == 0 {
			continue
		}
		lo = math.Min(lo, w[0])
		hi = math.Max(hi, w[len(w)-1])
	}
	if lo > hi {
		return
	}

	n := int(math.Round((hi-lo)/dwave)) + 1
	wave := make([]float64, n)
	for i := range wave {
		wave[i] = lo + float64(i)*dwave
	}

	fluxNum := make([]float64, n)
	weight := make([]float64, n)
	ivarSum := make([]float64, n)

	for _, name := range s.armNames {
		a := s.arms[name]
		aw := a.ForestWave()
		af := a.ForestFlux()
		aiv := a.ForestIvar()
		ac := cont(name, aw)
		for i, w := range aw {
			if aiv[i] <= 0 {
				continue
			}
			idx := int(math.Round((w - lo) / dwave))
			if idx < 0 || idx >= n {
				continue
			}
			c2 := ac[i] * ac[i]
			wt := 1 / (1/aiv[i] + varLSS(w)*c2)
			fluxNum[idx] += wt * af[i]
			weight[idx] += wt
			ivarSum[idx] += aiv[i]
		}
	}

	flux := make([]float64, n)
	for i := range flux {
		if weight[i] > 0 {
			flux[i] = fluxNum[i] / weight[i]
		} else {
			ivarSum[i] = 0
		}
	}

	coadd := &ArmData{Wave: wave, Flux: flux, Ivar: ivarSum, fi: 0, fj: n}
	s.arms = map[string]*ArmData{CoaddArmName: coadd}
	s.armNames = []string{CoaddArmName}
}
