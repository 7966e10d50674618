package continuum

import "github.com/astropipe/deltafit/pkg/spectrum"

// accumulators are the per-round residual statistics exchanged between
// ranks: a weighted flux/continuum stack on the rest-frame grid and a
// delta-variance stack on the observed-frame grid. Summing them element-wise
// across ranks is commutative, so the reduction is order-independent up to
// floating-point noise.
type accumulators struct {
	contNum    []float64
	contWeight []float64
	varNum     []float64
	varWeight  []float64
	validCount float64
}

func newAccumulators(restN, obsN int) *accumulators {
	return &accumulators{
		contNum:    make([]float64, restN),
		contWeight: make([]float64, restN),
		varNum:     make([]float64, obsN),
		varWeight:  make([]float64, obsN),
	}
}

// flatten packs all accumulators into one vector so a round needs a single
// reduction.
func (a *accumulators) flatten() []float64 {
	out := make([]float64, 0, len(a.contNum)+len(a.contWeight)+len(a.varNum)+len(a.varWeight)+1)
	out = append(out, a.contNum...)
	out = append(out, a.contWeight...)
	out = append(out, a.varNum...)
	out = append(out, a.varWeight...)
	out = append(out, a.validCount)
	return out
}

func (a *accumulators) unflatten(vec []float64) {
	i := 0
	i += copy(a.contNum, vec[i:i+len(a.contNum)])
	i += copy(a.contWeight, vec[i:i+len(a.contWeight)])
	i += copy(a.varNum, vec[i:i+len(a.varNum)])
	i += copy(a.varWeight, vec[i:i+len(a.varWeight)])
	a.validCount = vec[i]
}

// stack bins the residuals of all locally valid spectra against the current
// snapshot. For the mean continuum each pixel contributes flux divided by the
// per-object amplitude polynomial, weighted by the fit weight; for the
// variance model each pixel contributes the excess of its squared delta over
// its instrumental expectation, weighted by the instrumental delta precision.
func (e *Engine) stack(spectra []*spectrum.Spectrum) *accumulators {
	m := e.model
	acc := newAccumulators(m.RestGrid.N, m.ObsGrid.N)

	for _, spec := range spectra {
		if !spec.ContValid {
			continue
		}
		acc.validCount++
		zp1 := 1 + spec.Z

		for _, name := range spec.Arms() {
			arm := spec.Arm(name)
			wave := arm.ForestWave()
			flux := arm.ForestFlux()
			ivar := arm.ForestIvar()
			smIvar := arm.ForestSmoothIvar()
			if smIvar == nil {
				smIvar = ivar
			}

			for i, w := range wave {
				rf := w / zp1
				poly := spec.ContA + spec.ContB*m.slopeCoord(rf)
				if poly <= 0 {
					continue
				}
				tmpl := m.MeanContAt(rf)
				cont := poly * tmpl

				if smIvar[i] > 0 {
					if bin := m.RestGrid.Bin(rf); bin >= 0 {
						wt := 1 / (1/smIvar[i] + m.VarLSSAt(w)*cont*cont)
						acc.contNum[bin] += wt * flux[i] / poly
						acc.contWeight[bin] += wt
					}
				}

				if ivar[i] > 0 && cont > 0 {
					if bin := m.ObsGrid.Bin(w); bin >= 0 {
						delta := flux[i]/cont - 1
						prec := ivar[i] * cont * cont
						acc.varNum[bin] += prec*delta*delta - 1
						acc.varWeight[bin] += prec
					}
				}
			}
		}
	}

	return acc
}
