package masks

import "math"

// Atomic data for the Lyman-alpha and Lyman-beta transitions: rest
// wavelength (Angstrom), oscillator strength, damping constant (1/s).
var lymanLines = []struct {
	wave  float64
	f     float64
	gamma float64
}{
	{1215.67, 0.41640, 6.265e8},
	{1025.72, 0.07912, 1.897e8},
}

const (
	// electronRadius is the classical electron radius in cm.
	electronRadius = 2.8179403262e-13
	// speedOfLightCGS in cm/s.
	speedOfLightCGS = 2.99792458e10
	// dopplerVelocity is the assumed gas velocity dispersion in cm/s.
	dopplerVelocity = 1.0e6
	// angstromToCM converts wavelengths to cm.
	angstromToCM = 1e-8
)

// wingTransmission evaluates the damping-wing transmission of one DLA at an
// observed wavelength, multiplying the Lya and Lyb contributions. The Voigt
// function uses the Tepper-Garcia (2006) approximation, which is accurate in
// the wings where the correction is applied; the saturated core falls below
// the transmission floor and is masked outright by the caller.
func wingTransmission(obsWave, zDLA, logNHI float64) float64 {
	restWave := obsWave / (1 + zDLA)
	nhi := math.Pow(10, logNHI)

	var tau float64
	for _, line := range lymanLines {
		waveCM := line.wave * angstromToCM
		dopplerWidth := waveCM * dopplerVelocity / speedOfLightCGS
		a := line.gamma * waveCM * waveCM / (4 * math.Pi * speedOfLightCGS * dopplerWidth)
		x := (restWave - line.wave) / (line.wave * dopplerVelocity / speedOfLightCGS)

		sigma0 := math.SqrtPi * electronRadius * line.f * waveCM * waveCM / dopplerWidth
		tau += nhi * sigma0 * voigtH(a, x)
	}

	return math.Exp(-tau)
}

// voigtH approximates the Voigt function H(a, x) for small a
// (Tepper-Garcia 2006, MNRAS 369, 2025).
func voigtH(a, x float64) float64 {
	x2 := x * x
	h0 := math.Exp(-x2)
	if x2 < 1e-6 {
		// The wing expansion diverges at line center; the Gaussian core
		// dominates there anyway.
		return h0
	}

	q := 1.5 / x2
	return h0 - a/math.SqrtPi/x2*(h0*h0*(4*x2*x2+7*x2+4+q)-q-1)
}
