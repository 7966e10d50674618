// Package specio reads spectra for a rank's catalog partition and persists
// the transmission-fluctuation deltas produced by the fit.
package specio

import (
	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// DeltaRecord is the persisted output of one valid spectrum arm: the forest
// wavelength grid, the normalized transmission fluctuation, and the per-pixel
// weight derived from the frozen variance model.
type DeltaRecord struct {
	TargetID uint64  `json:"target_id"`
	RA       float64 `json:"ra"`
	Dec      float64 `json:"dec"`
	Z        float64 `json:"z"`
	Group    uint32  `json:"group"`
	Arm      string  `json:"arm"`
	ContA    float64 `json:"cont_a"`
	ContB    float64 `json:"cont_b"`

	Wave   []float64 `json:"wave"`
	Delta  []float64 `json:"delta"`
	Weight []float64 `json:"weight"`
}

// ComputeDeltas converts one fitted spectrum into delta records, one per
// surviving arm. Masked pixels are omitted. delta = flux/C - 1 and
// weight = 1/(1/(ivar*C^2) + varLSS), combining instrumental noise and the
// frozen large-scale-structure variance.
func ComputeDeltas(spec *spectrum.Spectrum, model *continuum.Model) []DeltaRecord {
	records := make([]DeltaRecord, 0, len(spec.Arms()))
	for _, name := range spec.Arms() {
		arm := spec.Arm(name)
		wave := arm.ForestWave()
		flux := arm.ForestFlux()
		ivar := arm.ForestIvar()
		cont := model.ContinuumOn(spec, wave)

		rec := DeltaRecord{
			TargetID: spec.TargetID,
			RA:       spec.RA,
			Dec:      spec.Dec,
			Z:        spec.Z,
			Group:    spec.Group,
			Arm:      name,
			ContA:    spec.ContA,
			ContB:    spec.ContB,
		}
		for i, w := range wave {
			if ivar[i] <= 0 || cont[i] <= 0 {
				continue
			}
			c2 := cont[i] * cont[i]
			rec.Wave = append(rec.Wave, w)
			rec.Delta = append(rec.Delta, flux[i]/cont[i]-1)
			rec.Weight = append(rec.Weight, 1/(1/(ivar[i]*c2)+model.VarLSSAt(w)))
		}
		if len(rec.Wave) > 0 {
			records = append(records, rec)
		}
	}
	return records
}
