// Package worker runs the per-rank fitting pipeline, either standalone or as
// a task-queue consumer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/astropipe/deltafit/pkg/catalog"
	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/config"
	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/masks"
	"github.com/astropipe/deltafit/pkg/observability"
	"github.com/astropipe/deltafit/pkg/specio"
	"github.com/astropipe/deltafit/pkg/spectrum"
)

// Run executes the full pipeline of one rank: partition the catalog, read
// and window the local spectra, apply masks, run the iterative fit to
// convergence, and persist deltas. Any local failure is converted into a
// collective abort so peer ranks never hang on an unanswered collective.
func Run(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) error {
	c, err := newCommunicator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	p := &pipeline{
		cfg:  cfg,
		log:  logger.WithField("rank", c.Rank()),
		comm: c,
	}

	if err := p.run(ctx); err != nil {
		if !errors.Is(err, comm.ErrAborted) {
			c.Abort(ctx, err.Error())
		}
		observability.RecordError("pipeline", "fatal")
		return err
	}
	return nil
}

func newCommunicator(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (comm.Communicator, error) {
	if cfg.Comm.Size <= 1 {
		return comm.NewLocal(), nil
	}
	return comm.NewRedis(ctx, logger, &cfg.Comm)
}

type pipeline struct {
	cfg  *config.Config
	log  logrus.FieldLogger
	comm comm.Communicator
}

func (p *pipeline) run(ctx context.Context) error {
	start := time.Now()

	groups, err := catalog.Load(p.cfg.Input.Catalog, p.cfg.Input.KeepSurveys)
	if err != nil {
		return err
	}
	local := catalog.Partition(groups, p.comm.Size(), p.comm.Rank())
	p.log.WithFields(logrus.Fields{
		"groups_total": len(groups),
		"groups_local": len(local),
	}).Info("Partitioned catalog")

	// Masks are constructed before the data is read; the DLA masker needs
	// a collective gather, so every rank must get here.
	maskers, err := p.buildMaskers(ctx, local)
	if err != nil {
		return err
	}

	spectra, err := p.readSpectra(ctx, local)
	if err != nil {
		return err
	}

	spectra = p.applyMasks(maskers, spectra)
	spectra = p.removeShortSpectra(spectra)

	for _, spec := range spectra {
		spec.SetSmoothIvar()
	}

	engine, err := continuum.New(p.log, p.comm, &p.cfg.Fitting,
		p.cfg.Wave.FW1, p.cfg.Wave.FW2, p.cfg.Wave.W1, p.cfg.Wave.W2)
	if err != nil {
		return err
	}
	p.log.Info("Fitting continuum")
	if err := engine.Iterate(ctx, spectra); err != nil {
		return err
	}
	model := engine.Model()

	valid := spectrum.ValidSpectra(spectra)
	observability.RecordSpectra("valid", len(valid))

	if p.cfg.Forest.CoaddArms {
		p.log.Info("Coadding arms")
		for _, spec := range valid {
			cont := func(_ string, wave []float64) []float64 {
				return model.ContinuumOn(spec, wave)
			}
			spec.CoaddArms(p.cfg.Input.Dwave, model.VarLSSAt, cont)
		}
	}

	// Final cleaning matters especially when arms are kept separate.
	for _, spec := range valid {
		spec.DropShortArms(p.cfg.Forest.MinPixelsPerArm)
	}
	valid = spectrum.ValidSpectra(valid)

	p.log.Info("Saving deltas")
	writer, err := p.buildWriter(ctx)
	if err != nil {
		return err
	}
	n, err := writer.Save(ctx, valid, model, p.comm.Rank())
	if err != nil {
		return err
	}

	p.log.WithFields(logrus.Fields{
		"deltas":   n,
		"duration": time.Since(start).Round(time.Second),
	}).Info("Fit run complete")
	return nil
}

func (p *pipeline) buildMaskers(ctx context.Context, local []catalog.Group) ([]masks.Masker, error) {
	var maskers []masks.Masker

	// Fixed apply order: sky, then BAL, then DLA.
	if p.cfg.Masks.Sky != "" {
		p.log.Info("Reading sky mask")
		sky, err := masks.NewSkyMask(p.cfg.Masks.Sky)
		if err != nil {
			return nil, err
		}
		maskers = append(maskers, sky)
	}
	if p.cfg.Masks.BAL != "" {
		p.log.Info("Reading BAL catalog")
		bal, err := masks.NewBALMask(p.cfg.Masks.BAL)
		if err != nil {
			return nil, err
		}
		maskers = append(maskers, bal)
	}
	if p.cfg.Masks.DLA != "" {
		p.log.Info("Reading DLA catalog")
		dla, err := masks.NewDLAMask(ctx, p.log, p.cfg.Masks.DLA,
			catalog.TargetIDs(local), p.comm, p.cfg.Masks.DLATransmissionFloor)
		if err != nil {
			return nil, err
		}
		maskers = append(maskers, dla)
	}

	return maskers, nil
}

func (p *pipeline) readSpectra(ctx context.Context, local []catalog.Group) ([]*spectrum.Spectrum, error) {
	start := time.Now()
	p.log.Info("Reading spectra")

	reader := p.buildReader()
	var spectra []*spectrum.Spectrum
	for _, group := range local {
		groupSpecs, err := reader.Read(group)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", group.ID, err)
		}
		for _, spec := range groupSpecs {
			spec.SetForestRegion(p.cfg.Wave.W1, p.cfg.Wave.W2, p.cfg.Wave.FW1, p.cfg.Wave.FW2)
			if !p.cfg.Forest.KeepNonForestPixels {
				spec.RemoveNonForestPixels()
			}
			spectra = append(spectra, spec)
		}
	}
	observability.RecordSpectra("read", len(spectra))

	kept := spectra[:0]
	for _, spec := range spectra {
		if spec.RSNR > p.cfg.Forest.MinRSNR {
			kept = append(kept, spec)
		}
	}
	spectra = kept
	observability.RecordSpectra("snr_cut", len(spectra))

	total, err := p.comm.AllReduceSum(ctx, "nspec-read", []float64{float64(len(spectra))})
	if err != nil {
		return nil, err
	}
	p.log.WithFields(logrus.Fields{
		"local":    len(spectra),
		"global":   int(total[0]),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("Spectra read")

	return spectra, nil
}

func (p *pipeline) buildReader() specio.Reader {
	if p.cfg.Input.Mock {
		return &specio.MockReader{
			Arms:  p.cfg.Input.Arms,
			W1:    p.cfg.Wave.W1,
			W2:    p.cfg.Wave.W2,
			Dwave: p.cfg.Input.Dwave,
			Sigma: p.cfg.Input.MockSigma,
			Seed:  p.cfg.Input.MockSeed,
		}
	}
	return &specio.NativeReader{Dir: p.cfg.Input.Dir, Arms: p.cfg.Input.Arms}
}

func (p *pipeline) applyMasks(maskers []masks.Masker, spectra []*spectrum.Spectrum) []*spectrum.Spectrum {
	if len(maskers) == 0 {
		return spectra
	}

	start := time.Now()
	p.log.Info("Applying masks")
	kept := spectra[:0]
	for _, spec := range spectra {
		masks.ApplyAll(maskers, spec, p.cfg.Forest.MinPixelsPerArm)
		if len(spec.Arms()) > 0 {
			kept = append(kept, spec)
		}
	}
	observability.RecordSpectra("masked", len(kept))
	p.log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Masks applied")

	return kept
}

func (p *pipeline) removeShortSpectra(spectra []*spectrum.Spectrum) []*spectrum.Spectrum {
	if p.cfg.Forest.MinForestFraction <= 0 {
		return spectra
	}

	p.log.Info("Removing short spectra")
	dforest := p.cfg.Wave.FW2 - p.cfg.Wave.FW1
	kept := spectra[:0]
	for _, spec := range spectra {
		if spec.IsLong(dforest, p.cfg.Forest.MinForestFraction) {
			kept = append(kept, spec)
		}
	}
	observability.RecordSpectra("length_cut", len(kept))

	return kept
}

func (p *pipeline) buildWriter(ctx context.Context) (specio.DeltaWriter, error) {
	if p.cfg.Output.Sink == config.SinkClickHouse {
		return specio.NewClickHouseWriter(ctx, p.log, &p.cfg.Output.ClickHouse)
	}
	return &specio.FileWriter{Dir: p.cfg.Output.Dir, ByGroup: p.cfg.Output.ByGroup}, nil
}
