package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// FitsTotal tracks per-object continuum fits by outcome
	FitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltafit_fits_total",
			Help: "Total number of per-object continuum fits",
		},
		[]string{"status"}, // status: ok, insufficient_pixels, degenerate, no_convergence, error
	)

	// RoundsTotal counts completed fit rounds
	RoundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deltafit_rounds_total",
			Help: "Total number of completed fit rounds",
		},
	)

	// RoundDuration measures full round duration in seconds
	RoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deltafit_round_duration_seconds",
			Help:    "Fit round duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~400s
		},
	)

	// ConvergenceDiff tracks the mean-continuum change metric per round
	ConvergenceDiff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deltafit_convergence_diff",
			Help: "Max relative mean-continuum change of the last round",
		},
	)

	// SpectraCount tracks the local spectrum sample size per pipeline stage
	SpectraCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deltafit_spectra",
			Help: "Number of spectra in the local partition per stage",
		},
		[]string{"stage"}, // stage: read, snr_cut, masked, length_cut, valid
	)

	// MaskedPixelsTotal counts pixels zeroed per masker
	MaskedPixelsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltafit_masked_pixels_total",
			Help: "Total number of pixels masked",
		},
		[]string{"mask"}, // mask: sky, bal, dla
	)

	// CollectiveDuration measures time spent blocked in collective calls
	CollectiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deltafit_collective_duration_seconds",
			Help:    "Time spent in collective operations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"op"}, // op: allreduce, broadcast, barrier
	)

	// DeltasWritten counts persisted delta records
	DeltasWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltafit_deltas_written_total",
			Help: "Total number of delta records written",
		},
		[]string{"sink"}, // sink: file, clickhouse
	)

	// ErrorsTotal counts errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltafit_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordFit records one per-object fit outcome.
func RecordFit(status string) {
	FitsTotal.WithLabelValues(status).Inc()
}

// RecordRound records a completed fit round.
func RecordRound(duration, convergenceDiff float64) {
	RoundsTotal.Inc()
	RoundDuration.Observe(duration)
	ConvergenceDiff.Set(convergenceDiff)
}

// RecordCollective records time spent blocked in one collective operation.
func RecordCollective(op string, seconds float64) {
	CollectiveDuration.WithLabelValues(op).Observe(seconds)
}

// RecordSpectra records the local sample size after a pipeline stage.
func RecordSpectra(stage string, count int) {
	SpectraCount.WithLabelValues(stage).Set(float64(count))
}

// RecordMaskedPixels records pixels zeroed by one masker.
func RecordMaskedPixels(mask string, count int) {
	MaskedPixelsTotal.WithLabelValues(mask).Add(float64(count))
}

// RecordDeltas records persisted delta rows.
func RecordDeltas(sink string, count int) {
	DeltasWritten.WithLabelValues(sink).Add(float64(count))
}

// RecordError records an error.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
