package continuum

import "errors"

var (
	// ErrInvalidRounds is returned when the round cap is not positive
	ErrInvalidRounds = errors.New("maxRounds must be positive")
	// ErrInvalidTolerance is returned when a tolerance is not positive
	ErrInvalidTolerance = errors.New("tolerances must be positive")
	// ErrInvalidInnerIters is returned when the per-object iteration cap is not positive
	ErrInvalidInnerIters = errors.New("innerIters must be positive")
	// ErrInvalidMinPixels is returned when the minimum pixel count is negative
	ErrInvalidMinPixels = errors.New("minPixels must not be negative")
	// ErrInvalidConcurrency is returned when concurrency is not positive
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrInvalidGridSize is returned when a grid size is below two bins
	ErrInvalidGridSize = errors.New("grid sizes need at least two bins")
)

// Config contains the fitting-engine settings.
type Config struct {
	// MaxRounds caps the outer fit/stack/reduce/update loop; Tolerance is
	// the convergence threshold on the mean-continuum change metric.
	MaxRounds int     `yaml:"maxRounds" default:"10"`
	Tolerance float64 `yaml:"tolerance" default:"0.0001"`

	// InnerIters and InnerTol bound the per-object weight fixed-point loop.
	InnerIters int     `yaml:"innerIters" default:"20"`
	InnerTol   float64 `yaml:"innerTol" default:"0.000001"`

	// MinPixels is the minimum valid pixel count for a per-object fit.
	MinPixels int `yaml:"minPixels" default:"20"`

	// VarLSSDefault seeds the variance model before the first round;
	// VarLSSMax clips the residual-based estimator.
	VarLSSDefault float64 `yaml:"varLSSDefault" default:"0.1"`
	VarLSSMax     float64 `yaml:"varLSSMax" default:"2.0"`

	// RestGridSize and ObsGridSize fix the global model grids. They must
	// be identical on every rank so reduced statistics stay compatible.
	RestGridSize int `yaml:"restGridSize" default:"200"`
	ObsGridSize  int `yaml:"obsGridSize" default:"25"`

	// Concurrency bounds the in-process fan-out of per-object fits.
	Concurrency int `yaml:"concurrency" default:"10"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MaxRounds <= 0 {
		return ErrInvalidRounds
	}
	if c.Tolerance <= 0 || c.InnerTol <= 0 {
		return ErrInvalidTolerance
	}
	if c.InnerIters <= 0 {
		return ErrInvalidInnerIters
	}
	if c.MinPixels < 0 {
		return ErrInvalidMinPixels
	}
	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}
	if c.RestGridSize < 2 || c.ObsGridSize < 2 {
		return ErrInvalidGridSize
	}
	return nil
}
