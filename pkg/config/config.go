// Package config defines the YAML run configuration of a fit.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/astropipe/deltafit/pkg/comm"
	"github.com/astropipe/deltafit/pkg/continuum"
	"github.com/astropipe/deltafit/pkg/specio"
)

var (
	// ErrCatalogRequired is returned when no catalog path is configured
	ErrCatalogRequired = errors.New("input catalog is required")
	// ErrInputDirRequired is returned when a non-mock run has no input dir
	ErrInputDirRequired = errors.New("input dir is required unless mock is set")
	// ErrOutputDirRequired is returned when the file sink has no directory
	ErrOutputDirRequired = errors.New("output dir is required for the file sink")
	// ErrInvalidSink is returned for an unknown delta sink
	ErrInvalidSink = errors.New("output sink must be file or clickhouse")
	// ErrInvalidWaveWindow is returned when a wavelength window is inverted
	ErrInvalidWaveWindow = errors.New("wavelength windows must satisfy w1 < w2")
	// ErrInvalidDwave is returned when the pixel spacing is not positive
	ErrInvalidDwave = errors.New("pixel spacing dwave must be positive")
	// ErrInvalidForestFraction is returned for a fraction outside [0, 1]
	ErrInvalidForestFraction = errors.New("minForestFraction must be in [0, 1]")
)

// Sink names for Output.Sink.
const (
	SinkFile       = "file"
	SinkClickHouse = "clickhouse"
)

// Input selects the catalog and spectrum source.
type Input struct {
	Catalog     string   `yaml:"catalog"`
	Dir         string   `yaml:"dir"`
	Arms        []string `yaml:"arms"`
	KeepSurveys []string `yaml:"keepSurveys"`

	// Dwave is the fixed instrument pixel spacing in Angstrom.
	Dwave float64 `yaml:"dwave" default:"0.8"`

	// Mock synthesizes spectra from catalog redshifts instead of reading
	// files; MockSigma and MockSeed control the noise realization.
	Mock      bool    `yaml:"mock"`
	MockSigma float64 `yaml:"mockSigma" default:"0.1"`
	MockSeed  uint64  `yaml:"mockSeed" default:"42"`
}

// Output selects the delta sink.
type Output struct {
	Dir        string                  `yaml:"dir"`
	ByGroup    bool                    `yaml:"byGroup"`
	Sink       string                  `yaml:"sink" default:"file"`
	ClickHouse specio.ClickHouseConfig `yaml:"clickhouse"`
}

// Wave fixes the observed window [W1, W2] and the rest-frame forest window
// [FW1, FW2].
type Wave struct {
	W1  float64 `yaml:"w1" default:"3600"`
	W2  float64 `yaml:"w2" default:"6000"`
	FW1 float64 `yaml:"fw1" default:"1040"`
	FW2 float64 `yaml:"fw2" default:"1200"`
}

// Forest holds the sample cuts applied around fitting.
type Forest struct {
	MinRSNR             float64 `yaml:"minRSNR"`
	MinForestFraction   float64 `yaml:"minForestFraction"`
	KeepNonForestPixels bool    `yaml:"keepNonForestPixels"`
	CoaddArms           bool    `yaml:"coaddArms" default:"true"`
	MinPixelsPerArm     int     `yaml:"minPixelsPerArm" default:"20"`
}

// Masks selects the mask sources; empty paths disable the masker.
type Masks struct {
	Sky string `yaml:"sky"`
	BAL string `yaml:"bal"`
	DLA string `yaml:"dla"`

	// DLATransmissionFloor is the wing transmission below which the
	// damping-wing correction is unreliable and pixels are masked
	// outright instead of corrected.
	DLATransmissionFloor float64 `yaml:"dlaTransmissionFloor" default:"0.8"`
}

// Config is the full configuration of one fit rank.
type Config struct {
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9090"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	Input   Input            `yaml:"input"`
	Output  Output           `yaml:"output"`
	Wave    Wave             `yaml:"wave"`
	Forest  Forest           `yaml:"forest"`
	Fitting continuum.Config `yaml:"fitting"`
	Masks   Masks            `yaml:"masks"`
	Comm    comm.Config      `yaml:"comm"`
}

// Load reads a config file, applies defaults, and validates.
func Load(file string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file) //nolint:gosec // User-provided config file path
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the whole configuration before the engine starts; every
// violation here is fatal, never retried.
func (c *Config) Validate() error {
	if c.Input.Catalog == "" {
		return ErrCatalogRequired
	}
	if !c.Input.Mock && c.Input.Dir == "" {
		return ErrInputDirRequired
	}
	if c.Input.Dwave <= 0 {
		return ErrInvalidDwave
	}
	if len(c.Input.Arms) == 0 {
		c.Input.Arms = []string{"B", "R", "Z"}
	}

	if c.Wave.W1 >= c.Wave.W2 {
		return fmt.Errorf("%w: observed [%g, %g]", ErrInvalidWaveWindow, c.Wave.W1, c.Wave.W2)
	}
	if c.Wave.FW1 >= c.Wave.FW2 {
		return fmt.Errorf("%w: rest frame [%g, %g]", ErrInvalidWaveWindow, c.Wave.FW1, c.Wave.FW2)
	}
	if c.Forest.MinForestFraction < 0 || c.Forest.MinForestFraction > 1 {
		return ErrInvalidForestFraction
	}

	switch c.Output.Sink {
	case SinkFile:
		if c.Output.Dir == "" {
			return ErrOutputDirRequired
		}
	case SinkClickHouse:
		if err := c.Output.ClickHouse.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSink, c.Output.Sink)
	}

	if err := c.Fitting.Validate(); err != nil {
		return err
	}
	return c.Comm.Validate()
}
