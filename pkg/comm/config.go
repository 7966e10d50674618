package comm

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidSize is returned when the group size is not positive
	ErrInvalidSize = errors.New("comm size must be positive")
	// ErrInvalidRank is returned when the rank is outside [0, size)
	ErrInvalidRank = errors.New("comm rank must be in [0, size)")
	// ErrAddressRequired is returned when a multi-rank run has no Redis address
	ErrAddressRequired = errors.New("redis address is required for multi-rank runs")
	// ErrRunIDRequired is returned when a multi-rank run has no run ID
	ErrRunIDRequired = errors.New("run ID is required for multi-rank runs")
)

// Config holds the communicator settings of one rank.
type Config struct {
	// Size and Rank place this process in the worker group. Size 1 runs
	// fully in-process without a coordination store.
	Size int `yaml:"size" default:"1"`
	Rank int `yaml:"rank" default:"0"`

	// RunID namespaces all collective keys so concurrent runs sharing one
	// Redis never observe each other.
	RunID string `yaml:"runID"`

	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix" default:"deltafit"`

	// PollInterval is how often blocked collectives re-check Redis;
	// Timeout bounds any single collective call.
	PollInterval time.Duration `yaml:"pollInterval" default:"50ms"`
	Timeout      time.Duration `yaml:"timeout" default:"30m"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Size < 1 {
		return ErrInvalidSize
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d, size %d", ErrInvalidRank, c.Rank, c.Size)
	}
	if c.Size > 1 {
		if c.Address == "" {
			return ErrAddressRequired
		}
		if c.RunID == "" {
			return ErrRunIDRequired
		}
	}
	return nil
}

// Key builds a run-scoped Redis key.
func (c *Config) Key(parts ...string) string {
	key := c.Prefix + ":" + c.RunID
	for _, p := range parts {
		key += ":" + p
	}
	return key
}
