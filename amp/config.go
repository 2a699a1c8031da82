package amp

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrResourceNotFound reports a missing model or IR file.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrMalformedResource reports a model or IR file that could not be decoded.
	ErrMalformedResource = errors.New("malformed resource")
	// ErrUnknownParameter reports a parameter name outside the parameter table.
	ErrUnknownParameter = errors.New("unknown parameter")
	// ErrNotPrepared is returned by operations that need a sample rate.
	ErrNotPrepared = errors.New("engine not prepared")
)

// GateMode selects the noise gate implementation.
type GateMode string

const (
	// GateHard zeroes every sample below the threshold.
	GateHard GateMode = "hard"
	// GateSmooth uses an attack/hold/release envelope gate.
	GateSmooth GateMode = "smooth"
)

// Config controls engine construction. Zero values are replaced by
// DefaultConfig values in New.
type Config struct {
	MaxIRTaps   int
	MaxChannels int

	NormalizationRamp  time.Duration
	NormalizationMinDB float64
	NormalizationMaxDB float64

	DCBlockerHz float64
	GateMode    GateMode

	BassHz   float64
	MidHz    float64
	TrebleHz float64
	ToneQ    float64

	// LoaderStopTimeout bounds how long Release waits for loader goroutines.
	LoaderStopTimeout time.Duration

	Logger logrus.FieldLogger

	// ModelLoader builds a model from a file. Defaults to the .nam loader.
	ModelLoader func(path string) (Model, error)

	// OnLoad is called from the loader goroutines after every finished request.
	OnLoad func(LoadEvent)
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxIRTaps:          32768,
		MaxChannels:        2,
		NormalizationRamp:  50 * time.Millisecond,
		NormalizationMinDB: -12,
		NormalizationMaxDB: 6,
		DCBlockerHz:        20,
		GateMode:           GateHard,
		BassHz:             250,
		MidHz:              1000,
		TrebleHz:           4000,
		ToneQ:              1,
		LoaderStopTimeout:  500 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxIRTaps == 0 {
		c.MaxIRTaps = d.MaxIRTaps
	}
	if c.MaxChannels == 0 {
		c.MaxChannels = d.MaxChannels
	}
	if c.NormalizationRamp == 0 {
		c.NormalizationRamp = d.NormalizationRamp
	}
	if c.NormalizationMinDB == 0 && c.NormalizationMaxDB == 0 {
		c.NormalizationMinDB = d.NormalizationMinDB
		c.NormalizationMaxDB = d.NormalizationMaxDB
	}
	if c.DCBlockerHz == 0 {
		c.DCBlockerHz = d.DCBlockerHz
	}
	if c.GateMode == "" {
		c.GateMode = d.GateMode
	}
	if c.BassHz == 0 {
		c.BassHz = d.BassHz
	}
	if c.MidHz == 0 {
		c.MidHz = d.MidHz
	}
	if c.TrebleHz == 0 {
		c.TrebleHz = d.TrebleHz
	}
	if c.ToneQ == 0 {
		c.ToneQ = d.ToneQ
	}
	if c.LoaderStopTimeout == 0 {
		c.LoaderStopTimeout = d.LoaderStopTimeout
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.ModelLoader == nil {
		c.ModelLoader = loadNAM
	}
	return c
}

// Validate checks ranges and enum values.
func (c Config) Validate() error {
	if c.MaxIRTaps < 1 {
		return fmt.Errorf("max IR taps must be >= 1: %d", c.MaxIRTaps)
	}
	if c.MaxChannels < 1 {
		return fmt.Errorf("max channels must be >= 1: %d", c.MaxChannels)
	}
	if c.NormalizationRamp < 0 {
		return fmt.Errorf("normalization ramp must be >= 0: %s", c.NormalizationRamp)
	}
	if c.NormalizationMinDB > 0 || c.NormalizationMaxDB < 0 {
		return fmt.Errorf("normalization range must contain 0 dB: [%g, %g]", c.NormalizationMinDB, c.NormalizationMaxDB)
	}
	if c.DCBlockerHz <= 0 {
		return fmt.Errorf("dc blocker frequency must be > 0: %g", c.DCBlockerHz)
	}
	switch c.GateMode {
	case GateHard, GateSmooth:
	default:
		return fmt.Errorf("unknown gate mode: %q", c.GateMode)
	}
	if c.BassHz <= 0 || c.MidHz <= 0 || c.TrebleHz <= 0 {
		return fmt.Errorf("tone stack frequencies must be > 0")
	}
	if c.ToneQ <= 0 {
		return fmt.Errorf("tone stack Q must be > 0: %g", c.ToneQ)
	}
	if c.LoaderStopTimeout < 0 {
		return fmt.Errorf("loader stop timeout must be >= 0: %s", c.LoaderStopTimeout)
	}
	return nil
}
