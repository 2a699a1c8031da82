// Package config loads engine settings from JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/amp"
)

// File is the JSON schema for engine settings. Absent fields keep defaults.
type File struct {
	ModelDir string `json:"model_dir"`
	IRDir    string `json:"ir_dir"`
	Model    string `json:"model"`
	IR       string `json:"ir"`
	LogLevel string `json:"log_level"`

	MaxIRTaps           *int     `json:"max_ir_taps"`
	MaxChannels         *int     `json:"max_channels"`
	NormalizationRampMS *float64 `json:"normalization_ramp_ms"`
	NormalizationMinDB  *float64 `json:"normalization_min_db"`
	NormalizationMaxDB  *float64 `json:"normalization_max_db"`
	DCBlockerHz         *float64 `json:"dc_blocker_hz"`
	GateMode            *string  `json:"gate_mode"`
	BassHz              *float64 `json:"bass_hz"`
	MidHz               *float64 `json:"mid_hz"`
	TrebleHz            *float64 `json:"treble_hz"`
	ToneQ               *float64 `json:"tone_q"`

	Parameters map[string]float64 `json:"parameters"`
}

// Settings is a resolved configuration.
type Settings struct {
	Engine   amp.Config
	ModelDir string
	IRDir    string
	// Model and IR are catalog display names selected at startup.
	Model      string
	IR         string
	LogLevel   logrus.Level
	Parameters map[string]float64
}

// Default returns settings with the stock engine configuration.
func Default() *Settings {
	return &Settings{
		Engine:     amp.DefaultConfig(),
		LogLevel:   logrus.InfoLevel,
		Parameters: map[string]float64{},
	}
}

// LoadJSON loads a settings file and applies it on top of Default.
// Relative directories are resolved against the file's directory.
func LoadJSON(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	s := Default()
	if err := ApplyFile(s, &f); err != nil {
		return nil, err
	}

	base := filepath.Dir(path)
	s.ModelDir = resolveDir(base, s.ModelDir)
	s.IRDir = resolveDir(base, s.IRDir)
	return s, nil
}

func resolveDir(base, dir string) string {
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Clean(filepath.Join(base, dir))
}

// ApplyFile applies a parsed settings file onto dst and validates the result.
func ApplyFile(dst *Settings, f *File) error {
	if dst == nil {
		return fmt.Errorf("nil destination settings")
	}
	if f == nil {
		return nil
	}

	if d := strings.TrimSpace(f.ModelDir); d != "" {
		dst.ModelDir = d
	}
	if d := strings.TrimSpace(f.IRDir); d != "" {
		dst.IRDir = d
	}
	if f.Model != "" {
		dst.Model = f.Model
	}
	if f.IR != "" {
		dst.IR = f.IR
	}
	if f.LogLevel != "" {
		lvl, err := logrus.ParseLevel(f.LogLevel)
		if err != nil {
			return fmt.Errorf("log_level: %w", err)
		}
		dst.LogLevel = lvl
	}

	c := &dst.Engine
	if f.MaxIRTaps != nil {
		c.MaxIRTaps = *f.MaxIRTaps
	}
	if f.MaxChannels != nil {
		c.MaxChannels = *f.MaxChannels
	}
	if f.NormalizationRampMS != nil {
		if *f.NormalizationRampMS < 0 {
			return fmt.Errorf("normalization_ramp_ms must be >= 0")
		}
		c.NormalizationRamp = time.Duration(*f.NormalizationRampMS * float64(time.Millisecond))
	}
	if f.NormalizationMinDB != nil {
		c.NormalizationMinDB = *f.NormalizationMinDB
	}
	if f.NormalizationMaxDB != nil {
		c.NormalizationMaxDB = *f.NormalizationMaxDB
	}
	if f.DCBlockerHz != nil {
		c.DCBlockerHz = *f.DCBlockerHz
	}
	if f.GateMode != nil {
		c.GateMode = amp.GateMode(strings.ToLower(strings.TrimSpace(*f.GateMode)))
	}
	if f.BassHz != nil {
		c.BassHz = *f.BassHz
	}
	if f.MidHz != nil {
		c.MidHz = *f.MidHz
	}
	if f.TrebleHz != nil {
		c.TrebleHz = *f.TrebleHz
	}
	if f.ToneQ != nil {
		c.ToneQ = *f.ToneQ
	}
	if err := c.Validate(); err != nil {
		return err
	}

	if dst.Parameters == nil {
		dst.Parameters = make(map[string]float64, len(f.Parameters))
	}
	probe := amp.NewParameterStore(1, 1)
	for name, v := range f.Parameters {
		if _, ok := probe.Lookup(name); !ok {
			return fmt.Errorf("parameters: %w: %q", amp.ErrUnknownParameter, name)
		}
		dst.Parameters[name] = v
	}
	return nil
}

// ApplyParameters writes the parameter overrides into store in name order.
func (s *Settings) ApplyParameters(store *amp.ParameterStore) error {
	names := make([]string, 0, len(s.Parameters))
	for name := range s.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := store.Set(name, s.Parameters[name]); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
	}
	return nil
}
