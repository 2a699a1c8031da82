package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cwbudde/algo-ampsim/config"
)

// writeSettings stores s as a settings file that config.LoadJSON reads back.
// Catalog directories are written absolute; explicit model and IR files are
// expressed as a catalog directory plus display name.
func writeSettings(path string, s *config.Settings, modelFile, irFile string) error {
	f := config.File{
		ModelDir:   s.ModelDir,
		IRDir:      s.IRDir,
		Model:      s.Model,
		IR:         s.IR,
		LogLevel:   s.LogLevel.String(),
		Parameters: s.Parameters,
	}
	if modelFile != "" {
		f.ModelDir, f.Model = splitResource(modelFile)
	}
	if irFile != "" {
		f.IRDir, f.IR = splitResource(irFile)
	}

	c := s.Engine
	rampMS := float64(c.NormalizationRamp.Microseconds()) / 1000
	gate := string(c.GateMode)
	f.MaxIRTaps = &c.MaxIRTaps
	f.MaxChannels = &c.MaxChannels
	f.NormalizationRampMS = &rampMS
	f.NormalizationMinDB = &c.NormalizationMinDB
	f.NormalizationMaxDB = &c.NormalizationMaxDB
	f.DCBlockerHz = &c.DCBlockerHz
	f.GateMode = &gate
	f.BassHz = &c.BassHz
	f.MidHz = &c.MidHz
	f.TrebleHz = &c.TrebleHz
	f.ToneQ = &c.ToneQ

	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func splitResource(path string) (dir, name string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	base := filepath.Base(abs)
	return filepath.Dir(abs), base[:len(base)-len(filepath.Ext(base))]
}
