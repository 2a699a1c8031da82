package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cwbudde/algo-ampsim/internal/wavio"
	"github.com/cwbudde/algo-ampsim/irsynth"
)

func main() {
	cfg := irsynth.DefaultConfig()

	output := flag.String("output", "irs/synth_1x12.wav", "Output WAV path")
	flag.IntVar(&cfg.SampleRate, "sample-rate", cfg.SampleRate, "Output sample rate")
	flag.Float64Var(&cfg.DurationS, "duration", cfg.DurationS, "IR length in seconds")
	flag.IntVar(&cfg.Channels, "channels", cfg.Channels, "1 = on-axis mic, 2 = adds an off-axis mic")
	flag.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Random seed")
	flag.Float64Var(&cfg.LowCutHz, "low-cut", cfg.LowCutHz, "Low cut frequency (Hz)")
	flag.Float64Var(&cfg.ResonanceHz, "resonance", cfg.ResonanceHz, "Speaker resonance frequency (Hz)")
	flag.Float64Var(&cfg.ResonanceDB, "resonance-db", cfg.ResonanceDB, "Speaker resonance gain (dB)")
	flag.Float64Var(&cfg.BreakupHz, "breakup", cfg.BreakupHz, "Cone break-up peak frequency (Hz)")
	flag.Float64Var(&cfg.BreakupDB, "breakup-db", cfg.BreakupDB, "Cone break-up peak gain (dB)")
	flag.Float64Var(&cfg.RolloffHz, "rolloff", cfg.RolloffHz, "High roll-off frequency (Hz)")
	flag.IntVar(&cfg.RolloffOrder, "rolloff-order", cfg.RolloffOrder, "Number of roll-off sections")
	flag.Float64Var(&cfg.Width, "width", cfg.Width, "Enclosure width (m)")
	flag.Float64Var(&cfg.Height, "height", cfg.Height, "Enclosure height (m)")
	flag.Float64Var(&cfg.Depth, "depth", cfg.Depth, "Enclosure depth (m)")
	flag.IntVar(&cfg.Modes, "modes", cfg.Modes, "Number of enclosure modes")
	flag.Float64Var(&cfg.ModeLevel, "mode-level", cfg.ModeLevel, "Enclosure mode level")
	flag.IntVar(&cfg.ReflectionCount, "reflections", cfg.ReflectionCount, "Number of wall reflections")
	flag.Float64Var(&cfg.NormalizePeak, "normalize", cfg.NormalizePeak, "Peak normalization target")
	flag.Parse()

	chans, err := irsynth.Generate(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cab-synth error: %v\n", err)
		os.Exit(1)
	}
	if err := wavio.WriteChannels(*output, chans, cfg.SampleRate); err != nil {
		fmt.Fprintf(os.Stderr, "wav write error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", *output)
	fmt.Printf("SampleRate: %d Hz, Duration: %.3f s, Samples: %d, Channels: %d\n", cfg.SampleRate, cfg.DurationS, len(chans[0]), len(chans))
	for ch, c := range chans {
		fmt.Printf("Channel %d peak: %.6f, RMS: %.6f\n", ch, wavio.Peak(c), wavio.RMS(c))
	}
	modes := irsynth.EnclosureModes(cfg.Width, cfg.Height, cfg.Depth, min(cfg.Modes, 5), 0.45*float64(cfg.SampleRate))
	fmt.Printf("Lowest enclosure modes (Hz): %.0f\n", modes)
}
