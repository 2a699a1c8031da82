package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/config"
	"github.com/cwbudde/algo-ampsim/internal/session"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

func main() {
	input := flag.String("input", "", "Input WAV path (dry guitar)")
	output := flag.String("output", "output.wav", "Output WAV path")
	configPath := flag.String("config", "", "Settings JSON path (optional)")
	modelDir := flag.String("model-dir", "", "Directory scanned for .nam models")
	irDir := flag.String("ir-dir", "", "Directory scanned for .wav impulse responses")
	modelName := flag.String("model", "", "Model display name from the catalog")
	irName := flag.String("ir", "", "IR display name from the catalog")
	modelFile := flag.String("model-file", "", "Model file path (bypasses the catalog)")
	irFile := flag.String("ir-file", "", "IR file path (bypasses the catalog)")
	set := flag.String("set", "", "Parameter overrides, e.g. inputLevel=6,toneBass=7")
	blockSize := flag.Int("block", 256, "Processing block size in frames")
	statePath := flag.String("state", "", "Restore engine state from this JSON file before rendering")
	saveState := flag.String("save-state", "", "Write engine state JSON after rendering")
	list := flag.Bool("list", false, "List catalog entries and parameters, then exit")
	logLevel := flag.String("log-level", "warning", "Log level (debug, info, warning, error)")
	flag.Parse()

	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		die("invalid -log-level: %v", err)
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	settings := config.Default()
	if *configPath != "" {
		settings, err = config.LoadJSON(*configPath)
		if err != nil {
			die("Error loading config %q: %v", *configPath, err)
		}
	}
	overrideString(&settings.ModelDir, *modelDir)
	overrideString(&settings.IRDir, *irDir)
	overrideString(&settings.Model, *modelName)
	overrideString(&settings.IR, *irName)
	overrides, err := parseOverrides(*set)
	if err != nil {
		die("invalid -set: %v", err)
	}
	for k, v := range overrides {
		settings.Parameters[k] = v
	}

	if *list {
		if err := listCatalogs(settings, log); err != nil {
			die("list failed: %v", err)
		}
		return
	}
	if *input == "" {
		die("missing -input")
	}

	chans, sr, err := wavio.ReadChannels(*input)
	if err != nil {
		die("failed to read input: %v", err)
	}
	if len(chans) > settings.Engine.MaxChannels {
		chans = chans[:settings.Engine.MaxChannels]
	}

	sess, err := session.Open(session.Options{
		Settings:   settings,
		ModelFile:  *modelFile,
		IRFile:     *irFile,
		SampleRate: float64(sr),
		BlockSize:  *blockSize,
		Logger:     log,
	})
	if err != nil {
		die("engine setup failed: %v", err)
	}
	defer sess.Close()

	if *statePath != "" {
		if err := restoreState(sess, *statePath); err != nil {
			die("failed to restore state: %v", err)
		}
	}

	inPeak, inRMS := levels(chans)
	fmt.Printf("Rendering %s (%d ch, %d Hz, %d frames)\n", *input, len(chans), sr, len(chans[0]))
	fmt.Printf("Model: %s  IR: %s\n", describe(sess.Engine.IsModelLoaded(), *modelFile, settings.Model), describe(sess.Engine.IsIRLoaded(), *irFile, settings.IR))

	sess.Render(chans)

	if err := wavio.WriteChannels(*output, chans, sr); err != nil {
		die("wav write error: %v", err)
	}
	if *saveState != "" {
		blob, err := sess.Engine.State()
		if err != nil {
			die("state export failed: %v", err)
		}
		if err := os.WriteFile(*saveState, blob, 0o644); err != nil {
			die("state write failed: %v", err)
		}
	}

	outPeak, outRMS := levels(chans)
	st := sess.Engine.Stats()
	fmt.Printf("Wrote %s\n", *output)
	fmt.Printf("Input  peak %.4f rms %.4f\n", inPeak, inRMS)
	fmt.Printf("Output peak %.4f rms %.4f (normalization gain %.3f)\n", outPeak, outRMS, sess.Engine.NormalizationGain())
	fmt.Printf("Blocks: %d  silenced: %d  model faults: %d\n", st.Blocks, st.SilencedBlocks, st.ModelFaults)
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// parseOverrides parses "name=value" pairs separated by commas.
func parseOverrides(raw string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=value, got %q", part)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func restoreState(sess *session.Session, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return sess.Engine.SetState(blob)
}

func describe(loaded bool, file, name string) string {
	label := name
	if file != "" {
		label = file
	}
	if label == "" {
		return "none"
	}
	if !loaded {
		return label + " (not loaded)"
	}
	return label
}

func levels(chans [][]float32) (peak, rms float64) {
	for _, c := range chans {
		peak = max(peak, wavio.Peak(c))
		rms = max(rms, wavio.RMS(c))
	}
	return peak, rms
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
