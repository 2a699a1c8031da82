package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/config"
	"github.com/cwbudde/algo-ampsim/internal/session"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

func main() {
	inputPath := flag.String("input", "", "Dry DI WAV path")
	referencePath := flag.String("reference", "", "Target WAV path (the same performance through the real rig)")
	configPath := flag.String("config", "", "Starting settings JSON (optional)")
	modelFile := flag.String("model-file", "", "Model file path")
	irFile := flag.String("ir-file", "", "IR file path")
	knobs := flag.String("knobs", "inputLevel,toneBass,toneMid,toneTreble,outputLevel", "Comma-separated parameters to search")
	duration := flag.Float64("duration", 3.0, "Seconds of input used per evaluation")
	blockSize := flag.Int("block", 512, "Processing block size")
	variant := flag.String("variant", "desma", "Mayfly variant: ma, desma, olce, eobbma, gsasma, mpma, aoblmoa")
	pop := flag.Int("pop", 10, "Mayfly population size")
	roundEvals := flag.Int("round-evals", 200, "Evaluations per mayfly round")
	maxEvals := flag.Int("max-evals", 600, "Total evaluation budget")
	timeBudget := flag.Duration("time-budget", 5*time.Minute, "Wall-clock budget")
	seed := flag.Int64("seed", 1, "Random seed")
	workersRaw := flag.String("workers", "auto", "Parallel evaluators (integer or 'auto')")
	output := flag.String("output", "matched.json", "Output settings JSON path")
	logLevel := flag.String("log-level", "warning", "Log level (debug, info, warning, error)")
	flag.Parse()

	if *inputPath == "" || *referencePath == "" {
		die("both -input and -reference are required")
	}
	lvl, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		die("invalid -log-level: %v", err)
	}
	log := logrus.New()
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)

	defs, err := parseKnobs(*knobs)
	if err != nil {
		die("invalid -knobs: %v", err)
	}
	workers, err := parseWorkers(*workersRaw)
	if err != nil {
		die("invalid -workers: %v", err)
	}
	if workers == 0 {
		workers = max(1, runtime.NumCPU()/2)
	}

	settings := config.Default()
	if *configPath != "" {
		settings, err = config.LoadJSON(*configPath)
		if err != nil {
			die("Error loading config %q: %v", *configPath, err)
		}
	}

	input, sr, err := wavio.ReadChannels(*inputPath)
	if err != nil {
		die("failed to read input: %v", err)
	}
	mono := wavio.Downmix(input)
	frames := min(len(mono), int(*duration*float64(sr)))
	dry := make([]float32, frames)
	for i := range dry {
		dry[i] = float32(mono[i])
	}

	ref, refSR, err := wavio.ReadMono(*referencePath)
	if err != nil {
		die("failed to read reference: %v", err)
	}
	ref, err = wavio.Resample(ref, float64(refSR), float64(sr))
	if err != nil {
		die("failed to resample reference: %v", err)
	}
	ref = ref[:min(len(ref), frames)]

	evaluators := make([]*evaluator, 0, workers)
	for w := 0; w < workers; w++ {
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
		evaluators = append(evaluators, &evaluator{
			sess:       sess,
			defs:       defs,
			input:      [][]float32{dry},
			scratch:    [][]float32{make([]float32, frames)},
			reference:  ref,
			sampleRate: sr,
			blockSize:  *blockSize,
		})
	}

	initial := make([]float64, len(defs))
	store := evaluators[0].sess.Engine.Parameters()
	for i, d := range defs {
		initial[i], _ = store.Get(d.Name)
	}

	fmt.Printf("Matching %d knobs with %d workers (%s, pop %d, budget %d evals)\n", len(defs), workers, *variant, *pop, *maxEvals)
	start := time.Now()
	best, evals, err := search(context.Background(), searchConfig{
		variant:   *variant,
		pop:       *pop,
		roundEval: *roundEvals,
		maxEvals:  *maxEvals,
		seed:      *seed,
		timeout:   *timeBudget,
	}, evaluators, initial)
	if err != nil {
		if best.vals == nil {
			die("search failed: %v", err)
		}
		fmt.Fprintf(os.Stderr, "search stopped: %v\n", err)
	}

	for i, d := range defs {
		settings.Parameters[d.Name] = best.vals[i]
		fmt.Printf("  %-12s %8.3f\n", d.Name, best.vals[i])
	}
	if err := writeSettings(*output, settings, *modelFile, *irFile); err != nil {
		die("failed to write settings: %v", err)
	}
	fmt.Printf("Best score=%.4f esr=%.4f sim=%.2f%% after %d evals in %s\n", best.metrics.Score, best.metrics.ESR, best.metrics.Similarity*100.0, evals, time.Since(start).Round(time.Millisecond))
	fmt.Printf("Wrote %s\n", *output)
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
