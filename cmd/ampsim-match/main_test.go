package main

import (
	"io"
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/amp"
	"github.com/cwbudde/algo-ampsim/config"
	"github.com/cwbudde/algo-ampsim/internal/session"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

func TestParseKnobs(t *testing.T) {
	defs, err := parseKnobs(" toneBass, outputLevel ,toneBass")
	if err != nil {
		t.Fatalf("parseKnobs: %v", err)
	}
	if len(defs) != 2 || defs[0].Name != "toneBass" || defs[1].Name != "outputLevel" {
		t.Fatalf("unexpected knobs: %+v", defs)
	}
	for _, bad := range []string{"", " , ", "toneBass,presence"} {
		if _, err := parseKnobs(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestNormalizedRoundTripClamps(t *testing.T) {
	vals := []float64{-20, 5, 10, 2.5, 40}
	got := fromNormalized(toNormalized(vals, defaultKnobs), defaultKnobs)
	for i := range vals {
		if math.Abs(got[i]-vals[i]) > 1e-12 {
			t.Fatalf("knob %s: got %f want %f", defaultKnobs[i].Name, got[i], vals[i])
		}
	}
	out := fromNormalized([]float64{-1, 2, 0.5, 0.5, 0.5}, defaultKnobs)
	if out[0] != -20 || out[1] != 10 {
		t.Fatalf("positions outside [0,1] must clamp: %v", out)
	}
}

func TestParseWorkers(t *testing.T) {
	if n, err := parseWorkers("auto"); err != nil || n != 0 {
		t.Fatalf("auto: n=%d err=%v", n, err)
	}
	if n, err := parseWorkers(" 3 "); err != nil || n != 3 {
		t.Fatalf("3: n=%d err=%v", n, err)
	}
	for _, bad := range []string{"", "0", "many"} {
		if _, err := parseWorkers(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestReserveEvalStopsAtBudget(t *testing.T) {
	var evals int64
	for i := 1; i <= 3; i++ {
		n, ok := reserveEval(&evals, 3)
		if !ok || n != int64(i) {
			t.Fatalf("reserve %d: n=%d ok=%v", i, n, ok)
		}
	}
	if _, ok := reserveEval(&evals, 3); ok {
		t.Fatalf("budget exceeded")
	}
}

func TestUnsupportedVariant(t *testing.T) {
	if _, err := newMayflyConfig("bogus", 10, 3, 5); err == nil {
		t.Fatalf("expected error for unknown variant")
	}
	cfg, err := newMayflyConfig("desma", 10, 3, 5)
	if err != nil {
		t.Fatalf("newMayflyConfig: %v", err)
	}
	if cfg.ProblemSize != 3 || cfg.NPop != 10 || cfg.NM != 1 {
		t.Fatalf("unexpected config: size=%d pop=%d nm=%d", cfg.ProblemSize, cfg.NPop, cfg.NM)
	}
}

func TestWriteSettingsLoadsBack(t *testing.T) {
	dir := t.TempDir()
	s := config.Default()
	s.Engine.GateMode = amp.GateSmooth
	s.Parameters["toneMid"] = 7.5
	modelFile := filepath.Join(dir, "models", "Plexi.nam")
	out := filepath.Join(dir, "out", "matched.json")

	if err := writeSettings(out, s, modelFile, ""); err != nil {
		t.Fatalf("writeSettings: %v", err)
	}
	got, err := config.LoadJSON(out)
	if err != nil {
		t.Fatalf("LoadJSON: %v", err)
	}
	if got.Model != "Plexi" || got.ModelDir != filepath.Join(dir, "models") {
		t.Fatalf("model selection lost: dir=%q name=%q", got.ModelDir, got.Model)
	}
	if got.Engine.GateMode != amp.GateSmooth || got.Engine.NormalizationRamp != s.Engine.NormalizationRamp {
		t.Fatalf("engine config lost: %+v", got.Engine)
	}
	if got.Parameters["toneMid"] != 7.5 {
		t.Fatalf("parameters lost: %v", got.Parameters)
	}
}

func TestEvaluatorScoresMatchingSettingsBest(t *testing.T) {
	const sr = 48000
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := config.Default()
	s.Parameters["noiseGateActive"] = 0

	sess, err := session.Open(session.Options{Settings: s, SampleRate: sr, BlockSize: 256, Logger: log})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sess.Close()

	dry := make([]float32, sr/2)
	for i := range dry {
		dry[i] = float32(0.3*math.Sin(2*math.Pi*110*float64(i)/sr) + 0.1*math.Sin(2*math.Pi*1760*float64(i)/sr))
	}
	defs := defaultKnobs
	target := []float64{6, 8, 3, 6, -6}

	// The reference is the engine itself at the target settings.
	ev := &evaluator{
		sess:       sess,
		defs:       defs,
		input:      [][]float32{dry},
		scratch:    [][]float32{make([]float32, len(dry))},
		sampleRate: sr,
		blockSize:  256,
	}
	if _, err := ev.evaluate(target); err != nil {
		t.Fatalf("render target: %v", err)
	}
	ev.reference = wavio.Downmix(ev.scratch)

	exact, err := ev.evaluate(target)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	off, err := ev.evaluate([]float64{0, 5, 5, 5, 0})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if exact.ESR > 1e-9 || exact.Score >= off.Score {
		t.Fatalf("matching settings must score best: exact=%+v off=%+v", exact.Score, off.Score)
	}
}
