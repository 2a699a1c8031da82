package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/mayfly"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/algo-ampsim/analysis"
	"github.com/cwbudde/algo-ampsim/internal/session"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

type knobDef struct {
	Name string
	Min  float64
	Max  float64
}

// defaultKnobs are the engine parameters searched by default.
var defaultKnobs = []knobDef{
	{"inputLevel", -20, 20},
	{"toneBass", 0, 10},
	{"toneMid", 0, 10},
	{"toneTreble", 0, 10},
	{"outputLevel", -40, 40},
}

// parseKnobs selects knobs by name from defaultKnobs.
func parseKnobs(raw string) ([]knobDef, error) {
	var defs []knobDef
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		found := false
		for _, d := range defaultKnobs {
			if d.Name == s {
				defs = append(defs, d)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown knob %q", s)
		}
		seen[s] = true
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no knobs specified")
	}
	return defs, nil
}

func fromNormalized(pos []float64, defs []knobDef) []float64 {
	vals := make([]float64, len(defs))
	for i, d := range defs {
		p := clamp(pos[i], 0, 1)
		vals[i] = d.Min + p*(d.Max-d.Min)
	}
	return vals
}

func toNormalized(vals []float64, defs []knobDef) []float64 {
	pos := make([]float64, len(defs))
	for i, d := range defs {
		pos[i] = clamp((vals[i]-d.Min)/(d.Max-d.Min), 0, 1)
	}
	return pos
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func parseWorkers(raw string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return 0, fmt.Errorf("empty value (use integer >= 1 or 'auto')")
	}
	if v == "auto" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%q (use integer >= 1 or 'auto')", raw)
	}
	if n < 1 {
		return 0, fmt.Errorf("%d (must be >= 1 or 'auto')", n)
	}
	return n, nil
}

// evaluator renders the dry input through one engine and scores the result.
type evaluator struct {
	sess       *session.Session
	defs       []knobDef
	input      [][]float32
	scratch    [][]float32
	reference  []float64
	sampleRate int
	blockSize  int
}

type evalResult struct {
	vals    []float64
	metrics analysis.Metrics
}

func (ev *evaluator) evaluate(vals []float64) (analysis.Metrics, error) {
	store := ev.sess.Engine.Parameters()
	for i, d := range ev.defs {
		if err := store.Set(d.Name, vals[i]); err != nil {
			return analysis.Metrics{}, err
		}
	}
	// Prepare clears filter and model state so every candidate starts cold.
	if err := ev.sess.Engine.Prepare(float64(ev.sampleRate), ev.blockSize); err != nil {
		return analysis.Metrics{}, err
	}
	for ch := range ev.input {
		copy(ev.scratch[ch], ev.input[ch])
	}
	ev.sess.Render(ev.scratch)
	return analysis.Compare(ev.reference, wavio.Downmix(ev.scratch), ev.sampleRate), nil
}

type searchConfig struct {
	variant   string
	pop       int
	roundEval int
	maxEvals  int
	seed      int64
	timeout   time.Duration
}

type searchState struct {
	mu    sync.Mutex
	best  evalResult
	evals int64
}

func (s *searchState) bestScore() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best.metrics.Score
}

func (s *searchState) offer(r evalResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.metrics.Score < s.best.metrics.Score {
		s.best = r
		return true
	}
	return false
}

func reserveEval(evals *int64, maxEvals int) (int64, bool) {
	for {
		cur := atomic.LoadInt64(evals)
		if cur >= int64(maxEvals) {
			return 0, false
		}
		if atomic.CompareAndSwapInt64(evals, cur, cur+1) {
			return cur + 1, true
		}
	}
}

// search runs mayfly rounds on every evaluator until the evaluation budget
// or the deadline is exhausted, starting from initial.
func search(ctx context.Context, cfg searchConfig, evaluators []*evaluator, initial []float64) (evalResult, int64, error) {
	state := &searchState{}
	m, err := evaluators[0].evaluate(initial)
	if err != nil {
		return evalResult{}, 0, fmt.Errorf("initial evaluation: %w", err)
	}
	state.best = evalResult{vals: initial, metrics: m}
	state.evals = 1
	fmt.Printf("Initial score=%.4f sim=%.2f%%\n", m.Score, m.Similarity*100.0)

	deadline := time.Now().Add(cfg.timeout)
	var rounds int64
	g, ctx := errgroup.WithContext(ctx)
	for w, ev := range evaluators {
		g.Go(func() error {
			for ctx.Err() == nil && time.Now().Before(deadline) {
				remaining := cfg.maxEvals - int(atomic.LoadInt64(&state.evals))
				if remaining <= 0 {
					return nil
				}
				round := atomic.AddInt64(&rounds, 1)
				iters := max(1, min(cfg.roundEval, remaining)/(2*cfg.pop))

				mcfg, err := newMayflyConfig(cfg.variant, cfg.pop, len(ev.defs), iters)
				if err != nil {
					return err
				}
				mcfg.Rand = rand.New(rand.NewSource(cfg.seed + round*7919 + int64(w)))
				mcfg.ObjectiveFunc = func(pos []float64) float64 {
					if ctx.Err() != nil || time.Now().After(deadline) {
						return state.bestScore() + 1.0
					}
					evalNum, ok := reserveEval(&state.evals, cfg.maxEvals)
					if !ok {
						return state.bestScore() + 1.0
					}
					vals := fromNormalized(pos, ev.defs)
					m, err := ev.evaluate(vals)
					if err != nil {
						return state.bestScore() + 0.8
					}
					if state.offer(evalResult{vals: vals, metrics: m}) {
						fmt.Printf("Improved eval=%d score=%.4f esr=%.4f sim=%.2f%%\n", evalNum, m.Score, m.ESR, m.Similarity*100.0)
					}
					return m.Score
				}
				if _, err := runMayfly(mcfg); err != nil {
					return fmt.Errorf("mayfly round %d: %w", round, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return state.best, atomic.LoadInt64(&state.evals), err
	}
	return state.best, atomic.LoadInt64(&state.evals), nil
}

func newMayflyConfig(variant string, pop int, dims int, iters int) (*mayfly.Config, error) {
	var cfg *mayfly.Config
	switch variant {
	case "ma":
		cfg = mayfly.NewDefaultConfig()
	case "desma":
		cfg = mayfly.NewDESMAConfig()
	case "olce":
		cfg = mayfly.NewOLCEConfig()
	case "eobbma":
		cfg = mayfly.NewEOBBMAConfig()
	case "gsasma":
		cfg = mayfly.NewGSASMAConfig()
	case "mpma":
		cfg = mayfly.NewMPMAConfig()
	case "aoblmoa":
		cfg = mayfly.NewAOBLMOAConfig()
	default:
		return nil, fmt.Errorf("unsupported variant %q", variant)
	}
	cfg.ProblemSize = dims
	cfg.LowerBound = 0.0
	cfg.UpperBound = 1.0
	cfg.MaxIterations = iters
	cfg.NPop = pop
	cfg.NPopF = pop
	cfg.NC = 2 * pop
	cfg.NM = max(1, int(math.Round(0.05*float64(pop))))
	return cfg, nil
}

func runMayfly(cfg *mayfly.Config) (_ *mayfly.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()
	return mayfly.Optimize(cfg)
}
