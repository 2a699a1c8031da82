package amp

import (
	"io"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/sirupsen/logrus"

	"github.com/cwbudde/algo-ampsim/catalog"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
	"github.com/cwbudde/algo-ampsim/nam"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeModel multiplies by gain and reports a fixed loudness.
type fakeModel struct {
	gain       float32
	loudness   float64
	hasLoud    bool
	sampleRate float64
	panicking  atomic.Bool
	emitNaN    atomic.Bool
	resets     atomic.Int32
	resetRate  atomic.Uint64
	resetBlock atomic.Int32
}

func (m *fakeModel) Reset(sampleRate float64, maxBlockSize int) {
	m.resets.Add(1)
	m.resetRate.Store(math.Float64bits(sampleRate))
	m.resetBlock.Store(int32(maxBlockSize))
}

func (m *fakeModel) lastResetRate() float64 { return math.Float64frombits(m.resetRate.Load()) }

func (m *fakeModel) Process(in, out []float32) {
	if m.panicking.Load() {
		panic("inference fault")
	}
	for i, v := range in {
		out[i] = v * m.gain
	}
	if m.emitNaN.Load() && len(out) > 0 {
		out[0] = float32(math.NaN())
	}
}

func (m *fakeModel) Loudness() (float64, bool) { return m.loudness, m.hasLoud }

func (m *fakeModel) ExpectedSampleRate() float64 { return m.sampleRate }

type testEngine struct {
	*Engine
	events chan LoadEvent
}

func newTestEngine(t *testing.T, cfg Config, models, irs Catalog) *testEngine {
	t.Helper()
	events := make(chan LoadEvent, 256)
	cfg.Logger = quietLogger()
	cfg.OnLoad = func(ev LoadEvent) {
		select {
		case events <- ev:
		default:
		}
	}
	e, err := New(cfg, models, irs)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(e.Release)
	return &testEngine{Engine: e, events: events}
}

// waitLoad returns the next non-superseded event of kind.
func (te *testEngine) waitLoad(t *testing.T, kind ResourceKind) LoadEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-te.events:
			if ev.Kind == kind && !ev.Superseded {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s load", kind)
		}
	}
}

func prepare(t *testing.T, e *Engine, sampleRate float64, maxBlock int) {
	t.Helper()
	if err := e.Prepare(sampleRate, maxBlock); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
}

func setParam(t *testing.T, e *Engine, name string, v float64) {
	t.Helper()
	if err := e.Parameters().Set(name, v); err != nil {
		t.Fatalf("Set(%s): %v", name, err)
	}
}

// bypassAll turns off every optional stage.
func bypassAll(t *testing.T, e *Engine) {
	t.Helper()
	setParam(t, e, "noiseGateActive", 0)
	setParam(t, e, "eqActive", 0)
	setParam(t, e, "irToggle", 0)
	setParam(t, e, "normalizeNamOutput", 0)
}

func sine(n int, freq, sampleRate, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/sampleRate))
	}
	return out
}

func cloneChannels(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i := range in {
		out[i] = append([]float32(nil), in[i]...)
	}
	return out
}

// dcBlockRef runs x through a fresh DC blocker at the default corner.
func dcBlockRef(x []float32, sampleRate float64) []float32 {
	s := biquad.NewSection(DCBlockerCoefficients(DefaultConfig().DCBlockerHz, sampleRate))
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = float32(s.ProcessSample(float64(v)))
	}
	return out
}

func directConvolve(x []float32, h []float32) []float32 {
	y := make([]float32, len(x)+len(h)-1)
	for i := 0; i < len(x); i++ {
		for j := 0; j < len(h); j++ {
			y[i+j] += x[i] * h[j]
		}
	}
	return y
}

func maxAbsDiff(a []float32, b []float32) float64 {
	n := min(len(a), len(b))
	m := 0.0
	for i := 0; i < n; i++ {
		d := math.Abs(float64(a[i] - b[i]))
		if d > m {
			m = d
		}
	}
	return m
}

func rms(x []float32) float64 {
	return wavio.RMS(x)
}

func writeTempIRWav(t *testing.T, chans [][]float32, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ir.wav")
	if err := wavio.WriteChannels(path, chans, sampleRate); err != nil {
		t.Fatalf("write ir: %v", err)
	}
	return path
}

// writeModelCatalog writes one linear .nam file per gain and scans the directory.
func writeModelCatalog(t *testing.T, gains map[string]float64) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	for name, g := range gains {
		f := nam.NewLinearFile([]float64{g}, 0, 48000)
		f.SetLoudness(-18)
		if err := f.WriteFile(filepath.Join(dir, name+".nam")); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}
	c, err := catalog.ScanModels(dir)
	if err != nil {
		t.Fatalf("ScanModels: %v", err)
	}
	return c
}

func nan() float64 { return math.NaN() }
