package amp

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwbudde/algo-ampsim/catalog"
	"github.com/cwbudde/algo-ampsim/dsp"
	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

func TestGainStagesScaleByDecibels(t *testing.T) {
	const sr = 48000.0
	for _, tc := range []struct{ in, out float64 }{{6, 0}, {0, -12}, {-20, 40}, {13.5, -7.25}} {
		e := newTestEngine(t, Config{}, nil, nil)
		prepare(t, e.Engine, sr, 512)
		bypassAll(t, e.Engine)
		setParam(t, e.Engine, "inputLevel", tc.in)
		setParam(t, e.Engine, "outputLevel", tc.out)

		x := sine(512, 220, sr, 0.25)
		buf := [][]float32{append([]float32(nil), x...)}
		e.ProcessBlock(buf)

		g := math.Pow(10, (tc.in+tc.out)/20)
		ref := dcBlockRef(x, sr)
		for i := range ref {
			want := float64(ref[i]) * g
			if math.Abs(float64(buf[0][i])-want) > 1e-5*math.Max(1, math.Abs(want)) {
				t.Fatalf("in=%g out=%g sample %d: got %f want %f", tc.in, tc.out, i, buf[0][i], want)
			}
		}
	}
}

func TestGateScenarioAlternatingSamples(t *testing.T) {
	const sr = 48000.0
	e := newTestEngine(t, Config{}, nil, nil)
	prepare(t, e.Engine, sr, 512)
	bypassAll(t, e.Engine)
	setParam(t, e.Engine, "noiseGateActive", 1)
	setParam(t, e.Engine, "noiseGateThreshold", -20)

	in := make([]float32, 512)
	gated := make([]float32, 512)
	for i := range in {
		if i%2 == 0 {
			in[i] = 0.05
		} else {
			in[i], gated[i] = 0.5, 0.5
		}
	}
	buf := [][]float32{append([]float32(nil), in...)}
	e.ProcessBlock(buf)

	want := dcBlockRef(gated, sr)
	if d := maxAbsDiff(buf[0], want); d > 1e-6 {
		t.Fatalf("gate scenario mismatch: max diff=%g", d)
	}
}

func TestFlatEQScenarioLeavesSignalUnchanged(t *testing.T) {
	const sr = 48000.0
	e := newTestEngine(t, Config{}, nil, nil)
	prepare(t, e.Engine, sr, 512)
	// Defaults: gate on at -80 dB, EQ on at 5/5/5, no model, no IR.

	ones := make([]float32, 512)
	for i := range ones {
		ones[i] = 1
	}
	buf := [][]float32{append([]float32(nil), ones...), append([]float32(nil), ones...)}
	e.ProcessBlock(buf)

	want := dcBlockRef(ones, sr)
	for ch := range buf {
		if d := maxAbsDiff(buf[ch], want); d > 1e-6 {
			t.Fatalf("channel %d differs from DC-blocked input: max diff=%g", ch, d)
		}
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	const sr = 44100.0
	input := sine(2048, 97, sr, 0.6)

	run := func(prepares int) []float32 {
		e := newTestEngine(t, Config{}, nil, nil)
		setParam(t, e.Engine, "toneBass", 8)
		setParam(t, e.Engine, "toneTreble", 2)
		setParam(t, e.Engine, "inputLevel", 3)
		for i := 0; i < prepares; i++ {
			prepare(t, e.Engine, sr, 256)
		}
		out := append([]float32(nil), input...)
		for off := 0; off < len(out); off += 256 {
			e.ProcessBlock([][]float32{out[off : off+256]})
		}
		return out
	}

	once := run(1)
	twice := run(2)
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("sample %d differs after second Prepare: %f vs %f", i, once[i], twice[i])
		}
	}
}

func TestPrepareResetsFilterState(t *testing.T) {
	const sr = 48000.0
	e := newTestEngine(t, Config{}, nil, nil)
	prepare(t, e.Engine, sr, 512)
	e.ProcessBlock([][]float32{sine(512, 50, sr, 0.9)})

	prepare(t, e.Engine, sr, 512)
	silent := [][]float32{make([]float32, 512)}
	e.ProcessBlock(silent)
	if r := rms(silent[0]); r != 0 {
		t.Fatalf("filter state leaked across Prepare: rms=%g", r)
	}
}

func TestOversizedBlockIsChunked(t *testing.T) {
	const sr = 48000.0
	input := sine(200, 440, sr, 0.5)

	a := newTestEngine(t, Config{}, nil, nil)
	prepare(t, a.Engine, sr, 64)
	setParam(t, a.Engine, "toneMid", 9)
	big := append([]float32(nil), input...)
	a.ProcessBlock([][]float32{big})

	b := newTestEngine(t, Config{}, nil, nil)
	prepare(t, b.Engine, sr, 64)
	setParam(t, b.Engine, "toneMid", 9)
	small := append([]float32(nil), input...)
	for off := 0; off < len(small); off += 64 {
		end := min(off+64, len(small))
		b.ProcessBlock([][]float32{small[off:end]})
	}

	if d := maxAbsDiff(big, small); d != 0 {
		t.Fatalf("chunked processing differs: max diff=%g", d)
	}
}

func TestMalformedBuffersAreSilenced(t *testing.T) {
	e := newTestEngine(t, Config{}, nil, nil)

	unprepared := [][]float32{{1, 1}}
	e.ProcessBlock(unprepared)
	if unprepared[0][0] != 0 || unprepared[0][1] != 0 {
		t.Fatalf("unprepared engine must silence, got %v", unprepared[0])
	}

	prepare(t, e.Engine, 48000, 64)
	ragged := [][]float32{{1, 1, 1}, {1, 1}}
	e.ProcessBlock(ragged)
	if rms(ragged[0]) != 0 || rms(ragged[1]) != 0 {
		t.Fatalf("ragged channels must be silenced")
	}

	tooMany := [][]float32{{1}, {1}, {1}}
	e.ProcessBlock(tooMany)
	if tooMany[2][0] != 0 {
		t.Fatalf("channel count above MaxChannels must be silenced")
	}
	if s := e.Stats(); s.SilencedBlocks != 3 || s.Blocks != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestMissingModelPathIsPassthrough(t *testing.T) {
	const sr = 48000.0
	e := newTestEngine(t, Config{}, nil, nil)
	prepare(t, e.Engine, sr, 256)
	bypassAll(t, e.Engine)

	e.LoadModelFile(filepath.Join(t.TempDir(), "missing.nam"))
	ev := e.waitLoad(t, KindModel)
	if !errors.Is(ev.Err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", ev.Err)
	}
	if e.IsModelLoaded() {
		t.Fatalf("model reported loaded after failed load")
	}

	x := sine(256, 300, sr, 0.3)
	buf := [][]float32{append([]float32(nil), x...)}
	e.ProcessBlock(buf)
	if d := maxAbsDiff(buf[0], dcBlockRef(x, sr)); d > 1e-6 {
		t.Fatalf("output differs from passthrough: max diff=%g", d)
	}
}

func TestModelStageAppliesLoadedModel(t *testing.T) {
	const sr = 48000.0
	models := writeModelCatalog(t, map[string]float64{"double": 2, "half": 0.5})
	e := newTestEngine(t, Config{}, models, nil)
	prepare(t, e.Engine, sr, 256)
	bypassAll(t, e.Engine)

	idx := models.IndexOf("half")
	if got := e.SetCurrentModelIndex(idx); got != idx {
		t.Fatalf("SetCurrentModelIndex returned %d, want %d", got, idx)
	}
	if ev := e.waitLoad(t, KindModel); ev.Err != nil || !ev.Installed {
		t.Fatalf("model load failed: %+v", ev)
	}
	if !e.IsModelLoaded() || e.ModelSampleRate() != 48000 {
		t.Fatalf("loaded=%v rate=%f", e.IsModelLoaded(), e.ModelSampleRate())
	}
	if lat := e.Latency(); lat != 0 {
		t.Fatalf("model at the host rate reports latency %d", lat)
	}

	// Stereo input is averaged to mono before inference.
	left := sine(256, 200, sr, 0.4)
	right := make([]float32, 256)
	buf := [][]float32{append([]float32(nil), left...), right}
	e.ProcessBlock(buf)

	mono := make([]float32, 256)
	for i := range mono {
		mono[i] = left[i] * 0.5 * 0.5
	}
	want := dcBlockRef(mono, sr)
	for ch := range buf {
		if d := maxAbsDiff(buf[ch], want); d > 1e-6 {
			t.Fatalf("channel %d mismatch: max diff=%g", ch, d)
		}
	}

	e.SetCurrentModelIndex(0)
	if ev := e.waitLoad(t, KindModel); !ev.Installed || ev.Path != "" {
		t.Fatalf("expected unload event, got %+v", ev)
	}
	if e.IsModelLoaded() {
		t.Fatalf("model still loaded after selecting none")
	}
}

func TestSelectionIndexChangeFromParameterTriggersLoad(t *testing.T) {
	models := writeModelCatalog(t, map[string]float64{"a": 1, "b": 1})
	e := newTestEngine(t, Config{}, models, nil)
	prepare(t, e.Engine, 48000, 64)

	setParam(t, e.Engine, "selectedNamModel", 2)
	e.ProcessBlock([][]float32{make([]float32, 64)})
	ev := e.waitLoad(t, KindModel)
	if ev.Err != nil || filepath.Base(ev.Path) != "b.nam" {
		t.Fatalf("expected b.nam to load, got %+v", ev)
	}
	if e.CurrentModelIndex() != 2 {
		t.Fatalf("CurrentModelIndex()=%d", e.CurrentModelIndex())
	}
	if got := e.SetCurrentModelIndex(99); got != 2 {
		t.Fatalf("out-of-range selection not clamped: %d", got)
	}
}

func TestModelHotSwapNeverProducesNonFinite(t *testing.T) {
	const sr = 48000.0
	models := writeModelCatalog(t, map[string]float64{"a": 0.5, "b": 1.5, "c": -1})
	e := newTestEngine(t, Config{}, models, nil)
	prepare(t, e.Engine, sr, 128)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.SetCurrentModelIndex(i % models.Len())
			i++
			time.Sleep(200 * time.Microsecond)
		}
	}()

	x := sine(128, 440, sr, 0.5)
	var worst time.Duration
	for b := 0; b < 2000; b++ {
		buf := [][]float32{append([]float32(nil), x...), append([]float32(nil), x...)}
		start := time.Now()
		e.ProcessBlock(buf)
		if d := time.Since(start); d > worst {
			worst = d
		}
		for ch := range buf {
			if !dsp.AllFinite(buf[ch]) {
				t.Fatalf("non-finite output in block %d", b)
			}
		}
	}
	close(stop)
	wg.Wait()

	// 128 samples at 48 kHz is 2.67 ms; allow generous scheduler noise.
	if worst > 50*time.Millisecond {
		t.Fatalf("ProcessBlock stalled for %s during hot swap", worst)
	}
}

func TestModelFaultSilencesBlockAndKeepsModel(t *testing.T) {
	fm := &fakeModel{gain: 1, loudness: -18, hasLoud: true}
	cfg := Config{ModelLoader: func(string) (Model, error) { return fm, nil }}
	e := newTestEngine(t, cfg, nil, nil)
	prepare(t, e.Engine, 48000, 64)
	e.LoadModelFile("fake.nam")
	if ev := e.waitLoad(t, KindModel); !ev.Installed {
		t.Fatalf("fake model not installed: %+v", ev)
	}

	fm.panicking.Store(true)
	buf := [][]float32{sine(64, 440, 48000, 0.5)}
	e.ProcessBlock(buf)
	if rms(buf[0]) != 0 {
		t.Fatalf("panicking model must silence the block")
	}
	if s := e.Stats(); s.ModelFaults != 1 {
		t.Fatalf("ModelFaults=%d, want 1", s.ModelFaults)
	}
	if !e.IsModelLoaded() {
		t.Fatalf("model must stay installed after a fault")
	}

	fm.panicking.Store(false)
	fm.emitNaN.Store(true)
	buf = [][]float32{sine(64, 440, 48000, 0.5)}
	e.ProcessBlock(buf)
	if rms(buf[0]) != 0 {
		t.Fatalf("non-finite model output must silence the block")
	}

	fm.emitNaN.Store(false)
	buf = [][]float32{sine(64, 440, 48000, 0.5)}
	e.ProcessBlock(buf)
	if rms(buf[0]) == 0 {
		t.Fatalf("engine did not recover after fault")
	}
}

func TestNormalizationConverges(t *testing.T) {
	const sr = 48000.0
	fm := &fakeModel{gain: 1, loudness: -24, hasLoud: true, sampleRate: sr}
	cfg := Config{ModelLoader: func(string) (Model, error) { return fm, nil }}

	newEngine := func(normalize bool) *testEngine {
		e := newTestEngine(t, cfg, nil, nil)
		prepare(t, e.Engine, sr, 480)
		bypassAll(t, e.Engine)
		if normalize {
			setParam(t, e.Engine, "normalizeNamOutput", 1)
		}
		e.LoadModelFile("fake.nam")
		if ev := e.waitLoad(t, KindModel); !ev.Installed {
			t.Fatalf("fake model not installed: %+v", ev)
		}
		return e
	}
	on := newEngine(true)
	off := newEngine(false)

	x := sine(480, 1000, sr, 0.2)
	var lastOn, lastOff []float32
	for b := 0; b < 20; b++ { // 200 ms, four times the ramp
		bufOn := [][]float32{append([]float32(nil), x...)}
		bufOff := [][]float32{append([]float32(nil), x...)}
		on.ProcessBlock(bufOn)
		off.ProcessBlock(bufOff)
		lastOn, lastOff = bufOn[0], bufOff[0]
	}

	want := math.Pow(10, (-18.0-(-24.0))/20)
	if g := float64(on.NormalizationGain()); math.Abs(g-want) > 1e-4 {
		t.Fatalf("normalization gain=%f want %f", g, want)
	}
	if ratio := rms(lastOn) / rms(lastOff); math.Abs(ratio-want) > 1e-3 {
		t.Fatalf("output ratio=%f want %f", ratio, want)
	}
	if g := off.NormalizationGain(); g != 1 {
		t.Fatalf("disabled normalization applied gain %f", g)
	}
}

func TestIRStageConvolvesAndNormalizes(t *testing.T) {
	const sr = 48000.0
	dir := t.TempDir()
	if err := wavio.WriteChannels(filepath.Join(dir, "cab.wav"), [][]float32{{0.5, 0.25}}, int(sr)); err != nil {
		t.Fatalf("write ir: %v", err)
	}
	irs, err := catalog.ScanIRs(dir)
	if err != nil {
		t.Fatalf("ScanIRs: %v", err)
	}

	e := newTestEngine(t, Config{}, nil, irs)
	prepare(t, e.Engine, sr, 256)
	bypassAll(t, e.Engine)
	setParam(t, e.Engine, "irToggle", 1)
	setParam(t, e.Engine, "normalizeIrOutput", 0)
	e.SetCurrentIRIndex(1)
	if ev := e.waitLoad(t, KindIR); ev.Err != nil || !e.IsIRLoaded() {
		t.Fatalf("IR load failed: %+v", ev)
	}

	x := sine(256, 300, sr, 0.5)
	buf := [][]float32{append([]float32(nil), x...)}
	e.ProcessBlock(buf)
	want := dcBlockRef(directConvolve(x, []float32{0.5, 0.25})[:len(x)], sr)
	if d := maxAbsDiff(buf[0], want); d > 1e-3 {
		t.Fatalf("IR output mismatch: max diff=%g", d)
	}

	setParam(t, e.Engine, "irToggle", 0)
	buf = [][]float32{append([]float32(nil), x...)}
	e.ProcessBlock(buf)
	if rms(buf[0]) < 0.3 {
		t.Fatalf("irToggle off should bypass the cabinet, rms=%g", rms(buf[0]))
	}
}

func TestIRConvolvesEveryChannelIndependently(t *testing.T) {
	const sr = 48000.0
	path := writeTempIRWav(t, [][]float32{{0.5, 0.25}}, int(sr))
	e := newTestEngine(t, Config{MaxChannels: 3}, nil, nil)
	prepare(t, e.Engine, sr, 128)
	bypassAll(t, e.Engine)
	setParam(t, e.Engine, "irToggle", 1)
	setParam(t, e.Engine, "normalizeIrOutput", 0)
	e.LoadIRFile(path)
	if ev := e.waitLoad(t, KindIR); ev.Err != nil {
		t.Fatalf("IR load failed: %v", ev.Err)
	}

	x := sine(512, 300, sr, 0.5)
	buf := [][]float32{append([]float32(nil), x...), append([]float32(nil), x...), append([]float32(nil), x...)}
	for off := 0; off < len(x); off += 128 {
		e.ProcessBlock([][]float32{buf[0][off : off+128], buf[1][off : off+128], buf[2][off : off+128]})
	}
	want := dcBlockRef(directConvolve(x, []float32{0.5, 0.25})[:len(x)], sr)
	for ch := range buf {
		if d := maxAbsDiff(buf[ch], want); d > 1e-3 {
			t.Fatalf("channel %d mismatch: max diff=%g", ch, d)
		}
	}
}

func TestIRReloadedOnSampleRateChange(t *testing.T) {
	path := writeTempIRWav(t, [][]float32{{1, 0.5, 0.25, 0.125}}, 48000)
	e := newTestEngine(t, Config{}, nil, nil)
	prepare(t, e.Engine, 48000, 128)
	e.LoadIRFile(path)
	if ev := e.waitLoad(t, KindIR); ev.Err != nil {
		t.Fatalf("IR load failed: %v", ev.Err)
	}
	first := e.ir.Load()

	prepare(t, e.Engine, 96000, 128)
	if ev := e.waitLoad(t, KindIR); ev.Err != nil || !ev.Installed {
		t.Fatalf("IR reload failed: %+v", ev)
	}
	second := e.ir.Load()
	if second == first || second.SampleRate() != 96000 {
		t.Fatalf("IR not rebuilt for the new rate: rate=%f", second.SampleRate())
	}
}

func TestReleaseStopsLoadersAndPrepareRestarts(t *testing.T) {
	models := writeModelCatalog(t, map[string]float64{"a": 1})
	e := newTestEngine(t, Config{}, models, nil)
	prepare(t, e.Engine, 48000, 64)
	e.Release()
	e.Release()

	e.SetCurrentModelIndex(1)
	select {
	case ev := <-e.events:
		t.Fatalf("loader ran after Release: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	prepare(t, e.Engine, 48000, 64)
	if ev := e.waitLoad(t, KindModel); ev.Err != nil || !e.IsModelLoaded() {
		t.Fatalf("pending request not served after restart: %+v", ev)
	}
}

func TestModelAtDifferentRateIsResampled(t *testing.T) {
	const (
		sr    = 44100.0
		block = 256
		n     = 16 * block
	)
	fm := &fakeModel{gain: 0.5, sampleRate: 48000}
	cfg := Config{ModelLoader: func(string) (Model, error) { return fm, nil }}
	e := newTestEngine(t, cfg, nil, nil)
	prepare(t, e.Engine, sr, block)
	bypassAll(t, e.Engine)

	e.LoadModelFile("48k.nam")
	if ev := e.waitLoad(t, KindModel); ev.Err != nil || !ev.Installed {
		t.Fatalf("model load failed: %+v", ev)
	}
	if got := fm.lastResetRate(); got != 48000 {
		t.Fatalf("model reset at %g Hz, want its own rate", got)
	}
	if got := fm.resetBlock.Load(); got < block*48000/44100 {
		t.Fatalf("model block %d too small for %d host samples", got, block)
	}
	lat := e.Latency()
	if lat <= 0 {
		t.Fatalf("expected positive latency for a 48 kHz model at 44.1 kHz, got %d", lat)
	}

	x := sine(n, 440, sr, 0.5)
	y := make([]float32, 0, n)
	for off := 0; off < n; off += block {
		buf := [][]float32{append([]float32(nil), x[off:off+block]...)}
		e.ProcessBlock(buf)
		y = append(y, buf[0]...)
	}
	if !e.IsModelLoaded() || e.Stats().ModelFaults != 0 {
		t.Fatalf("model dropped while resampling: %+v", e.Stats())
	}

	// Skip the filter warm-up and compare against the model output delayed by
	// the best lag near the reported latency.
	const from = 2048
	bestLag, bestErr := -1, math.Inf(1)
	for lag := lat - 4; lag <= lat+4; lag++ {
		d := make([]float32, n)
		for i := lag; i < n; i++ {
			d[i] = 0.5 * x[i-lag]
		}
		want := dcBlockRef(d, sr)
		diff := make([]float32, n-from)
		for i := range diff {
			diff[i] = y[from+i] - want[from+i]
		}
		if r := rms(diff) / rms(want[from:]); r < bestErr {
			bestLag, bestErr = lag, r
		}
	}
	if bestErr > 0.05 {
		t.Fatalf("resampled output deviates from the model: rel rms error %g at lag %d", bestErr, bestLag)
	}
	if bestLag < lat-2 || bestLag > lat+2 {
		t.Fatalf("measured delay %d does not match reported latency %d", bestLag, lat)
	}

	prepare(t, e.Engine, 48000, block)
	if got := e.Latency(); got != 0 {
		t.Fatalf("latency %d after preparing at the model rate", got)
	}
	if got := fm.lastResetRate(); got != 48000 {
		t.Fatalf("model reset at %g Hz after re-prepare", got)
	}
}

func TestPrepareWaitsForLoaderThatOutlivedRelease(t *testing.T) {
	var active, peak atomic.Int32
	unblock := make(chan struct{})
	started := make(chan struct{}, 4)
	cfg := Config{
		LoaderStopTimeout: 10 * time.Millisecond,
		ModelLoader: func(path string) (Model, error) {
			if v := active.Add(1); v > peak.Load() {
				peak.Store(v)
			}
			defer active.Add(-1)
			started <- struct{}{}
			if path == "slow.nam" {
				<-unblock
			}
			return &fakeModel{gain: 1}, nil
		},
	}
	e := newTestEngine(t, cfg, nil, nil)
	prepare(t, e.Engine, 48000, 64)

	e.LoadModelFile("slow.nam")
	<-started
	e.Release()

	prepared := make(chan error, 1)
	go func() { prepared <- e.Prepare(48000, 64) }()
	select {
	case err := <-prepared:
		t.Fatalf("Prepare returned while the old loader was still running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(unblock)
	select {
	case err := <-prepared:
		if err != nil {
			t.Fatalf("Prepare: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Prepare never returned")
	}
	if ev := e.waitLoad(t, KindModel); ev.Path != "slow.nam" || !ev.Installed {
		t.Fatalf("expected the slow load to finish first, got %+v", ev)
	}

	e.LoadModelFile("fast.nam")
	if ev := e.waitLoad(t, KindModel); ev.Err != nil || ev.Path != "fast.nam" {
		t.Fatalf("load after restart failed: %+v", ev)
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("%d model loads ran concurrently", p)
	}
}
