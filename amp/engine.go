// Package amp implements the real-time guitar amplifier engine: a fixed
// per-block chain (input gain, noise gate, neural amp model, cabinet IR,
// DC blocker, loudness normalization, tone stack, output gain) plus the
// background loaders that hot-swap models and impulse responses.
//
// ProcessBlock is meant to be driven by a single audio goroutine. Every
// other method may be called from any goroutine.
package amp

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/algo-ampsim/dsp"
)

// Catalog is the directory listing the engine selects models and IRs from.
// Index 0 is the "none" entry with an empty path.
type Catalog interface {
	Len() int
	Name(i int) string
	Path(i int) string
	Names() []string
	IndexOf(name string) int
}

// Stats counts audio-thread events.
type Stats struct {
	Blocks         uint64
	SilencedBlocks uint64
	ModelFaults    uint64
	// ParamFaults counts parameter values a stage refused.
	ParamFaults uint64
}

// Engine is the amplifier simulation pipeline.
type Engine struct {
	cfg    Config
	log    logrus.FieldLogger
	params *ParameterStore
	models Catalog
	irs    Catalog

	// prepMu serializes Prepare with handle installation. The audio thread
	// never takes it.
	prepMu     sync.Mutex
	sampleRate float64
	maxBlock   int
	prepared   atomic.Bool

	model       atomic.Pointer[modelHandle]
	ir          atomic.Pointer[CabinetConvolver]
	modelLoaded atomic.Bool
	irLoaded    atomic.Bool

	modelLoader *loader[*modelHandle]
	irLoader    *loader[*CabinetConvolver]

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
	// stopping receives once loaders that outlived Release have exited.
	stopping chan error

	// Audio thread state.
	snap             ParameterSnapshot
	cachedModelIndex int
	cachedIRIndex    int
	gate             *noiseGate
	dc               *dcBlocker
	norm             *normalizer
	tone             *ToneStack
	mono             []float32
	modelOut         []float32
	views            [][]float32

	blocks         atomic.Uint64
	silencedBlocks atomic.Uint64
	modelFaults    atomic.Uint64
	paramFaults    atomic.Uint64
}

// New creates an engine. models and irs may be nil, which leaves only the
// "none" entry selectable.
func New(cfg Config, models, irs Catalog) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if models == nil {
		models = noneCatalog{}
	}
	if irs == nil {
		irs = noneCatalog{}
	}
	if models.Len() < 1 || irs.Len() < 1 {
		return nil, fmt.Errorf("catalogs must contain the none entry")
	}

	e := &Engine{
		cfg:    cfg,
		log:    cfg.Logger,
		models: models,
		irs:    irs,
		params: NewParameterStore(models.Len(), irs.Len()),
		snap:   DefaultSnapshot(),
		gate:   newNoiseGate(cfg.GateMode, cfg.MaxChannels),
		dc:     newDCBlocker(cfg.DCBlockerHz, cfg.MaxChannels),
		norm:   newNormalizer(cfg.NormalizationRamp.Seconds(), cfg.NormalizationMinDB, cfg.NormalizationMaxDB),
		tone:   NewToneStack(cfg.MaxChannels, cfg.BassHz, cfg.MidHz, cfg.TrebleHz, cfg.ToneQ),
		views:  make([][]float32, cfg.MaxChannels),
	}
	e.modelLoader = newLoader(KindModel, e.log, e.buildModel, e.installModel, cfg.OnLoad)
	e.irLoader = newLoader(KindIR, e.log, e.buildIR, e.installIR, cfg.OnLoad)
	return e, nil
}

// Prepare sizes and resets every stage for sampleRate and maxBlockSize and
// starts the loader goroutines. It may be called repeatedly but not
// concurrently with ProcessBlock.
func (e *Engine) Prepare(sampleRate float64, maxBlockSize int) error {
	if sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("invalid sample rate: %g", sampleRate)
	}
	if maxBlockSize < 1 {
		return fmt.Errorf("invalid max block size: %d", maxBlockSize)
	}

	e.prepMu.Lock()
	wasPrepared := e.sampleRate > 0
	rateChanged := wasPrepared && e.sampleRate != sampleRate
	e.sampleRate = sampleRate
	e.maxBlock = maxBlockSize

	e.mono = make([]float32, maxBlockSize)
	e.modelOut = make([]float32, maxBlockSize)

	if err := e.gate.prepare(sampleRate); err != nil {
		e.prepMu.Unlock()
		return fmt.Errorf("noise gate: %w", err)
	}
	e.dc.prepare(sampleRate)
	e.norm.prepare(sampleRate)
	e.tone.SetSampleRate(sampleRate)

	e.snap.Refresh(e.params)
	if err := e.gate.setThreshold(e.snap.GateThresholdDB); err != nil {
		e.prepMu.Unlock()
		return fmt.Errorf("noise gate: %w", err)
	}
	e.tone.Update(e.snap.Bass, e.snap.Mid, e.snap.Treble)
	e.tone.Reset()

	if h := e.model.Load(); h != nil {
		b, err := bindModel(h, sampleRate, maxBlockSize)
		if err != nil {
			e.model.Store(nil)
			e.modelLoaded.Store(false)
			e.log.WithFields(logrus.Fields{"path": h.path, "error": err}).Warn("model reset failed, model unloaded")
		} else {
			e.model.Store(b)
		}
	}
	if c := e.ir.Load(); c != nil {
		c.Reset()
	}
	e.prepMu.Unlock()

	if rateChanged {
		if path := e.irLoader.last(); path != "" {
			e.irLoader.request(path, true)
		}
	}

	e.startLoaders()
	e.prepared.Store(true)
	e.log.WithFields(logrus.Fields{
		"sample_rate":    sampleRate,
		"max_block_size": maxBlockSize,
	}).Info("engine prepared")
	return nil
}

func (e *Engine) startLoaders() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.running {
		return
	}
	if e.stopping != nil {
		e.log.Warn("waiting for previous loaders to stop")
		<-e.stopping
		e.stopping = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.modelLoader.run(ctx) })
	g.Go(func() error { return e.irLoader.run(ctx) })
	e.group = g
	e.cancel = cancel
	e.running = true
}

// Release stops the loader goroutines, waiting at most
// Config.LoaderStopTimeout for an in-flight load to finish.
func (e *Engine) Release() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.running {
		return
	}
	e.cancel()
	done := make(chan error, 1)
	g := e.group
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			e.log.WithError(err).Warn("loader stopped with error")
		}
	case <-time.After(e.cfg.LoaderStopTimeout):
		e.log.WithField("timeout", e.cfg.LoaderStopTimeout).Warn("loader did not stop in time")
		e.stopping = done
	}
	e.running = false
	e.group = nil
	e.cancel = nil
}

// ProcessBlock processes non-interleaved channels in place. All channels must
// have the same length. Faults silence the block instead of returning errors.
func (e *Engine) ProcessBlock(buf [][]float32) {
	if len(buf) == 0 {
		return
	}
	e.blocks.Add(1)
	n := len(buf[0])
	if !e.prepared.Load() || len(buf) > e.cfg.MaxChannels {
		e.silence(buf)
		return
	}
	for _, ch := range buf[1:] {
		if len(ch) != n {
			e.silence(buf)
			return
		}
	}

	e.gatherParams()

	nch := len(buf)
	views := e.views[:nch]
	for off := 0; off < n; off += e.maxBlock {
		end := min(off+e.maxBlock, n)
		for c := range buf {
			views[c] = buf[c][off:end]
		}
		if !e.processChunk(views, end-off) {
			e.silence(buf)
			e.resetStages()
			return
		}
	}
}

func (e *Engine) silence(buf [][]float32) {
	for _, ch := range buf {
		dsp.Clear(ch)
	}
	e.silencedBlocks.Add(1)
}

// resetStages clears filter state that a faulty block may have poisoned.
func (e *Engine) resetStages() {
	e.gate.reset()
	e.dc.reset()
	e.tone.Reset()
	if conv := e.ir.Load(); conv != nil {
		conv.Reset()
	}
	if h := e.model.Load(); h != nil && h.adapter != nil {
		h.adapter.reset()
	}
}

// gatherParams refreshes the snapshot and posts selection changes.
func (e *Engine) gatherParams() {
	changed := e.snap.Refresh(e.params)

	e.snap.ModelIndex = e.syncSelection(ParamSelectedModel, e.snap.ModelIndex, e.models, &e.cachedModelIndex, e.modelLoader)
	e.snap.IRIndex = e.syncSelection(ParamSelectedIR, e.snap.IRIndex, e.irs, &e.cachedIRIndex, e.irLoader)

	if changed.Has(ParamToneBass) || changed.Has(ParamToneMid) || changed.Has(ParamToneTreble) {
		e.tone.Update(e.snap.Bass, e.snap.Mid, e.snap.Treble)
	}
	if changed.Has(ParamNoiseGateThreshold) {
		if err := e.gate.setThreshold(e.snap.GateThresholdDB); err != nil {
			e.paramFaults.Add(1)
		}
	}
}

func (e *Engine) syncSelection(id ParamID, idx int, cat Catalog, cached *int, l interface{ tryRequest(string) bool }) int {
	if idx < 0 || idx >= cat.Len() {
		idx = min(max(idx, 0), cat.Len()-1)
		e.params.SetValue(id, float64(idx))
	}
	if idx != *cached && l.tryRequest(cat.Path(idx)) {
		*cached = idx
	}
	return idx
}

func (e *Engine) processChunk(chans [][]float32, n int) bool {
	s := &e.snap
	inGain := float32(core.DBToLinear(s.InputLevelDB))
	outGain := float32(core.DBToLinear(s.OutputLevelDB))
	if !dsp.IsFinite(inGain) || !dsp.IsFinite(outGain) {
		return false
	}

	if inGain != 1 {
		for _, ch := range chans {
			dsp.Scale(ch, inGain)
		}
	}

	if s.GateActive {
		for c, ch := range chans {
			e.gate.process(c, ch)
		}
	}

	h := e.model.Load()
	if h != nil && !e.runModel(h, chans, n) {
		e.modelFaults.Add(1)
		return false
	}

	if s.IRActive {
		if conv := e.ir.Load(); conv != nil {
			for c, ch := range chans {
				conv.Process(c, ch, s.NormalizeIR)
			}
		}
	}

	for c, ch := range chans {
		e.dc.process(c, ch)
	}

	e.norm.setTarget(s.NormalizeModel, h, s.TargetLoudnessDB)
	e.norm.process(chans, n)

	if s.EQActive {
		for c, ch := range chans {
			e.tone.Process(c, ch)
		}
	}

	if outGain != 1 {
		for _, ch := range chans {
			dsp.Scale(ch, outGain)
		}
	}

	for _, ch := range chans {
		if !dsp.AllFinite(ch) {
			return false
		}
	}
	return true
}

// runModel downmixes to mono, runs the model and fans the result out.
func (e *Engine) runModel(h *modelHandle, chans [][]float32, n int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	mono := e.mono[:n]
	out := e.modelOut[:n]
	if len(chans) == 1 {
		copy(mono, chans[0])
	} else {
		dsp.Clear(mono)
		scale := 1 / float32(len(chans))
		for _, ch := range chans {
			for i, v := range ch {
				mono[i] += v * scale
			}
		}
	}
	if h.adapter != nil {
		h.adapter.process(h.model, mono, out)
	} else {
		h.model.Process(mono, out)
	}
	for _, ch := range chans {
		copy(ch, out)
	}
	return true
}

func (e *Engine) buildModel(path string) (*modelHandle, error) {
	m, err := e.cfg.ModelLoader(path)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: loader returned no model for %s", ErrMalformedResource, path)
	}
	h := newModelHandle(path, m)

	e.prepMu.Lock()
	sr := e.sampleRate
	e.prepMu.Unlock()
	if needsRateAdapter(h.sampleRate, sr) {
		e.log.WithFields(logrus.Fields{
			"path":        path,
			"model_rate":  h.sampleRate,
			"sample_rate": sr,
		}).Info("model runs through sample rate conversion")
	}
	return h, nil
}

func (e *Engine) installModel(path string, h *modelHandle, ok bool) {
	e.prepMu.Lock()
	defer e.prepMu.Unlock()
	if !ok {
		e.model.Store(nil)
		e.modelLoaded.Store(false)
		return
	}
	b, err := bindModel(h, e.sampleRate, e.maxBlock)
	if err != nil {
		e.model.Store(nil)
		e.modelLoaded.Store(false)
		e.log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("model reset failed")
		return
	}
	e.model.Store(b)
	e.modelLoaded.Store(true)
}

func resetModel(m Model, sampleRate float64, maxBlock int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in model reset: %v", ErrMalformedResource, r)
		}
	}()
	m.Reset(sampleRate, maxBlock)
	return nil
}

func (e *Engine) buildIR(path string) (*CabinetConvolver, error) {
	e.prepMu.Lock()
	sr := e.sampleRate
	e.prepMu.Unlock()
	return LoadCabinetIR(path, sr, e.cfg.MaxIRTaps, e.cfg.MaxChannels)
}

func (e *Engine) installIR(path string, c *CabinetConvolver, ok bool) {
	e.prepMu.Lock()
	defer e.prepMu.Unlock()
	if !ok {
		e.ir.Store(nil)
		e.irLoaded.Store(false)
		return
	}
	e.ir.Store(c)
	e.irLoaded.Store(true)
}

// Parameters returns the parameter store.
func (e *Engine) Parameters() *ParameterStore { return e.params }

// SetCurrentModelIndex selects a catalog model and requests its load. The
// clamped index is returned.
func (e *Engine) SetCurrentModelIndex(i int) int {
	i = min(max(i, 0), e.models.Len()-1)
	e.params.SetValue(ParamSelectedModel, float64(i))
	e.modelLoader.request(e.models.Path(i), true)
	e.log.WithFields(logrus.Fields{"index": i, "name": e.models.Name(i)}).Debug("model selected")
	return i
}

// SetCurrentIRIndex selects a catalog IR and requests its load. The clamped
// index is returned.
func (e *Engine) SetCurrentIRIndex(i int) int {
	i = min(max(i, 0), e.irs.Len()-1)
	e.params.SetValue(ParamSelectedIR, float64(i))
	e.irLoader.request(e.irs.Path(i), true)
	e.log.WithFields(logrus.Fields{"index": i, "name": e.irs.Name(i)}).Debug("ir selected")
	return i
}

// CurrentModelIndex returns the selected catalog model.
func (e *Engine) CurrentModelIndex() int { return e.params.Index(ParamSelectedModel) }

// CurrentIRIndex returns the selected catalog IR.
func (e *Engine) CurrentIRIndex() int { return e.params.Index(ParamSelectedIR) }

// LoadModelFile loads a model outside the catalog. An empty path unloads.
func (e *Engine) LoadModelFile(path string) { e.modelLoader.request(path, true) }

// LoadIRFile loads an impulse response outside the catalog. An empty path unloads.
func (e *Engine) LoadIRFile(path string) { e.irLoader.request(path, true) }

// ModelNames returns the model catalog's display names.
func (e *Engine) ModelNames() []string { return e.models.Names() }

// IRNames returns the IR catalog's display names.
func (e *Engine) IRNames() []string { return e.irs.Names() }

// IsModelLoaded reports whether a model is installed.
func (e *Engine) IsModelLoaded() bool { return e.modelLoaded.Load() }

// IsIRLoaded reports whether an impulse response is installed.
func (e *Engine) IsIRLoaded() bool { return e.irLoaded.Load() }

// Latency returns the added latency in samples. It is zero unless the
// installed model runs through sample rate conversion.
func (e *Engine) Latency() int { return e.model.Load().latency() }

// ModelSampleRate returns the installed model's native rate, or 0.
func (e *Engine) ModelSampleRate() float64 {
	if h := e.model.Load(); h != nil {
		return h.sampleRate
	}
	return 0
}

// NormalizationGain returns the linear loudness correction currently applied.
// It is only meaningful on the audio goroutine or while no block runs.
func (e *Engine) NormalizationGain() float32 { return e.norm.current() }

// Stats returns the audio-thread counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Blocks:         e.blocks.Load(),
		SilencedBlocks: e.silencedBlocks.Load(),
		ModelFaults:    e.modelFaults.Load(),
		ParamFaults:    e.paramFaults.Load(),
	}
}

type noneCatalog struct{}

func (noneCatalog) Len() int                { return 1 }
func (noneCatalog) Name(i int) string       { return "" }
func (noneCatalog) Path(i int) string       { return "" }
func (noneCatalog) Names() []string         { return []string{""} }
func (noneCatalog) IndexOf(name string) int { return -1 }
