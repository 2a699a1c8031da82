package amp

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/core"
	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"

	"github.com/cwbudde/algo-ampsim/dsp"
)

// noiseGate zeroes samples below threshold (hard mode) or runs an envelope
// gate per channel (smooth mode).
type noiseGate struct {
	mode        GateMode
	thresholdDB float64
	threshold   float32
	smooth      []*dynamics.Gate
}

func newNoiseGate(mode GateMode, channels int) *noiseGate {
	g := &noiseGate{mode: mode, thresholdDB: math.NaN()}
	if mode == GateSmooth {
		g.smooth = make([]*dynamics.Gate, channels)
	}
	return g
}

// prepare allocates the smooth gates for sampleRate. It is a no-op in hard mode.
func (g *noiseGate) prepare(sampleRate float64) error {
	for ch := range g.smooth {
		gate, err := dynamics.NewGate(sampleRate)
		if err != nil {
			return err
		}
		g.smooth[ch] = gate
	}
	g.thresholdDB = math.NaN()
	return nil
}

// setThreshold leaves the gate unchanged when dB is rejected.
func (g *noiseGate) setThreshold(dB float64) error {
	if math.IsNaN(dB) || math.IsInf(dB, 0) {
		return fmt.Errorf("invalid gate threshold: %g dB", dB)
	}
	if dB == g.thresholdDB {
		return nil
	}
	for _, s := range g.smooth {
		if s == nil {
			continue
		}
		if err := s.SetThreshold(dB); err != nil {
			return fmt.Errorf("gate threshold %g dB: %w", dB, err)
		}
	}
	g.thresholdDB = dB
	g.threshold = float32(core.DBToLinear(dB))
	return nil
}

func (g *noiseGate) reset() {
	for _, s := range g.smooth {
		if s != nil {
			s.Reset()
		}
	}
}

func (g *noiseGate) process(ch int, buf []float32) {
	if g.mode == GateSmooth && ch < len(g.smooth) && g.smooth[ch] != nil {
		s := g.smooth[ch]
		for i, x := range buf {
			buf[i] = float32(s.ProcessSample(float64(x)))
		}
		return
	}
	thr := g.threshold
	for i, x := range buf {
		if x < thr && x > -thr {
			buf[i] = 0
		}
	}
}

// dcBlocker is a second-order high-pass per channel.
type dcBlocker struct {
	freq     float64
	sections []*biquad.Section
}

func newDCBlocker(freq float64, channels int) *dcBlocker {
	d := &dcBlocker{freq: freq, sections: make([]*biquad.Section, channels)}
	for ch := range d.sections {
		d.sections[ch] = biquad.NewSection(identityCoefficients())
	}
	return d
}

// DCBlockerCoefficients returns the high-pass used to strip model DC offset.
func DCBlockerCoefficients(freq, sampleRate float64) biquad.Coefficients {
	return design.Highpass(freq, 1/math.Sqrt2, sampleRate)
}

func (d *dcBlocker) prepare(sampleRate float64) {
	c := DCBlockerCoefficients(d.freq, sampleRate)
	for _, s := range d.sections {
		s.Coefficients = c
		s.Reset()
	}
}

func (d *dcBlocker) reset() {
	for _, s := range d.sections {
		s.Reset()
	}
}

func (d *dcBlocker) process(ch int, buf []float32) {
	if ch >= len(d.sections) {
		return
	}
	s := d.sections[ch]
	for i, x := range buf {
		buf[i] = float32(core.FlushDenormals(s.ProcessSample(float64(x))))
	}
}

// normalizer ramps a linear gain towards the loudness correction of the
// active model.
type normalizer struct {
	ramp  float64
	minDB float64
	maxDB float64
	gain  *dsp.LinearSmoother
}

func newNormalizer(rampSeconds, minDB, maxDB float64) *normalizer {
	return &normalizer{ramp: rampSeconds, minDB: minDB, maxDB: maxDB, gain: dsp.NewLinearSmoother(1)}
}

func (n *normalizer) prepare(sampleRate float64) {
	n.gain.SetCurrentAndTarget(1)
	n.gain.Reset(sampleRate, n.ramp)
}

// setTarget selects the gain target for this block.
func (n *normalizer) setTarget(enabled bool, h *modelHandle, targetDB float64) {
	if !enabled || h == nil {
		n.gain.SetTarget(1)
		return
	}
	n.gain.SetTarget(float32(core.DBToLinear(h.normalizationDB(targetDB, n.minDB, n.maxDB))))
}

// process applies the ramp to a frame-aligned set of channels.
func (n *normalizer) process(chans [][]float32, frames int) {
	if !n.gain.IsSmoothing() {
		g := n.gain.Target()
		if g == 1 {
			return
		}
		for _, ch := range chans {
			dsp.Scale(ch[:frames], g)
		}
		return
	}
	for i := 0; i < frames; i++ {
		g := n.gain.Next()
		for _, ch := range chans {
			ch[i] *= g
		}
	}
}

// current returns the gain reached so far.
func (n *normalizer) current() float32 {
	if !n.gain.IsSmoothing() {
		return n.gain.Target()
	}
	return n.gain.Current()
}
