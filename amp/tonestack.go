package amp

import (
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// toneFloor keeps a zeroed band control from producing -Inf dB.
const toneFloor = 0.01

// ToneStack is a low shelf, a peak and a high shelf in cascade, one set of
// sections per channel.
type ToneStack struct {
	bassHz, midHz, trebleHz, q float64
	sampleRate                 float64

	sections [][3]*biquad.Section
}

// NewToneStack creates a flat tone stack for channels channels.
func NewToneStack(channels int, bassHz, midHz, trebleHz, q float64) *ToneStack {
	t := &ToneStack{bassHz: bassHz, midHz: midHz, trebleHz: trebleHz, q: q}
	t.sections = make([][3]*biquad.Section, channels)
	for ch := range t.sections {
		for b := range t.sections[ch] {
			t.sections[ch][b] = biquad.NewSection(identityCoefficients())
		}
	}
	return t
}

// ToneGainDB maps a 0..10 band control to the band gain in dB. 5 is flat.
func ToneGainDB(v float64) float64 {
	mult := math.Max(v/5, toneFloor)
	return 20 * math.Log10(mult)
}

// SetSampleRate stores the rate used by Update.
func (t *ToneStack) SetSampleRate(sampleRate float64) {
	t.sampleRate = sampleRate
}

// Update recomputes the coefficients from the band controls.
func (t *ToneStack) Update(bass, mid, treble float64) {
	low := t.band(bandLowShelf, t.bassHz, ToneGainDB(bass))
	peak := t.band(bandPeak, t.midHz, ToneGainDB(mid))
	high := t.band(bandHighShelf, t.trebleHz, ToneGainDB(treble))
	for ch := range t.sections {
		t.sections[ch][0].Coefficients = low
		t.sections[ch][1].Coefficients = peak
		t.sections[ch][2].Coefficients = high
	}
}

// Reset clears the filter state.
func (t *ToneStack) Reset() {
	for ch := range t.sections {
		for _, s := range t.sections[ch] {
			s.Reset()
		}
	}
}

// Process filters buf in place with the sections of channel ch.
func (t *ToneStack) Process(ch int, buf []float32) {
	if ch >= len(t.sections) {
		return
	}
	s := t.sections[ch]
	for i, x := range buf {
		y := s[0].ProcessSample(float64(x))
		y = s[1].ProcessSample(y)
		y = s[2].ProcessSample(y)
		buf[i] = float32(y)
	}
}

type bandShape int

const (
	bandLowShelf bandShape = iota
	bandPeak
	bandHighShelf
)

func (t *ToneStack) band(shape bandShape, freq, gainDB float64) biquad.Coefficients {
	if math.Abs(gainDB) < 1e-9 {
		return identityCoefficients()
	}
	var c biquad.Coefficients
	switch shape {
	case bandLowShelf:
		c = design.LowShelf(freq, gainDB, t.q, t.sampleRate)
	case bandPeak:
		c = design.Peak(freq, gainDB, t.q, t.sampleRate)
	default:
		c = design.HighShelf(freq, gainDB, t.q, t.sampleRate)
	}
	if c.B0 == 0 && c.B1 == 0 && c.B2 == 0 {
		// Band above Nyquist at this rate.
		return identityCoefficients()
	}
	return c
}

func identityCoefficients() biquad.Coefficients {
	return biquad.Coefficients{B0: 1}
}
