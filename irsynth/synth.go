package irsynth

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	approx "github.com/cwbudde/algo-approx"
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
	pdefd "github.com/cwbudde/algo-pde/fd"
	pdepoisson "github.com/cwbudde/algo-pde/poisson"
)

const speedOfSound = 343.0

// Config controls synthetic guitar-cabinet IR generation.
//
// The IR is an impulse pushed through a speaker model (low cut, cone
// resonance, break-up peak, roll-off), plus decaying enclosure modes and a
// short burst of wall reflections. Channels greater than one place the extra
// microphones further off-axis: darker and slightly later.
type Config struct {
	SampleRate int
	DurationS  float64
	Channels   int
	Seed       int64

	LowCutHz      float64
	ResonanceHz   float64
	ResonanceQ    float64
	ResonanceDB   float64
	BreakupHz     float64
	BreakupDB     float64
	RolloffHz     float64
	RolloffOrder  int
	OffAxisDarken float64 // Roll-off scale per extra channel, in (0,1]

	// Enclosure dimensions in meters.
	Width  float64
	Height float64
	Depth  float64
	Modes  int

	ModeLevel       float64
	ModeDecayS      float64
	ReflectionCount int
	ReflectionLevel float64
	FadeOutS        float64

	NormalizePeak float64
}

// DefaultConfig returns a closed-back 1x12 cabinet close-miked on axis.
func DefaultConfig() Config {
	return Config{
		SampleRate:      48000,
		DurationS:       0.1,
		Channels:        1,
		Seed:            1,
		LowCutHz:        70,
		ResonanceHz:     110,
		ResonanceQ:      1.4,
		ResonanceDB:     6,
		BreakupHz:       2500,
		BreakupDB:       5,
		RolloffHz:       5000,
		RolloffOrder:    4,
		OffAxisDarken:   0.7,
		Width:           0.6,
		Height:          0.5,
		Depth:           0.28,
		Modes:           24,
		ModeLevel:       0.08,
		ModeDecayS:      0.012,
		ReflectionCount: 12,
		ReflectionLevel: 0.12,
		FadeOutS:        0.01,
		NormalizePeak:   0.9,
	}
}

func (c *Config) Validate() error {
	if c.SampleRate < 8000 {
		return fmt.Errorf("sample rate too low: %d", c.SampleRate)
	}
	nyquist := 0.5 * float64(c.SampleRate)
	if c.DurationS <= 0 {
		return fmt.Errorf("duration must be > 0")
	}
	if c.Channels < 1 || c.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2: %d", c.Channels)
	}
	if c.LowCutHz <= 0 || c.LowCutHz >= nyquist {
		return fmt.Errorf("low cut must be in (0, %g): %g", nyquist, c.LowCutHz)
	}
	if c.ResonanceHz <= 0 || c.ResonanceHz >= nyquist || c.ResonanceQ <= 0 {
		return fmt.Errorf("invalid speaker resonance: %g Hz, Q %g", c.ResonanceHz, c.ResonanceQ)
	}
	if c.BreakupHz <= 0 || c.BreakupHz >= nyquist {
		return fmt.Errorf("break-up frequency must be in (0, %g): %g", nyquist, c.BreakupHz)
	}
	if c.RolloffHz <= 0 || c.RolloffHz >= nyquist {
		return fmt.Errorf("roll-off must be in (0, %g): %g", nyquist, c.RolloffHz)
	}
	if c.RolloffOrder < 1 || c.RolloffOrder > 8 {
		return fmt.Errorf("roll-off order must be in [1, 8]: %d", c.RolloffOrder)
	}
	if c.OffAxisDarken <= 0 || c.OffAxisDarken > 1 {
		return fmt.Errorf("off-axis darken must be in (0, 1]")
	}
	if c.Width <= 0 || c.Height <= 0 || c.Depth <= 0 {
		return fmt.Errorf("enclosure dimensions must be > 0")
	}
	if c.Modes < 0 {
		return fmt.Errorf("modes must be >= 0")
	}
	if c.ModeLevel < 0 || c.ReflectionLevel < 0 {
		return fmt.Errorf("levels must be >= 0")
	}
	if c.ModeDecayS <= 0 {
		return fmt.Errorf("mode decay must be > 0")
	}
	if c.ReflectionCount < 0 {
		return fmt.Errorf("reflection count must be >= 0")
	}
	if c.NormalizePeak <= 0 {
		return fmt.Errorf("normalize peak must be > 0")
	}
	return nil
}

// Generate synthesizes a cabinet IR with cfg.Channels channels.
func Generate(cfg Config) ([][]float32, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := int(math.Round(cfg.DurationS * float64(cfg.SampleRate)))
	if n < 1 {
		n = 1
	}
	modes := EnclosureModes(cfg.Width, cfg.Height, cfg.Depth, cfg.Modes, 0.45*float64(cfg.SampleRate))

	chans := make([][]float64, cfg.Channels)
	for ch := range chans {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(ch)))
		buf := make([]float64, n)

		// Off-axis microphones sit a few centimeters further away.
		delay := int(math.Round(float64(ch) * 0.03 / speedOfSound * float64(cfg.SampleRate)))
		if delay < n {
			buf[delay] = 1
		}

		for _, f := range modes {
			amp := cfg.ModeLevel * (0.6 + 0.8*rng.Float64()) / math.Sqrt(1+f/500)
			decay := math.Exp(-1.0 / (cfg.ModeDecayS * float64(cfg.SampleRate)))
			addModeRec(buf[delay:], amp, f, rng.Float64()*2*math.Pi, decay, cfg.SampleRate)
		}

		addReflections(buf, cfg, rng)
		speakerChain(cfg, math.Pow(cfg.OffAxisDarken, float64(ch))).ProcessBlock(buf)

		highpassDC(buf, 0.995)
		applyFadeOut(buf, cfg.FadeOutS, cfg.SampleRate)
		chans[ch] = buf
	}

	peak := 0.0
	for _, c := range chans {
		peak = math.Max(peak, maxAbs(c))
	}
	if peak < 1e-12 {
		peak = 1e-12
	}
	s := cfg.NormalizePeak / peak
	out := make([][]float32, len(chans))
	for ch, c := range chans {
		out[ch] = make([]float32, n)
		for i, v := range c {
			out[ch][i] = float32(v * s)
		}
	}
	return out, nil
}

// speakerChain builds the speaker response; darken scales the roll-off.
func speakerChain(cfg Config, darken float64) *biquad.Chain {
	sr := float64(cfg.SampleRate)
	coeffs := []biquad.Coefficients{
		design.Highpass(cfg.LowCutHz, 1/math.Sqrt2, sr),
		design.Peak(cfg.ResonanceHz, cfg.ResonanceDB, cfg.ResonanceQ, sr),
		design.Peak(cfg.BreakupHz, cfg.BreakupDB, 2, sr),
	}
	for i := 0; i < cfg.RolloffOrder; i++ {
		coeffs = append(coeffs, design.Lowpass(cfg.RolloffHz*darken, 1/math.Sqrt2, sr))
	}
	return biquad.NewChain(coeffs)
}

// addReflections scatters short wall reflections over the first few
// milliseconds with an exponential envelope.
func addReflections(buf []float64, cfg Config, rng *rand.Rand) {
	sr := float64(cfg.SampleRate)
	for i := 0; i < cfg.ReflectionCount; i++ {
		t := 0.0005 + 0.006*rng.Float64()
		idx := int(t * sr)
		if idx <= 0 || idx >= len(buf) {
			continue
		}
		env := float64(approx.FastExp(float32(-t * 400)))
		sign := 1.0
		if rng.Intn(2) == 0 {
			sign = -1
		}
		buf[idx] += sign * cfg.ReflectionLevel * (0.5 + 0.5*rng.Float64()) * env
	}
}

// EnclosureModes returns up to maxModes standing-wave frequencies of a box
// below maxF, lowest first. Each axis spectrum comes from the discrete
// Laplacian of that dimension; box modes combine one eigenvalue per axis.
func EnclosureModes(width, height, depth float64, maxModes int, maxF float64) []float64 {
	if maxModes <= 0 {
		return nil
	}
	const points = 32
	axis := func(length float64) []float64 {
		return pdefd.Eigenvalues(points, length/float64(points+1), pdepoisson.Dirichlet)
	}
	ex, ey, ez := axis(width), axis(height), axis(depth)

	// Eigenvalues are ascending, so every loop can stop at maxF.
	limit := math.Pow(2*math.Pi*maxF/speedOfSound, 2)
	freqs := make([]float64, 0, maxModes)
	for _, lx := range ex {
		if lx > limit {
			break
		}
		for _, ly := range ey {
			if lx+ly > limit {
				break
			}
			for _, lz := range ez {
				l := lx + ly + lz
				if l > limit {
					break
				}
				freqs = append(freqs, speedOfSound*math.Sqrt(l)/(2*math.Pi))
			}
		}
	}
	sort.Float64s(freqs)
	if len(freqs) > maxModes {
		freqs = freqs[:maxModes]
	}
	return freqs
}

func addModeRec(out []float64, amp float64, freq float64, phase float64, decay float64, sampleRate int) {
	if len(out) == 0 {
		return
	}
	w := 2.0 * math.Pi * freq / float64(sampleRate)
	cw := math.Cos(w)
	x0 := math.Cos(phase)
	x1 := math.Cos(phase + w)
	env := 1.0

	out[0] += amp * env * x0
	env *= decay
	if len(out) == 1 {
		return
	}
	out[1] += amp * env * x1
	env *= decay
	for i := 2; i < len(out); i++ {
		x2 := 2.0*cw*x1 - x0
		x0 = x1
		x1 = x2
		out[i] += amp * env * x2
		env *= decay
	}
}

func highpassDC(x []float64, r float64) {
	prevIn := 0.0
	prevOut := 0.0
	for i := range x {
		y := x[i] - prevIn + r*prevOut
		prevIn = x[i]
		prevOut = y
		x[i] = y
	}
}

func maxAbs(x []float64) float64 {
	m := 0.0
	for _, v := range x {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// applyFadeOut applies a cosine fade-out to the last fadeS seconds of buf.
func applyFadeOut(buf []float64, fadeS float64, sampleRate int) {
	if fadeS <= 0 || len(buf) == 0 {
		return
	}
	fadeSamples := min(int(math.Round(fadeS*float64(sampleRate))), len(buf))
	start := len(buf) - fadeSamples
	for i := 0; i < fadeSamples; i++ {
		t := float64(i) / float64(fadeSamples)
		buf[start+i] *= 0.5 * (1.0 + math.Cos(t*math.Pi))
	}
}
