package analysis

import (
	"math"
	"math/cmplx"

	algofft "github.com/cwbudde/algo-fft"
)

const (
	fftSize = 4096
	fftHop  = 2048
)

// Band is a frequency range reported in per-band comparisons.
type Band struct {
	Name string  `json:"name"`
	LoHz float64 `json:"lo_hz"`
	HiHz float64 `json:"hi_hz"`
}

// GuitarBands covers the range of a guitar speaker.
var GuitarBands = []Band{
	{"low (60-200Hz)", 60, 200},
	{"low-mid (200-500Hz)", 200, 500},
	{"mid (500-1.5kHz)", 500, 1500},
	{"hi-mid (1.5-3kHz)", 1500, 3000},
	{"presence (3-6kHz)", 3000, 6000},
	{"fizz (6-12kHz)", 6000, 12000},
}

// BandError compares average band levels of two signals.
type BandError struct {
	Band
	RefDB  float64 `json:"ref_db"`
	CandDB float64 `json:"cand_db"`
	DiffDB float64 `json:"diff_db"`
}

// Metrics contains distance measurements between a reference recording and a
// candidate rendering.
type Metrics struct {
	SampleRate int `json:"sample_rate"`

	ReferenceFrames int `json:"reference_frames"`
	CandidateFrames int `json:"candidate_frames"`
	AlignedFrames   int `json:"aligned_frames"`
	LagSamples      int `json:"lag_samples"`

	// ESR is the error-to-signal ratio sum((ref-cand)^2) / sum(ref^2).
	ESR            float64     `json:"esr"`
	TimeRMSE       float64     `json:"time_rmse"`
	SpectralRMSEDB float64     `json:"spectral_rmse_db"`
	Bands          []BandError `json:"bands,omitempty"`

	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
}

// Compare aligns candidate to reference and returns distance metrics plus a
// combined score in [0,1]. Levels are compared as given; call NormalizeRMS
// first for a level-independent comparison.
func Compare(reference []float64, candidate []float64, sampleRate int) Metrics {
	m := Metrics{
		SampleRate:      sampleRate,
		ReferenceFrames: len(reference),
		CandidateFrames: len(candidate),
		Score:           1,
	}
	if sampleRate <= 0 || len(reference) == 0 || len(candidate) == 0 {
		return m
	}

	maxLag := min(sampleRate/10, len(reference)-1, len(candidate)-1)
	if maxLag < 1 {
		maxLag = 1
	}
	lag := estimateLag(reference, candidate, maxLag)
	m.LagSamples = lag

	refA, candA := alignByLag(reference, candidate, lag)
	n := min(len(refA), len(candA))
	if n < 256 {
		return m
	}
	refA = refA[:n]
	candA = candA[:n]
	m.AlignedFrames = n

	m.ESR = esr(refA, candA)
	m.TimeRMSE = rmse(refA, candA)

	refSpec := averageSpectrum(refA)
	candSpec := averageSpectrum(candA)
	if refSpec != nil && candSpec != nil {
		m.SpectralRMSEDB = spectralRMSEDB(refSpec, candSpec)
		m.Bands = bandErrors(refSpec, candSpec, sampleRate, GuitarBands)
	}

	esrNorm := clamp01(m.ESR)
	specNorm := clamp01(m.SpectralRMSEDB / 30.0)
	m.Score = clamp01(0.6*esrNorm + 0.4*specNorm)
	m.Similarity = clamp01(math.Exp(-4.0 * m.Score))
	return m
}

// NormalizeRMS returns a copy of x scaled to the target RMS.
func NormalizeRMS(x []float64, target float64) []float64 {
	out := append([]float64(nil), x...)
	r := rms1(x)
	if r <= 1e-12 {
		return out
	}
	g := target / r
	for i := range out {
		out[i] *= g
	}
	return out
}

// estimateLag returns the shift of cand against ref with the largest
// cross-correlation in [-maxLag, maxLag]. A positive lag means cand starts
// lag samples later in ref.
func estimateLag(ref []float64, cand []float64, maxLag int) int {
	if len(ref) == 0 || len(cand) == 0 {
		return 0
	}
	a := make([]float32, len(ref))
	for i, v := range ref {
		a[i] = float32(v)
	}
	rev := make([]float32, len(cand))
	for i, v := range cand {
		rev[len(cand)-1-i] = float32(v)
	}
	corr := make([]float32, len(ref)+len(cand)-1)
	if err := algofft.ConvolveReal(corr, a, rev); err != nil {
		return estimateLagDirect(ref, cand, maxLag)
	}
	bestLag := 0
	best := math.Inf(-1)
	for lag := -maxLag; lag <= maxLag; lag++ {
		k := lag + len(cand) - 1
		if k < 0 || k >= len(corr) {
			continue
		}
		if c := float64(corr[k]); c > best {
			best = c
			bestLag = lag
		}
	}
	return bestLag
}

func estimateLagDirect(ref []float64, cand []float64, maxLag int) int {
	bestLag := 0
	best := math.Inf(-1)
	for lag := -maxLag; lag <= maxLag; lag++ {
		if s := dotAtLag(ref, cand, lag); s > best {
			best = s
			bestLag = lag
		}
	}
	return bestLag
}

func dotAtLag(a []float64, b []float64, lag int) float64 {
	var ai, bi int
	if lag >= 0 {
		ai = lag
	} else {
		bi = -lag
	}
	n := min(len(a)-ai, len(b)-bi)
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[ai+i] * b[bi+i]
	}
	return sum
}

func alignByLag(ref []float64, cand []float64, lag int) ([]float64, []float64) {
	if lag >= 0 {
		if lag >= len(ref) {
			return nil, nil
		}
		return ref[lag:], cand
	}
	o := -lag
	if o >= len(cand) {
		return nil, nil
	}
	return ref, cand[o:]
}

func esr(ref []float64, cand []float64) float64 {
	var num, den float64
	for i := range ref {
		d := ref[i] - cand[i]
		num += d * d
		den += ref[i] * ref[i]
	}
	if den <= 1e-20 {
		if num <= 1e-20 {
			return 0
		}
		return math.Inf(1)
	}
	return num / den
}

func rmse(a []float64, b []float64) float64 {
	n := min(len(a), len(b))
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(n))
}

func rms1(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// averageSpectrum returns the mean Hann-windowed STFT magnitude of x, or nil
// when x is shorter than one frame.
func averageSpectrum(x []float64) []float64 {
	if len(x) < fftSize {
		return nil
	}
	plan, err := algofft.NewPlanReal64(fftSize)
	if err != nil {
		return nil
	}
	hann := make([]float64, fftSize)
	for i := range hann {
		hann[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(fftSize-1))
	}
	spec := make([]complex128, fftSize/2+1)
	buf := make([]float64, fftSize)
	avg := make([]float64, fftSize/2)
	frames := 0
	for pos := 0; pos+fftSize <= len(x); pos += fftHop {
		for i := range buf {
			buf[i] = x[pos+i] * hann[i]
		}
		plan.Forward(spec, buf)
		for k := range avg {
			avg[k] += cmplx.Abs(spec[k])
		}
		frames++
	}
	for k := range avg {
		avg[k] /= float64(frames)
	}
	return avg
}

func spectralRMSEDB(a []float64, b []float64) float64 {
	var sum float64
	for k := 1; k < len(a); k++ {
		d := linToDB(a[k]) - linToDB(b[k])
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)-1))
}

func bandErrors(a []float64, b []float64, sampleRate int, bands []Band) []BandError {
	binHz := float64(sampleRate) / fftSize
	out := make([]BandError, 0, len(bands))
	for _, band := range bands {
		lo := max(1, int(math.Ceil(band.LoHz/binHz)))
		hi := min(len(a)-1, int(math.Floor(band.HiHz/binHz)))
		if lo > hi {
			continue
		}
		var ea, eb float64
		for k := lo; k <= hi; k++ {
			ea += a[k] * a[k]
			eb += b[k] * b[k]
		}
		cnt := float64(hi - lo + 1)
		refDB := 10 * math.Log10(math.Max(ea/cnt, 1e-24))
		candDB := 10 * math.Log10(math.Max(eb/cnt, 1e-24))
		out = append(out, BandError{Band: band, RefDB: refDB, CandDB: candDB, DiffDB: candDB - refDB})
	}
	return out
}

func linToDB(x float64) float64 {
	if x < 1e-12 {
		x = 1e-12
	}
	return 20.0 * math.Log10(x)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 || math.IsNaN(x) {
		return 1
	}
	return x
}
