package amp

import (
	"fmt"
	"math"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
)

const (
	// Models within rateTolerance Hz of the host rate run without conversion.
	rateTolerance = 1.0
	// rateGuard output samples are queued ahead so the block-to-block jitter
	// of the resampled length never runs the queue dry.
	rateGuard = 4
)

// rateAdapter runs a model at its native rate inside a host-rate stream:
// host to model rate, inference, model to host rate. It belongs to the
// audio thread once its handle is published.
type rateAdapter struct {
	up, down   *dspresample.Resampler
	modelBlock int
	latency    int

	in       []float64
	modelIn  []float32
	modelOut []float32
	back     []float64
	fifo     []float32
}

func needsRateAdapter(modelRate, hostRate float64) bool {
	return modelRate > 0 && hostRate > 0 && math.Abs(modelRate-hostRate) > rateTolerance
}

func newRateAdapter(hostRate, modelRate float64, maxBlock int) (*rateAdapter, error) {
	up, err := dspresample.NewForRates(hostRate, modelRate, dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, fmt.Errorf("resampler %g -> %g Hz: %w", hostRate, modelRate, err)
	}
	down, err := dspresample.NewForRates(modelRate, hostRate, dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, fmt.Errorf("resampler %g -> %g Hz: %w", modelRate, hostRate, err)
	}
	modelBlock := int(math.Ceil(float64(maxBlock)*modelRate/hostRate)) + rateGuard
	a := &rateAdapter{
		up:         up,
		down:       down,
		modelBlock: modelBlock,
		in:         make([]float64, maxBlock),
		modelIn:    make([]float32, modelBlock),
		modelOut:   make([]float32, modelBlock),
		back:       make([]float64, modelBlock),
		fifo:       make([]float32, 0, 2*maxBlock+4*rateGuard),
	}
	delay := filterDelay(up) + filterDelay(down)*hostRate/modelRate
	a.latency = rateGuard + int(math.Round(delay))
	a.reset()
	return a, nil
}

// filterDelay returns the resampler's linear-phase delay in input samples.
func filterDelay(r *dspresample.Resampler) float64 {
	up, _ := r.Ratio()
	return float64(len(r.Prototype())-1) / float64(2*up)
}

func (a *rateAdapter) reset() {
	a.up.Reset()
	a.down.Reset()
	a.fifo = a.fifo[:rateGuard]
	clear(a.fifo)
}

// process runs m on input and writes len(input) host-rate samples to output,
// delayed by a.latency.
func (a *rateAdapter) process(m Model, input, output []float32) {
	n := len(input)
	for i, v := range input {
		a.in[i] = float64(v)
	}
	mid := a.up.Process(a.in[:n])
	for off := 0; off < len(mid); off += a.modelBlock {
		k := min(a.modelBlock, len(mid)-off)
		for i := 0; i < k; i++ {
			a.modelIn[i] = float32(mid[off+i])
		}
		m.Process(a.modelIn[:k], a.modelOut[:k])
		for i := 0; i < k; i++ {
			a.back[i] = float64(a.modelOut[i])
		}
		for _, v := range a.down.Process(a.back[:k]) {
			a.fifo = append(a.fifo, float32(v))
		}
	}
	got := copy(output[:n], a.fifo)
	clear(output[got:n])
	a.fifo = a.fifo[:copy(a.fifo, a.fifo[got:])]
}
