package amp

import (
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/cwbudde/algo-ampsim/nam"
)

// Model is a stateful mono inference engine.
//
// Reset is called off the audio thread before the model is published and on
// every Prepare. Process must not allocate; input and output have equal
// length no larger than the maxBlockSize passed to Reset.
type Model interface {
	Reset(sampleRate float64, maxBlockSize int)
	Process(input, output []float32)
	// Loudness returns the model's output loudness in dB and whether it is known.
	Loudness() (float64, bool)
	// ExpectedSampleRate returns the rate the model was trained at, or 0.
	ExpectedSampleRate() float64
}

// modelHandle is immutable once published. Prepare publishes a rebound copy
// instead of changing it.
type modelHandle struct {
	model      Model
	path       string
	sampleRate float64
	loudnessDB float64
	hasLoud    bool
	// adapter is set when the model runs at a rate other than the host's.
	adapter *rateAdapter
}

func newModelHandle(path string, m Model) *modelHandle {
	h := &modelHandle{model: m, path: path, sampleRate: m.ExpectedSampleRate()}
	h.loudnessDB, h.hasLoud = m.Loudness()
	return h
}

// bindModel returns a copy of h reset for the host rate and block size. A
// model trained at another rate gets a rate adapter and is reset at its own
// rate.
func bindModel(h *modelHandle, hostRate float64, maxBlock int) (*modelHandle, error) {
	b := *h
	b.adapter = nil
	rate, block := hostRate, maxBlock
	if needsRateAdapter(h.sampleRate, hostRate) {
		a, err := newRateAdapter(hostRate, h.sampleRate, maxBlock)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedResource, err)
		}
		b.adapter = a
		rate, block = h.sampleRate, a.modelBlock
	}
	if err := resetModel(h.model, rate, block); err != nil {
		return nil, err
	}
	return &b, nil
}

// latency returns the delay the handle adds, in host samples.
func (h *modelHandle) latency() int {
	if h == nil || h.adapter == nil {
		return 0
	}
	return h.adapter.latency
}

// normalizationDB returns the gain adjustment that moves the model's loudness
// to target, clamped to [minDB, maxDB]. Unknown or implausible readings give 0.
func (h *modelHandle) normalizationDB(target, minDB, maxDB float64) float64 {
	if h == nil || !h.hasLoud {
		return 0
	}
	l := h.loudnessDB
	if math.IsNaN(l) || math.IsInf(l, 0) || l < -100 || l > 0 {
		return 0
	}
	adj := target - l
	if adj < minDB {
		return minDB
	}
	if adj > maxDB {
		return maxDB
	}
	return adj
}

func loadNAM(path string) (Model, error) {
	m, err := nam.Load(path)
	if err != nil {
		return nil, classifyLoadError(err)
	}
	return m, nil
}

func classifyLoadError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrResourceNotFound, err)
	case errors.Is(err, ErrResourceNotFound), errors.Is(err, ErrMalformedResource):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}
}
