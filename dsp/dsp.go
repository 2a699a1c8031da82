package dsp

import "math"

// LinearSmoother ramps a gain value linearly towards a target over a fixed
// number of samples (no heap allocations in Next/Apply).
type LinearSmoother struct {
	current float32
	target  float32
	step    float32

	rampLen   int
	countdown int
}

// NewLinearSmoother creates a smoother resting at initial.
func NewLinearSmoother(initial float32) *LinearSmoother {
	return &LinearSmoother{current: initial, target: initial}
}

// Reset sets the ramp length from a sample rate and a ramp duration in seconds.
// The current value snaps to the target.
func (s *LinearSmoother) Reset(sampleRate float64, rampSeconds float64) {
	s.rampLen = int(math.Floor(rampSeconds * sampleRate))
	if s.rampLen < 0 {
		s.rampLen = 0
	}
	s.current = s.target
	s.countdown = 0
}

// SetCurrentAndTarget jumps to v without ramping.
func (s *LinearSmoother) SetCurrentAndTarget(v float32) {
	s.current = v
	s.target = v
	s.countdown = 0
}

// SetTarget starts a new ramp towards target. Re-setting the current target is a no-op.
func (s *LinearSmoother) SetTarget(target float32) {
	if target == s.target {
		return
	}
	if s.rampLen <= 0 {
		s.SetCurrentAndTarget(target)
		return
	}
	s.target = target
	s.countdown = s.rampLen
	s.step = (s.target - s.current) / float32(s.countdown)
}

// Next advances the ramp by one sample and returns the new value.
func (s *LinearSmoother) Next() float32 {
	if s.countdown <= 0 {
		return s.target
	}
	s.countdown--
	if s.countdown == 0 {
		s.current = s.target
	} else {
		s.current += s.step
	}
	return s.current
}

// Current returns the value without advancing.
func (s *LinearSmoother) Current() float32 {
	return s.current
}

// Target returns the ramp destination.
func (s *LinearSmoother) Target() float32 {
	return s.target
}

// IsSmoothing reports whether a ramp is in progress.
func (s *LinearSmoother) IsSmoothing() bool {
	return s.countdown > 0
}

// IsFinite reports whether x is neither NaN nor infinite.
func IsFinite(x float32) bool {
	return !math.IsNaN(float64(x)) && !math.IsInf(float64(x), 0)
}

// AllFinite reports whether every sample in buf is finite.
func AllFinite(buf []float32) bool {
	for _, v := range buf {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}

// Clear zeroes buf.
func Clear(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// Scale multiplies buf by g in place.
func Scale(buf []float32, g float32) {
	for i := range buf {
		buf[i] *= g
	}
}
