package amp

import (
	"errors"
	"fmt"
	"io/fs"
	"math"

	dspconv "github.com/cwbudde/algo-dsp/dsp/conv"

	"github.com/cwbudde/algo-ampsim/internal/wavio"
)

const (
	// convHeadTaps taps are convolved directly; the rest run through the
	// partitioned engine whose latency equals convHeadTaps.
	convHeadTaps      = 64
	convMinBlockOrder = 6
	convMaxBlockOrder = 13

	convChunk = 1024

	irSilenceDB   = -90.0
	irNormalizeTo = 0.125
)

// CabinetConvolver is a zero-latency per-channel IR convolver. It is built on
// a loader goroutine and afterwards only touched by the audio thread.
type CabinetConvolver struct {
	channels   []*channelConvolver
	sampleRate float64
	taps       int
	stereo     bool
	path       string

	// normGain is applied when IR normalization is enabled.
	normGain float32
}

type channelConvolver struct {
	head    []float32
	line    []float32
	tail    *dspconv.PartitionedConvolution32
	scratch []float32
}

// NewCabinetConvolver builds a convolver with independent streaming state for
// each of channels outputs. One kernel is a mono IR used for every channel;
// with two kernels, channels past the second reuse the right kernel.
func NewCabinetConvolver(kernels [][]float32, sampleRate float64, channels int) (*CabinetConvolver, error) {
	if len(kernels) == 0 {
		return nil, fmt.Errorf("%w: no impulse response channels", ErrMalformedResource)
	}
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if len(kernels) > 2 {
		kernels = kernels[:2]
	}
	c := &CabinetConvolver{sampleRate: sampleRate, stereo: len(kernels) == 2, normGain: 1}
	var maxEnergy float64
	for _, k := range kernels {
		if len(k) == 0 {
			return nil, fmt.Errorf("%w: empty impulse response channel", ErrMalformedResource)
		}
		if len(k) > c.taps {
			c.taps = len(k)
		}
		var e float64
		for _, v := range k {
			e += float64(v) * float64(v)
		}
		maxEnergy = math.Max(maxEnergy, e)
	}
	if maxEnergy > 0 {
		c.normGain = float32(irNormalizeTo / math.Sqrt(maxEnergy))
	}

	for ch := 0; ch < channels; ch++ {
		k := kernels[min(ch, len(kernels)-1)]
		cc, err := newChannelConvolver(k)
		if err != nil {
			return nil, err
		}
		c.channels = append(c.channels, cc)
	}
	return c, nil
}

func newChannelConvolver(kernel []float32) (*channelConvolver, error) {
	nHead := min(len(kernel), convHeadTaps)
	cc := &channelConvolver{
		head:    append([]float32(nil), kernel[:nHead]...),
		line:    make([]float32, nHead-1+convChunk),
		scratch: make([]float32, convChunk),
	}
	if len(kernel) > convHeadTaps {
		tail, err := dspconv.NewPartitionedConvolution32(kernel[convHeadTaps:], convMinBlockOrder, convMaxBlockOrder)
		if err != nil {
			return nil, fmt.Errorf("%w: partitioned convolution: %v", ErrMalformedResource, err)
		}
		cc.tail = tail
	}
	return cc, nil
}

// LoadCabinetIR reads a WAV impulse response, resamples it to sampleRate,
// trims trailing silence and caps it at maxTaps. The result convolves up to
// channels outputs.
func LoadCabinetIR(path string, sampleRate float64, maxTaps, channels int) (*CabinetConvolver, error) {
	if sampleRate <= 0 {
		return nil, ErrNotPrepared
	}
	chans, srcRate, err := wavio.ReadChannels(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrResourceNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}
	if len(chans) > 2 {
		chans = chans[:2]
	}
	for i := range chans {
		chans[i], err = wavio.Resample32(chans[i], float64(srcRate), sampleRate)
		if err != nil {
			return nil, fmt.Errorf("%w: resample %s: %v", ErrMalformedResource, path, err)
		}
	}

	n := trimmedLength(chans, irSilenceDB)
	if n == 0 {
		return nil, fmt.Errorf("%w: impulse response is silent: %s", ErrMalformedResource, path)
	}
	if maxTaps > 0 && n > maxTaps {
		n = maxTaps
	}
	for i := range chans {
		chans[i] = chans[i][:min(n, len(chans[i]))]
	}

	c, err := NewCabinetConvolver(chans, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	c.path = path
	return c, nil
}

// trimmedLength returns the index after the last sample above floorDB in any channel.
func trimmedLength(chans [][]float32, floorDB float64) int {
	thr := math.Pow(10, floorDB/20)
	n := 0
	for _, ch := range chans {
		for i := len(ch) - 1; i >= n; i-- {
			if math.Abs(float64(ch[i])) > thr {
				n = i + 1
				break
			}
		}
	}
	return n
}

// Taps returns the kernel length.
func (c *CabinetConvolver) Taps() int { return c.taps }

// Stereo reports whether the IR carried two channels.
func (c *CabinetConvolver) Stereo() bool { return c.stereo }

// SampleRate returns the rate the kernel was resampled to.
func (c *CabinetConvolver) SampleRate() float64 { return c.sampleRate }

// NormalizationGain returns the energy normalization factor.
func (c *CabinetConvolver) NormalizationGain() float32 { return c.normGain }

// Reset clears the streaming state of every channel.
func (c *CabinetConvolver) Reset() {
	for _, cc := range c.channels {
		cc.reset()
	}
}

// Channels returns the number of independently convolved outputs.
func (c *CabinetConvolver) Channels() int { return len(c.channels) }

// Process convolves buf in place with the kernel for channel ch. Channels
// outside [0, Channels()) are left untouched.
func (c *CabinetConvolver) Process(ch int, buf []float32, normalize bool) {
	if ch < 0 || ch >= len(c.channels) {
		return
	}
	cc := c.channels[ch]
	gain := float32(1)
	if normalize {
		gain = c.normGain
	}
	for off := 0; off < len(buf); off += convChunk {
		end := min(off+convChunk, len(buf))
		cc.process(buf[off:end], gain)
	}
}

func (cc *channelConvolver) process(buf []float32, gain float32) {
	n := len(buf)
	h := len(cc.head)
	hist := h - 1
	copy(cc.line[hist:], buf)

	tail := cc.scratch[:n]
	if cc.tail != nil {
		if err := cc.tail.ProcessBlock(buf, tail); err != nil {
			clear(tail)
		}
	} else {
		clear(tail)
	}

	for i := 0; i < n; i++ {
		var acc float32
		x := cc.line[i : i+h]
		for k, tap := range cc.head {
			acc += tap * x[hist-k]
		}
		buf[i] = (acc + tail[i]) * gain
	}
	copy(cc.line[:hist], cc.line[n:n+hist])
}

func (cc *channelConvolver) reset() {
	clear(cc.line)
	if cc.tail != nil {
		cc.tail.Reset()
	}
}
