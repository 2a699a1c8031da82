// Package wavio reads and writes the WAV files used for impulse responses
// and offline rendering.
package wavio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	dspresample "github.com/cwbudde/algo-dsp/dsp/resample"
	"github.com/cwbudde/wav"
	"github.com/go-audio/audio"
)

// ErrInvalidWAV is returned for files the decoder rejects.
var ErrInvalidWAV = errors.New("invalid wav")

// ReadChannels decodes path into non-interleaved channels.
func ReadChannels(path string) ([][]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidWAV, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrInvalidWAV, path, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, fmt.Errorf("%w: empty buffer: %s", ErrInvalidWAV, path)
	}
	if buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("%w: sample rate %d: %s", ErrInvalidWAV, buf.Format.SampleRate, path)
	}

	numCh := buf.Format.NumChannels
	frames := len(buf.Data) / numCh
	if frames == 0 {
		return nil, 0, fmt.Errorf("%w: no frames: %s", ErrInvalidWAV, path)
	}
	out := make([][]float32, numCh)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < numCh; c++ {
			out[c][i] = buf.Data[i*numCh+c]
		}
	}
	return out, buf.Format.SampleRate, nil
}

// ReadMono decodes path and averages all channels.
func ReadMono(path string) ([]float64, int, error) {
	chans, sr, err := ReadChannels(path)
	if err != nil {
		return nil, 0, err
	}
	return Downmix(chans), sr, nil
}

// Downmix averages channels into a float64 mono signal.
func Downmix(chans [][]float32) []float64 {
	if len(chans) == 0 {
		return nil
	}
	out := make([]float64, len(chans[0]))
	scale := 1 / float64(len(chans))
	for _, ch := range chans {
		for i, v := range ch {
			out[i] += float64(v) * scale
		}
	}
	return out
}

// Resample converts in from fromRate to toRate with the best-quality
// polyphase resampler. Equal rates return in unchanged.
func Resample(in []float64, fromRate, toRate float64) ([]float64, error) {
	if fromRate == toRate {
		return in, nil
	}
	r, err := dspresample.NewForRates(fromRate, toRate, dspresample.WithQuality(dspresample.QualityBest))
	if err != nil {
		return nil, err
	}
	return r.Process(in), nil
}

// Resample32 is Resample for float32 data.
func Resample32(in []float32, fromRate, toRate float64) ([]float32, error) {
	if fromRate == toRate {
		return in, nil
	}
	in64 := make([]float64, len(in))
	for i, v := range in {
		in64[i] = float64(v)
	}
	out64, err := Resample(in64, fromRate, toRate)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(out64))
	for i, v := range out64 {
		out[i] = float32(v)
	}
	return out, nil
}

// WriteChannels encodes non-interleaved channels as 16-bit PCM.
func WriteChannels(path string, chans [][]float32, sampleRate int) error {
	if len(chans) == 0 {
		return fmt.Errorf("no channels to write")
	}
	frames := len(chans[0])
	for c := range chans {
		if len(chans[c]) != frames {
			return fmt.Errorf("channel %d length mismatch: %d != %d", c, len(chans[c]), frames)
		}
	}
	numCh := len(chans)
	data := make([]float32, frames*numCh)
	for i := 0; i < frames; i++ {
		for c := 0; c < numCh; c++ {
			data[i*numCh+c] = chans[c][i]
		}
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, numCh, 1)
	buf := &audio.Float32Buffer{
		Format: &audio.Format{
			SampleRate:  sampleRate,
			NumChannels: numCh,
		},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// WriteMono encodes a single channel.
func WriteMono(path string, data []float32, sampleRate int) error {
	return WriteChannels(path, [][]float32{data}, sampleRate)
}

// RMS returns the root mean square of x.
func RMS(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, s := range x {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

// Peak returns the largest absolute sample.
func Peak(x []float32) float64 {
	var p float64
	for _, s := range x {
		if a := math.Abs(float64(s)); a > p {
			p = a
		}
	}
	return p
}
