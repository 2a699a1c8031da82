package nam

import (
	"math"

	"github.com/cwbudde/algo-dsp/measure/loudness"
)

const (
	sweepSeconds   = 3.0
	sweepStartHz   = 40.0
	sweepStopHz    = 12000.0
	sweepAmplitude = 0.1
	measureBlock   = 512
)

// MeasureLoudness runs net over a logarithmic sine sweep and returns the
// integrated loudness of its output in LUFS. The network state is left dirty.
func MeasureLoudness(net Network, sampleRate float64) (float64, bool) {
	if sampleRate <= 0 {
		return 0, false
	}
	n := int(sweepSeconds * sampleRate)
	sweep := ReferenceSweep(n, sampleRate)

	meter := loudness.NewMeter(loudness.WithSampleRate(sampleRate), loudness.WithChannels(1))
	meter.StartIntegration()

	out := make([]float32, measureBlock)
	block := make([]float64, measureBlock)
	for off := 0; off < n; off += measureBlock {
		end := min(off+measureBlock, n)
		m := end - off
		net.Process(sweep[off:end], out[:m])
		for i := 0; i < m; i++ {
			block[i] = float64(out[i])
		}
		meter.ProcessBlock(block[:m])
	}

	l := meter.Integrated()
	if math.IsNaN(l) || math.IsInf(l, 0) {
		return 0, false
	}
	return l, true
}

// ReferenceSweep returns an exponential sine sweep used for loudness probing.
func ReferenceSweep(n int, sampleRate float64) []float32 {
	out := make([]float32, n)
	if n == 0 {
		return out
	}
	dur := float64(n) / sampleRate
	k := math.Log(sweepStopHz / sweepStartHz)
	for i := range out {
		t := float64(i) / sampleRate
		phase := 2 * math.Pi * sweepStartHz * dur / k * (math.Exp(t/dur*k) - 1)
		out[i] = float32(sweepAmplitude * math.Sin(phase))
	}
	return out
}
