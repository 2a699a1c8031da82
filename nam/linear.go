package nam

import (
	"encoding/json"
	"fmt"
)

type linearConfig struct {
	ReceptiveField int  `json:"receptive_field"`
	Bias           bool `json:"bias"`
}

// linear is an FIR filter. weights[k] multiplies x[n-(N-1)+k], so the last
// weight is applied to the newest sample.
type linear struct {
	taps []float32
	bias float32
	hist []float32
	pos  int
}

func buildLinear(raw json.RawMessage, weights []float64) (Network, error) {
	var cfg linearConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("%w: linear config: %v", ErrMalformedModel, err)
		}
	}
	if cfg.ReceptiveField < 1 {
		return nil, fmt.Errorf("%w: linear receptive_field must be >= 1, got %d", ErrMalformedModel, cfg.ReceptiveField)
	}
	want := cfg.ReceptiveField
	if cfg.Bias {
		want++
	}
	if len(weights) != want {
		return nil, fmt.Errorf("%w: linear expects %d weights, got %d", ErrMalformedModel, want, len(weights))
	}

	l := &linear{
		taps: make([]float32, cfg.ReceptiveField),
		hist: make([]float32, cfg.ReceptiveField),
	}
	// Store newest-first to walk the history ring backwards.
	for k := 0; k < cfg.ReceptiveField; k++ {
		l.taps[cfg.ReceptiveField-1-k] = float32(weights[k])
	}
	if cfg.Bias {
		l.bias = float32(weights[cfg.ReceptiveField])
	}
	return l, nil
}

func (l *linear) Process(input, output []float32) {
	n := len(l.hist)
	for i, x := range input {
		l.hist[l.pos] = x
		acc := l.bias
		idx := l.pos
		for _, w := range l.taps {
			acc += w * l.hist[idx]
			idx--
			if idx < 0 {
				idx = n - 1
			}
		}
		output[i] = acc
		l.pos++
		if l.pos == n {
			l.pos = 0
		}
	}
}

func (l *linear) Reset() {
	clear(l.hist)
	l.pos = 0
}
