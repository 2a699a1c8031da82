package nam

import (
	"encoding/json"
	"fmt"
	"math"
)

type lstmConfig struct {
	InputSize  int `json:"input_size"`
	HiddenSize int `json:"hidden_size"`
	NumLayers  int `json:"num_layers"`
}

// lstmLayer holds one layer. w is (4H x (I+H)) row-major with the input
// columns first; gate rows are ordered input, forget, cell, output.
type lstmLayer struct {
	in, hidden int

	w  []float32
	b  []float32
	h0 []float32
	c0 []float32

	xh    []float32
	gates []float32
	h     []float32
	c     []float32
}

type lstm struct {
	layers   []*lstmLayer
	headW    []float32
	headBias float32
	x        [1]float32
}

func buildLSTM(raw json.RawMessage, weights []float64) (Network, error) {
	cfg := lstmConfig{InputSize: 1}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: lstm config: %v", ErrMalformedModel, err)
	}
	if cfg.InputSize != 1 {
		return nil, fmt.Errorf("%w: lstm input_size must be 1, got %d", ErrMalformedModel, cfg.InputSize)
	}
	if cfg.HiddenSize < 1 || cfg.NumLayers < 1 {
		return nil, fmt.Errorf("%w: lstm needs hidden_size and num_layers >= 1, got %d/%d", ErrMalformedModel, cfg.HiddenSize, cfg.NumLayers)
	}

	H := cfg.HiddenSize
	want := LSTMWeightCount(H, cfg.NumLayers)
	if len(weights) != want {
		return nil, fmt.Errorf("%w: lstm expects %d weights, got %d", ErrMalformedModel, want, len(weights))
	}

	net := &lstm{}
	pos := 0
	take := func(n int) []float32 {
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(weights[pos+i])
		}
		pos += n
		return out
	}
	for l := 0; l < cfg.NumLayers; l++ {
		in := H
		if l == 0 {
			in = cfg.InputSize
		}
		layer := &lstmLayer{in: in, hidden: H}
		layer.w = take(4 * H * (in + H))
		layer.b = take(4 * H)
		layer.h0 = take(H)
		layer.c0 = take(H)
		layer.xh = make([]float32, in+H)
		layer.gates = make([]float32, 4*H)
		layer.h = make([]float32, H)
		layer.c = make([]float32, H)
		net.layers = append(net.layers, layer)
	}
	net.headW = take(H)
	net.headBias = float32(weights[pos])
	net.Reset()
	return net, nil
}

func (n *lstm) Reset() {
	for _, l := range n.layers {
		copy(l.h, l.h0)
		copy(l.c, l.c0)
	}
}

func (n *lstm) Process(input, output []float32) {
	for i, x := range input {
		n.x[0] = x
		prev := n.x[:]
		for _, l := range n.layers {
			l.step(prev)
			prev = l.h
		}
		acc := n.headBias
		for k, w := range n.headW {
			acc += w * prev[k]
		}
		output[i] = acc
	}
}

func (l *lstmLayer) step(x []float32) {
	H := l.hidden
	cols := l.in + H
	copy(l.xh[:l.in], x)
	copy(l.xh[l.in:], l.h)

	for r := 0; r < 4*H; r++ {
		row := l.w[r*cols : (r+1)*cols]
		acc := l.b[r]
		for k, v := range row {
			acc += v * l.xh[k]
		}
		l.gates[r] = acc
	}

	for j := 0; j < H; j++ {
		ig := sigmoid(l.gates[j])
		fg := sigmoid(l.gates[H+j])
		gg := tanh32(l.gates[2*H+j])
		og := sigmoid(l.gates[3*H+j])
		l.c[j] = fg*l.c[j] + ig*gg
		l.h[j] = og * tanh32(l.c[j])
	}
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
