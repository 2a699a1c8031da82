package nam

import (
	"encoding/json"
	"fmt"
	"os"
)

// FileVersion is written by NewLinearFile and NewLSTMFile.
const FileVersion = "0.5.4"

// NewLinearFile describes an FIR model with the given taps (oldest sample first).
func NewLinearFile(taps []float64, bias float64, sampleRate float64) *File {
	weights := append(append([]float64(nil), taps...), bias)
	cfg, _ := json.Marshal(linearConfig{ReceptiveField: len(taps), Bias: true})
	return &File{
		Version:      FileVersion,
		Architecture: "Linear",
		Config:       cfg,
		Weights:      weights,
		SampleRate:   sampleRate,
	}
}

// NewLSTMFile describes an LSTM model with flat weights in load order.
func NewLSTMFile(hiddenSize, numLayers int, weights []float64, sampleRate float64) *File {
	cfg, _ := json.Marshal(lstmConfig{InputSize: 1, HiddenSize: hiddenSize, NumLayers: numLayers})
	return &File{
		Version:      FileVersion,
		Architecture: "LSTM",
		Config:       cfg,
		Weights:      weights,
		SampleRate:   sampleRate,
	}
}

// LSTMWeightCount returns the flat weight count for an LSTM shape.
func LSTMWeightCount(hiddenSize, numLayers int) int {
	H := hiddenSize
	n := 0
	for l := 0; l < numLayers; l++ {
		in := H
		if l == 0 {
			in = 1
		}
		n += 4*H*(in+H) + 4*H + 2*H
	}
	return n + H + 1
}

// SetLoudness records the loudness in the metadata.
func (f *File) SetLoudness(db float64) {
	if f.Metadata == nil {
		f.Metadata = &Metadata{}
	}
	f.Metadata.Loudness = &db
}

// WriteFile stores f as JSON.
func (f *File) WriteFile(path string) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
