// Package nam loads neural amp models stored in the JSON ".nam" format and
// runs them sample by sample.
//
// Two architectures ship with the package: "Linear" (a plain FIR) and "LSTM"
// (stacked LSTM layers followed by a linear head). Others can be added with
// Register.
package nam

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrUnsupportedArchitecture reports a model whose architecture has no builder.
	ErrUnsupportedArchitecture = errors.New("unsupported model architecture")
	// ErrMalformedModel reports an undecodable or inconsistent model file.
	ErrMalformedModel = errors.New("malformed model")
)

// DefaultSampleRate is assumed when a file carries no sample_rate.
const DefaultSampleRate = 48000

// File is the on-disk JSON document.
type File struct {
	Version      string          `json:"version"`
	Architecture string          `json:"architecture"`
	Config       json.RawMessage `json:"config"`
	Weights      []float64       `json:"weights"`
	SampleRate   float64         `json:"sample_rate,omitempty"`
	Metadata     *Metadata       `json:"metadata,omitempty"`
}

// Metadata holds the optional descriptive fields of a model file.
type Metadata struct {
	Name     string   `json:"name,omitempty"`
	Modeled  string   `json:"modeled_by,omitempty"`
	GearMake string   `json:"gear_make,omitempty"`
	Loudness *float64 `json:"loudness,omitempty"`
}

// Network is a built architecture. Process must not allocate.
type Network interface {
	Process(input, output []float32)
	Reset()
}

// Builder creates a Network from an architecture config and its flat weights.
type Builder func(config json.RawMessage, weights []float64) (Network, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Builder{}
)

// Register installs a builder for architecture name, replacing any previous one.
func Register(name string, b Builder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = b
}

// Architectures returns the registered architecture names, sorted.
func Architectures() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookup(name string) (Builder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	b, ok := registry[name]
	return b, ok
}

func init() {
	Register("Linear", buildLinear)
	Register("LSTM", buildLSTM)
}

// Model is a loaded network plus its metadata.
type Model struct {
	net          Network
	architecture string
	sampleRate   float64
	loudness     float64
	hasLoudness  bool
	name         string
}

// Load reads and builds the model stored at path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse builds a model from a JSON document. When the metadata carries no
// loudness it is measured on a reference sweep.
func Parse(data []byte) (*Model, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedModel, err)
	}
	return Build(&f)
}

// Build instantiates f's architecture.
func Build(f *File) (*Model, error) {
	if f.Architecture == "" {
		return nil, fmt.Errorf("%w: missing architecture", ErrMalformedModel)
	}
	b, ok := lookup(f.Architecture)
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedArchitecture, f.Architecture, strings.Join(Architectures(), ", "))
	}
	for i, w := range f.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("%w: weight %d is not finite", ErrMalformedModel, i)
		}
	}
	net, err := b(f.Config, f.Weights)
	if err != nil {
		return nil, err
	}

	m := &Model{net: net, architecture: f.Architecture, sampleRate: f.SampleRate}
	if m.sampleRate <= 0 {
		m.sampleRate = DefaultSampleRate
	}
	if f.Metadata != nil {
		m.name = f.Metadata.Name
		if f.Metadata.Loudness != nil {
			m.loudness = *f.Metadata.Loudness
			m.hasLoudness = true
		}
	}
	if !m.hasLoudness {
		if l, ok := MeasureLoudness(net, m.sampleRate); ok {
			m.loudness = l
			m.hasLoudness = true
		}
		net.Reset()
	}
	return m, nil
}

// Reset clears the network state. The network runs at whatever rate the host
// streams; sampleRate and maxBlockSize need no per-rate buffers.
func (m *Model) Reset(sampleRate float64, maxBlockSize int) {
	m.net.Reset()
}

// Process runs the network over input.
func (m *Model) Process(input, output []float32) {
	m.net.Process(input, output)
}

// Loudness returns the output loudness in dB.
func (m *Model) Loudness() (float64, bool) {
	return m.loudness, m.hasLoudness
}

// ExpectedSampleRate returns the training sample rate.
func (m *Model) ExpectedSampleRate() float64 {
	return m.sampleRate
}

// Architecture returns the architecture name.
func (m *Model) Architecture() string {
	return m.architecture
}

// Name returns the metadata name, if any.
func (m *Model) Name() string {
	return m.name
}
