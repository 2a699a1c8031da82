package amp

import (
	"fmt"
	"math"
	"sync/atomic"
)

// ParamID indexes the fixed parameter table.
type ParamID int

const (
	ParamInputLevel ParamID = iota
	ParamOutputLevel
	ParamToneBass
	ParamToneMid
	ParamToneTreble
	ParamNoiseGateActive
	ParamNoiseGateThreshold
	ParamEQActive
	ParamIRToggle
	ParamNormalizeModelOutput
	ParamTargetLoudness
	ParamNormalizeIROutput
	ParamSelectedModel
	ParamSelectedIR

	numParams
)

// ParamKind describes how a parameter value is interpreted.
type ParamKind int

const (
	KindFloat ParamKind = iota
	KindBool
	KindChoice
)

// ParamSpec is one row of the parameter table.
type ParamSpec struct {
	ID      ParamID
	Name    string
	Kind    ParamKind
	Min     float64
	Max     float64
	Default float64
}

var paramTable = [numParams]ParamSpec{
	{ParamInputLevel, "inputLevel", KindFloat, -20, 20, 0},
	{ParamOutputLevel, "outputLevel", KindFloat, -40, 40, 0},
	{ParamToneBass, "toneBass", KindFloat, 0, 10, 5},
	{ParamToneMid, "toneMid", KindFloat, 0, 10, 5},
	{ParamToneTreble, "toneTreble", KindFloat, 0, 10, 5},
	{ParamNoiseGateActive, "noiseGateActive", KindBool, 0, 1, 1},
	{ParamNoiseGateThreshold, "noiseGateThreshold", KindFloat, -100, 0, -80},
	{ParamEQActive, "eqActive", KindBool, 0, 1, 1},
	{ParamIRToggle, "irToggle", KindBool, 0, 1, 1},
	{ParamNormalizeModelOutput, "normalizeNamOutput", KindBool, 0, 1, 1},
	{ParamTargetLoudness, "targetLoudness", KindFloat, -30, -6, -18},
	{ParamNormalizeIROutput, "normalizeIrOutput", KindBool, 0, 1, 1},
	{ParamSelectedModel, "selectedNamModel", KindChoice, 0, 0, 0},
	{ParamSelectedIR, "selectedIR", KindChoice, 0, 0, 0},
}

// ParameterStore holds every parameter as an independent atomic scalar.
// It is safe for concurrent use; the audio thread reads it once per block
// through ParameterSnapshot.
type ParameterStore struct {
	specs  [numParams]ParamSpec
	values [numParams]atomic.Uint64
}

// NewParameterStore creates a store with default values. modelChoices and
// irChoices are the catalog sizes (sentinel included) bounding the selection
// parameters.
func NewParameterStore(modelChoices, irChoices int) *ParameterStore {
	s := &ParameterStore{specs: paramTable}
	s.specs[ParamSelectedModel].Max = float64(max(modelChoices-1, 0))
	s.specs[ParamSelectedIR].Max = float64(max(irChoices-1, 0))
	s.Reset()
	return s
}

// Reset restores every parameter to its default.
func (s *ParameterStore) Reset() {
	for i := range s.specs {
		s.values[i].Store(math.Float64bits(s.specs[i].Default))
	}
}

// Specs returns a copy of the parameter table.
func (s *ParameterStore) Specs() []ParamSpec {
	out := make([]ParamSpec, len(s.specs))
	copy(out, s.specs[:])
	return out
}

// Spec returns the table row for id.
func (s *ParameterStore) Spec(id ParamID) ParamSpec {
	return s.specs[id]
}

// Lookup resolves a parameter name.
func (s *ParameterStore) Lookup(name string) (ParamID, bool) {
	for i := range s.specs {
		if s.specs[i].Name == name {
			return ParamID(i), true
		}
	}
	return 0, false
}

// Get returns the value of the named parameter.
func (s *ParameterStore) Get(name string) (float64, error) {
	id, ok := s.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return s.Value(id), nil
}

// Set writes the named parameter, clamped to its range.
func (s *ParameterStore) Set(name string, v float64) error {
	id, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	if math.IsNaN(v) {
		return fmt.Errorf("parameter %q: value is NaN", name)
	}
	s.SetValue(id, v)
	return nil
}

// Value returns the current value of id.
func (s *ParameterStore) Value(id ParamID) float64 {
	return math.Float64frombits(s.values[id].Load())
}

// Bool returns a boolean parameter.
func (s *ParameterStore) Bool(id ParamID) bool {
	return s.Value(id) >= 0.5
}

// Index returns a choice parameter as an integer.
func (s *ParameterStore) Index(id ParamID) int {
	return int(s.Value(id))
}

// SetValue clamps v into range, rounds choices and bools, stores it and
// returns the stored value. NaN is ignored.
func (s *ParameterStore) SetValue(id ParamID, v float64) float64 {
	if math.IsNaN(v) {
		return s.Value(id)
	}
	v = s.specs[id].normalize(v)
	s.values[id].Store(math.Float64bits(v))
	return v
}

// SetBool writes a boolean parameter.
func (s *ParameterStore) SetBool(id ParamID, on bool) {
	if on {
		s.SetValue(id, 1)
		return
	}
	s.SetValue(id, 0)
}

// Values returns a name to value map of every parameter.
func (s *ParameterStore) Values() map[string]float64 {
	out := make(map[string]float64, len(s.specs))
	for i := range s.specs {
		out[s.specs[i].Name] = s.Value(ParamID(i))
	}
	return out
}

func (p ParamSpec) normalize(v float64) float64 {
	switch p.Kind {
	case KindBool:
		if v >= 0.5 {
			return 1
		}
		return 0
	case KindChoice:
		v = math.Round(v)
	}
	if v < p.Min {
		return p.Min
	}
	if v > p.Max {
		return p.Max
	}
	return v
}

const snapshotEpsilon = 1e-5

// ParameterSnapshot is the audio thread's plain copy of the store.
type ParameterSnapshot struct {
	InputLevelDB     float64
	OutputLevelDB    float64
	Bass             float64
	Mid              float64
	Treble           float64
	GateActive       bool
	GateThresholdDB  float64
	EQActive         bool
	IRActive         bool
	NormalizeModel   bool
	TargetLoudnessDB float64
	NormalizeIR      bool
	ModelIndex       int
	IRIndex          int
}

// ChangeSet is a bit set of parameter IDs that changed during a refresh.
type ChangeSet uint32

// Has reports whether id changed.
func (c ChangeSet) Has(id ParamID) bool {
	return c&(1<<uint(id)) != 0
}

// DefaultSnapshot returns the snapshot matching a freshly reset store.
func DefaultSnapshot() ParameterSnapshot {
	var snap ParameterSnapshot
	for i := range paramTable {
		snap.set(ParamID(i), paramTable[i].Default)
	}
	return snap
}

// Refresh copies the store into the snapshot by parameter ID. Float
// parameters only change when they move by more than 1e-5; booleans and
// choices compare exactly.
func (snap *ParameterSnapshot) Refresh(s *ParameterStore) ChangeSet {
	var changed ChangeSet
	for i := 0; i < int(numParams); i++ {
		id := ParamID(i)
		v := s.Value(id)
		old := snap.get(id)
		if s.specs[i].Kind == KindFloat {
			if math.Abs(v-old) <= snapshotEpsilon {
				continue
			}
		} else if v == old {
			continue
		}
		snap.set(id, v)
		changed |= 1 << uint(id)
	}
	return changed
}

func (snap *ParameterSnapshot) get(id ParamID) float64 {
	switch id {
	case ParamInputLevel:
		return snap.InputLevelDB
	case ParamOutputLevel:
		return snap.OutputLevelDB
	case ParamToneBass:
		return snap.Bass
	case ParamToneMid:
		return snap.Mid
	case ParamToneTreble:
		return snap.Treble
	case ParamNoiseGateActive:
		return boolValue(snap.GateActive)
	case ParamNoiseGateThreshold:
		return snap.GateThresholdDB
	case ParamEQActive:
		return boolValue(snap.EQActive)
	case ParamIRToggle:
		return boolValue(snap.IRActive)
	case ParamNormalizeModelOutput:
		return boolValue(snap.NormalizeModel)
	case ParamTargetLoudness:
		return snap.TargetLoudnessDB
	case ParamNormalizeIROutput:
		return boolValue(snap.NormalizeIR)
	case ParamSelectedModel:
		return float64(snap.ModelIndex)
	case ParamSelectedIR:
		return float64(snap.IRIndex)
	}
	return 0
}

func (snap *ParameterSnapshot) set(id ParamID, v float64) {
	switch id {
	case ParamInputLevel:
		snap.InputLevelDB = v
	case ParamOutputLevel:
		snap.OutputLevelDB = v
	case ParamToneBass:
		snap.Bass = v
	case ParamToneMid:
		snap.Mid = v
	case ParamToneTreble:
		snap.Treble = v
	case ParamNoiseGateActive:
		snap.GateActive = v >= 0.5
	case ParamNoiseGateThreshold:
		snap.GateThresholdDB = v
	case ParamEQActive:
		snap.EQActive = v >= 0.5
	case ParamIRToggle:
		snap.IRActive = v >= 0.5
	case ParamNormalizeModelOutput:
		snap.NormalizeModel = v >= 0.5
	case ParamTargetLoudness:
		snap.TargetLoudnessDB = v
	case ParamNormalizeIROutput:
		snap.NormalizeIR = v >= 0.5
	case ParamSelectedModel:
		snap.ModelIndex = int(v)
	case ParamSelectedIR:
		snap.IRIndex = int(v)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
