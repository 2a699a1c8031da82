package amp

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

const stateVersion = 1

// State is the persisted form of an engine: flat parameters plus the two
// catalog selections. Names are stored next to indices so a restore survives
// catalogs that gained or lost entries.
type State struct {
	Version    int                `json:"version"`
	Parameters map[string]float64 `json:"parameters"`
	ModelIndex int                `json:"modelIndex"`
	ModelName  string             `json:"modelName,omitempty"`
	IRIndex    int                `json:"irIndex"`
	IRName     string             `json:"irName,omitempty"`
}

// State serializes the current parameters and selections.
func (e *Engine) State() ([]byte, error) {
	params := e.params.Values()
	delete(params, e.params.Spec(ParamSelectedModel).Name)
	delete(params, e.params.Spec(ParamSelectedIR).Name)

	st := State{
		Version:    stateVersion,
		Parameters: params,
		ModelIndex: e.CurrentModelIndex(),
		IRIndex:    e.CurrentIRIndex(),
	}
	if st.ModelIndex > 0 {
		st.ModelName = e.models.Name(st.ModelIndex)
	}
	if st.IRIndex > 0 {
		st.IRName = e.irs.Name(st.IRIndex)
	}
	return json.MarshalIndent(st, "", "  ")
}

// SetState restores a blob produced by State. Unknown parameter names are
// skipped; a stored display name that still exists in the catalog takes
// precedence over the stored index.
func (e *Engine) SetState(data []byte) error {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if st.Version < 1 || st.Version > stateVersion {
		return fmt.Errorf("unsupported state version: %d", st.Version)
	}

	for name, v := range st.Parameters {
		id, ok := e.params.Lookup(name)
		if !ok {
			e.log.WithField("name", name).Warn("ignoring unknown parameter in state")
			continue
		}
		if id == ParamSelectedModel || id == ParamSelectedIR {
			continue
		}
		e.params.SetValue(id, v)
	}

	modelIdx := resolveSelection(e.models, st.ModelName, st.ModelIndex)
	irIdx := resolveSelection(e.irs, st.IRName, st.IRIndex)
	e.params.SetValue(ParamSelectedModel, float64(modelIdx))
	e.params.SetValue(ParamSelectedIR, float64(irIdx))
	e.modelLoader.request(e.models.Path(modelIdx), false)
	e.irLoader.request(e.irs.Path(irIdx), false)

	e.log.WithFields(logrus.Fields{
		"model_index": modelIdx,
		"ir_index":    irIdx,
	}).Info("state restored")
	return nil
}

func resolveSelection(cat Catalog, name string, idx int) int {
	if name != "" {
		if i := cat.IndexOf(name); i >= 0 {
			return i
		}
	}
	if idx < 0 || idx >= cat.Len() {
		return 0
	}
	return idx
}
