package domain

import (
	"encoding/json"
	"fmt"
)

// Stage names one of the fixed, ordered workflow phases.
type Stage string

const (
	StageIdeaCheck     Stage = "idea_check"
	StageMarketReality Stage = "market_reality"
	StageBuildPlan     Stage = "build_plan"
	StageLaunchPlan    Stage = "launch_plan"
	StageDecision      Stage = "decision"
)

// StageOrder is the total order of stages. Upstream stages come first.
var StageOrder = []Stage{
	StageIdeaCheck,
	StageMarketReality,
	StageBuildPlan,
	StageLaunchPlan,
	StageDecision,
}

// Index returns the stage position in StageOrder, or -1 when unknown.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool { return s.Index() >= 0 }

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("invalid stage %q", name)
	}
	return s, nil
}

type StageStatus string

const (
	StatusDraft    StageStatus = "draft"
	StatusLocked   StageStatus = "locked"
	StatusOutdated StageStatus = "outdated"
)

func (s StageStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusLocked, StatusOutdated:
		return true
	}
	return false
}

// StageStatusMap maps every stage to its status. Use Normalize before reading
// so all five keys are present.
type StageStatusMap map[Stage]StageStatus

// NewStageStatusMap returns a map with every stage in draft.
func NewStageStatusMap() StageStatusMap {
	m := make(StageStatusMap, len(StageOrder))
	for _, s := range StageOrder {
		m[s] = StatusDraft
	}
	return m
}

// Normalize returns a copy holding exactly the known stages; missing or
// unrecognized statuses default to draft.
func (m StageStatusMap) Normalize() StageStatusMap {
	out := make(StageStatusMap, len(StageOrder))
	for _, s := range StageOrder {
		st, ok := m[s]
		if !ok || !st.Valid() {
			st = StatusDraft
		}
		out[s] = st
	}
	return out
}

// Clone copies the map.
func (m StageStatusMap) Clone() StageStatusMap {
	out := make(StageStatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal reports whether both maps hold the same status for every stage.
func (m StageStatusMap) Equal(other StageStatusMap) bool {
	a, b := m.Normalize(), other.Normalize()
	for _, s := range StageOrder {
		if a[s] != b[s] {
			return false
		}
	}
	return true
}

// Downstream returns the stages strictly after s.
func Downstream(s Stage) []Stage {
	idx := s.Index()
	if idx < 0 {
		return nil
	}
	return append([]Stage(nil), StageOrder[idx+1:]...)
}

// Upstream returns the stages strictly before s.
func Upstream(s Stage) []Stage {
	idx := s.Index()
	if idx < 0 {
		return nil
	}
	return append([]Stage(nil), StageOrder[:idx]...)
}

func (m StageStatusMap) MarshalJSON() ([]byte, error) {
	plain := make(map[string]string, len(m))
	for k, v := range m {
		plain[string(k)] = string(v)
	}
	return json.Marshal(plain)
}

func (m *StageStatusMap) UnmarshalJSON(data []byte) error {
	var plain map[string]string
	if err := json.Unmarshal(data, &plain); err != nil {
		return err
	}
	out := make(StageStatusMap, len(plain))
	for k, v := range plain {
		out[Stage(k)] = StageStatus(v)
	}
	*m = out
	return nil
}
