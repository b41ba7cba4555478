package message

import "fmt"

// FeatureAttributes describes the features a device exposes for one command
// kind.
type FeatureAttributes struct {
	FeatureCount uint32   `yaml:"feature_count" json:"feature_count"`
	StepCount    []uint32 `yaml:"step_count" json:"step_count"`
}

// Validate checks that every declared feature has a resolution of at least one
// step.
func (a FeatureAttributes) Validate() error {
	if a.FeatureCount == 0 {
		return fmt.Errorf("feature_count must be at least 1")
	}
	if uint32(len(a.StepCount)) != a.FeatureCount {
		return fmt.Errorf("step_count has %d entries, want %d", len(a.StepCount), a.FeatureCount)
	}
	for i, s := range a.StepCount {
		if s < 1 {
			return fmt.Errorf("step_count[%d] must be at least 1", i)
		}
	}
	return nil
}

// AttributeMap holds the feature attributes of a device per command kind.
type AttributeMap map[Kind]FeatureAttributes

// FeatureCount returns the number of features for a kind, 0 when the device
// does not support it.
func (m AttributeMap) FeatureCount(k Kind) uint32 {
	if a, ok := m[k]; ok {
		return a.FeatureCount
	}
	return 0
}

// Clone returns a deep copy.
func (m AttributeMap) Clone() AttributeMap {
	out := make(AttributeMap, len(m))
	for k, a := range m {
		out[k] = FeatureAttributes{
			FeatureCount: a.FeatureCount,
			StepCount:    append([]uint32(nil), a.StepCount...),
		}
	}
	return out
}
