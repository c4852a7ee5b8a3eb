package repositories

import (
	"encoding/json"
	"fmt"

	"github.com/upb/screentime-engine/models"
)

// UsageDocuments holds the JSON-encoded columns of a usage record
type UsageDocuments struct {
	Warnings    []byte
	Thresholds  []byte
	Enforcement []byte // nil when no enforcement is active
}

// EncodeUsageDocuments encodes the list and enforcement fields of state
func EncodeUsageDocuments(state *models.LearnerUsageState) (UsageDocuments, error) {
	var docs UsageDocuments
	warnings := state.ActiveWarnings
	if warnings == nil {
		warnings = []models.Warning{}
	}
	thresholds := state.FiredThresholds
	if thresholds == nil {
		thresholds = []int{}
	}

	var err error
	if docs.Warnings, err = json.Marshal(warnings); err != nil {
		return docs, fmt.Errorf("failed to encode warnings: %w", err)
	}
	if docs.Thresholds, err = json.Marshal(thresholds); err != nil {
		return docs, fmt.Errorf("failed to encode thresholds: %w", err)
	}
	if state.ActiveEnforcement != nil {
		if docs.Enforcement, err = json.Marshal(state.ActiveEnforcement); err != nil {
			return docs, fmt.Errorf("failed to encode enforcement: %w", err)
		}
	}
	return docs, nil
}

// DecodeUsageDocuments fills the list and enforcement fields of state
func DecodeUsageDocuments(state *models.LearnerUsageState, docs UsageDocuments) error {
	state.ActiveWarnings = []models.Warning{}
	state.FiredThresholds = []int{}
	state.ActiveEnforcement = nil

	if len(docs.Warnings) > 0 {
		if err := json.Unmarshal(docs.Warnings, &state.ActiveWarnings); err != nil {
			return fmt.Errorf("failed to decode warnings: %w", err)
		}
	}
	if len(docs.Thresholds) > 0 {
		if err := json.Unmarshal(docs.Thresholds, &state.FiredThresholds); err != nil {
			return fmt.Errorf("failed to decode thresholds: %w", err)
		}
	}
	if len(docs.Enforcement) > 0 && string(docs.Enforcement) != "null" {
		state.ActiveEnforcement = &models.EnforcementAction{}
		if err := json.Unmarshal(docs.Enforcement, state.ActiveEnforcement); err != nil {
			return fmt.Errorf("failed to decode enforcement: %w", err)
		}
	}
	return nil
}
