package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Conversation status values.
const (
	ConvCreated     = "created"
	ConvRunning     = "running"
	ConvCompleted   = "completed"
	ConvFailed      = "failed"
	ConvInterrupted = "interrupted"
)

// ConversationState is the denormalized state.json sidecar, rewritten
// atomically after every turn so monitors can poll without re-scanning the
// event log. The log remains the authority; this file is derived.
type ConversationState struct {
	ConversationID    string    `json:"conversation_id"`
	ExperimentID      string    `json:"experiment_id"`
	AgentAModel       string    `json:"agent_a_model"`
	AgentBModel       string    `json:"agent_b_model"`
	Status            string    `json:"status"`
	StartedAt         time.Time `json:"started_at"`
	EndedAt           time.Time `json:"ended_at,omitzero"`
	TotalTurns        int       `json:"total_turns"`
	LastConvergence   float64   `json:"last_convergence"`
	ConvergenceReason string    `json:"convergence_reason,omitempty"`
	ChosenNameA       string    `json:"chosen_name_a,omitempty"`
	ChosenNameB       string    `json:"chosen_name_b,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// WriteJSON writes v to path atomically: marshal, write to a temp file in the
// same directory, fsync, rename over the target.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// ReadJSON reads path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
