// Package experiment implements the scheduler daemon: experiment directory
// layout, the atomic manifest, the PID file, and the worker pool that fans one
// configuration into N conversations.
package experiment

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pidginlab/pidgin/internal/config"
	"github.com/pidginlab/pidgin/internal/events"
)

// Experiment status values.
const (
	StatusCreated               = "created"
	StatusRunning               = "running"
	StatusCompleted             = "completed"
	StatusCompletedWithFailures = "completed_with_failures"
	StatusFailed                = "failed"
	StatusInterrupted           = "interrupted"
)

// Terminal reports whether an experiment status is final.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCompletedWithFailures, StatusFailed, StatusInterrupted:
		return true
	}
	return false
}

// Manifest is the experiment's manifest.json, rewritten atomically on every
// progress change.
type Manifest struct {
	ExperimentID           string    `json:"experiment_id"`
	Name                   string    `json:"name"`
	Status                 string    `json:"status"`
	TotalConversations     int       `json:"total_conversations"`
	CompletedConversations int       `json:"completed_conversations"`
	FailedConversations    int       `json:"failed_conversations"`
	CreatedAt              time.Time `json:"created_at"`
	StartedAt              time.Time `json:"started_at,omitzero"`
	EndedAt                time.Time `json:"ended_at,omitzero"`
	ConfigDigest           string    `json:"config_digest"`
}

// Well-known file names inside an experiment directory.
const (
	ConfigFile   = "config.yaml"
	ManifestFile = "manifest.json"
	PIDFile      = "daemon.pid"
	EventsFile   = "events.jsonl"
	DaemonLog    = "daemon.log"
	StateFile    = "state.json"
)

// DefaultOutputRoot resolves the output root: $PIDGIN_OUTPUT_ROOT or
// ./pidgin_output.
func DefaultOutputRoot() string {
	if root := os.Getenv("PIDGIN_OUTPUT_ROOT"); root != "" {
		return root
	}
	return "pidgin_output"
}

// ExperimentsDir returns <root>/experiments.
func ExperimentsDir(root string) string {
	return filepath.Join(root, "experiments")
}

// Dir returns the directory of one experiment.
func Dir(root, experimentID string) string {
	return filepath.Join(ExperimentsDir(root), experimentID)
}

// ConversationsDir returns the conversations directory of an experiment.
func ConversationsDir(experimentDir string) string {
	return filepath.Join(experimentDir, "conversations")
}

// NewID returns a fresh experiment identifier.
func NewID() string {
	return "exp-" + uuid.NewString()[:8]
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string {
	return "conv-" + uuid.NewString()[:8]
}

// Prepare creates the experiment directory, freezes the configuration to
// config.yaml, and writes the initial manifest in status created. The returned
// directory is owned by the scheduler from here on.
func Prepare(root string, cfg *config.ExperimentConfig) (experimentID, dir string, err error) {
	experimentID = NewID()
	dir = Dir(root, experimentID)
	if err := os.MkdirAll(ConversationsDir(dir), 0o755); err != nil {
		return "", "", fmt.Errorf("create experiment directory: %w", err)
	}

	configPath := filepath.Join(dir, ConfigFile)
	if err := config.WriteFrozen(configPath, cfg); err != nil {
		return "", "", err
	}
	digest, err := DigestFile(configPath)
	if err != nil {
		return "", "", err
	}

	m := Manifest{
		ExperimentID:       experimentID,
		Name:               cfg.Name,
		Status:             StatusCreated,
		TotalConversations: cfg.Repetitions,
		CreatedAt:          time.Now().UTC(),
		ConfigDigest:       digest,
	}
	if err := events.WriteJSON(filepath.Join(dir, ManifestFile), m); err != nil {
		return "", "", fmt.Errorf("write initial manifest: %w", err)
	}
	return experimentID, dir, nil
}

// DigestFile returns the hex sha256 of a file's contents.
func DigestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", filepath.Base(path), err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// LoadManifest reads an experiment's manifest.json.
func LoadManifest(experimentDir string) (Manifest, error) {
	var m Manifest
	err := events.ReadJSON(filepath.Join(experimentDir, ManifestFile), &m)
	return m, err
}
