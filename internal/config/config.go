// Package config defines the experiment configuration, its YAML spec loader,
// and the resolver that freezes provider-aware defaults before launch.
package config

import (
	"fmt"
	"strings"
)

// Agent role tags.
const (
	AgentA = "agent_a"
	AgentB = "agent_b"
)

// Awareness levels control what each agent is told about its counterpart.
const (
	AwarenessNone     = "none"
	AwarenessBasic    = "basic"
	AwarenessFirm     = "firm"
	AwarenessResearch = "research"
)

// Convergence actions.
const (
	ConvergenceStop = "stop"
	ConvergenceWarn = "warn"
)

// Display modes for the attaching reader process. The scheduler itself is
// oblivious to display.
const (
	DisplayChat  = "chat"
	DisplayTail  = "tail"
	DisplayQuiet = "quiet"
	DisplayNone  = "none"
)

// ExperimentConfig is the frozen configuration for one experiment. All
// repetitions share it; the resolver fills defaults before it is written to
// the experiment directory as config.yaml.
type ExperimentConfig struct {
	Name        string `yaml:"name" json:"name"`
	AgentAModel string `yaml:"agent_a_model" json:"agent_a_model"`
	AgentBModel string `yaml:"agent_b_model" json:"agent_b_model"`

	Repetitions int `yaml:"repetitions" json:"repetitions"`
	MaxParallel int `yaml:"max_parallel" json:"max_parallel"`

	// MaxTurns is a pointer so an explicit 0 (run until convergence or
	// interruption) is distinguishable from an unset field.
	MaxTurns *int `yaml:"max_turns" json:"max_turns"`

	TemperatureA *float64 `yaml:"temperature_a,omitempty" json:"temperature_a,omitempty"`
	TemperatureB *float64 `yaml:"temperature_b,omitempty" json:"temperature_b,omitempty"`

	CustomPrompt string   `yaml:"custom_prompt,omitempty" json:"custom_prompt,omitempty"`
	Dimensions   []string `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	PromptTag    string   `yaml:"prompt_tag,omitempty" json:"prompt_tag,omitempty"`

	FirstSpeaker string `yaml:"first_speaker" json:"first_speaker"`

	ConvergenceThreshold *float64 `yaml:"convergence_threshold,omitempty" json:"convergence_threshold,omitempty"`
	ConvergenceAction    string   `yaml:"convergence_action,omitempty" json:"convergence_action,omitempty"`
	ConvergenceProfile   string   `yaml:"convergence_profile,omitempty" json:"convergence_profile,omitempty"`

	// CustomWeights is only consulted when ConvergenceProfile is "custom".
	CustomWeights map[string]float64 `yaml:"convergence_weights,omitempty" json:"convergence_weights,omitempty"`

	Awareness  string `yaml:"awareness" json:"awareness"`
	AwarenessA string `yaml:"awareness_a,omitempty" json:"awareness_a,omitempty"`
	AwarenessB string `yaml:"awareness_b,omitempty" json:"awareness_b,omitempty"`

	ChooseNames     bool `yaml:"choose_names" json:"choose_names"`
	AllowTruncation bool `yaml:"allow_truncation" json:"allow_truncation"`

	DisplayMode string `yaml:"display_mode" json:"display_mode"`

	Think       bool `yaml:"think" json:"think"`
	ThinkBudget *int `yaml:"think_budget,omitempty" json:"think_budget,omitempty"`
}

// ValidationError reports an invalid field with the accepted values so the CLI
// can print it and exit 2.
type ValidationError struct {
	Field    string
	Value    any
	Accepted string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v (accepted: %s)", e.Field, e.Value, e.Accepted)
}

// Validate checks a resolved configuration. Called after Resolve; the resolver
// fills defaults, so missing optional fields are not errors here.
func (c *ExperimentConfig) Validate() error {
	if strings.TrimSpace(c.AgentAModel) == "" {
		return &ValidationError{Field: "agent_a_model", Value: c.AgentAModel, Accepted: "a non-empty model identifier"}
	}
	if strings.TrimSpace(c.AgentBModel) == "" {
		return &ValidationError{Field: "agent_b_model", Value: c.AgentBModel, Accepted: "a non-empty model identifier"}
	}
	if c.Repetitions < 1 {
		return &ValidationError{Field: "repetitions", Value: c.Repetitions, Accepted: ">= 1"}
	}
	if c.MaxTurns != nil && *c.MaxTurns < 0 {
		return &ValidationError{Field: "max_turns", Value: *c.MaxTurns, Accepted: ">= 0"}
	}
	if c.MaxParallel < 1 {
		return &ValidationError{Field: "max_parallel", Value: c.MaxParallel, Accepted: ">= 1"}
	}
	if c.FirstSpeaker != AgentA && c.FirstSpeaker != AgentB {
		return &ValidationError{Field: "first_speaker", Value: c.FirstSpeaker, Accepted: "agent_a | agent_b | random"}
	}
	if c.ConvergenceThreshold != nil {
		if t := *c.ConvergenceThreshold; t < 0 || t > 1 {
			return &ValidationError{Field: "convergence_threshold", Value: t, Accepted: "[0, 1]"}
		}
	}
	if c.ConvergenceAction != "" && c.ConvergenceAction != ConvergenceStop && c.ConvergenceAction != ConvergenceWarn {
		return &ValidationError{Field: "convergence_action", Value: c.ConvergenceAction, Accepted: "stop | warn"}
	}
	for field, level := range map[string]string{
		"awareness":   c.Awareness,
		"awareness_a": c.AwarenessA,
		"awareness_b": c.AwarenessB,
	} {
		if level == "" && field != "awareness" {
			continue
		}
		if !validAwareness(level) {
			return &ValidationError{Field: field, Value: level, Accepted: "none | basic | firm | research"}
		}
	}
	switch c.DisplayMode {
	case DisplayChat, DisplayTail, DisplayQuiet, DisplayNone:
	default:
		return &ValidationError{Field: "display_mode", Value: c.DisplayMode, Accepted: "chat | tail | quiet | none"}
	}
	if c.ThinkBudget != nil && *c.ThinkBudget <= 0 {
		return &ValidationError{Field: "think_budget", Value: *c.ThinkBudget, Accepted: "> 0"}
	}
	return nil
}

func validAwareness(level string) bool {
	switch level {
	case AwarenessNone, AwarenessBasic, AwarenessFirm, AwarenessResearch:
		return true
	}
	return false
}

// AwarenessFor returns the effective awareness level for an agent, honoring
// the per-agent overrides.
func (c *ExperimentConfig) AwarenessFor(agentID string) string {
	if agentID == AgentA && c.AwarenessA != "" {
		return c.AwarenessA
	}
	if agentID == AgentB && c.AwarenessB != "" {
		return c.AwarenessB
	}
	return c.Awareness
}

// TemperatureFor returns the configured temperature for an agent, or nil when
// the provider default should apply.
func (c *ExperimentConfig) TemperatureFor(agentID string) *float64 {
	if agentID == AgentA {
		return c.TemperatureA
	}
	return c.TemperatureB
}

// ModelFor returns the model for an agent role.
func (c *ExperimentConfig) ModelFor(agentID string) string {
	if agentID == AgentA {
		return c.AgentAModel
	}
	return c.AgentBModel
}

// OtherAgent returns the counterpart role tag.
func OtherAgent(agentID string) string {
	if agentID == AgentA {
		return AgentB
	}
	return AgentA
}
