package config

import (
	"errors"
	"testing"
)

func resolved(mutate func(*ExperimentConfig)) *ExperimentConfig {
	cfg := &ExperimentConfig{
		Name:        "test",
		AgentAModel: "test",
		AgentBModel: "test",
	}
	if mutate != nil {
		mutate(cfg)
	}
	Resolve(cfg)
	return cfg
}

func TestResolveDefaults(t *testing.T) {
	cfg := resolved(nil)

	if cfg.Repetitions != 1 {
		t.Errorf("repetitions = %d, want 1", cfg.Repetitions)
	}
	if cfg.MaxParallel != 1 {
		t.Errorf("max_parallel = %d, want 1", cfg.MaxParallel)
	}
	if cfg.FirstSpeaker != AgentA {
		t.Errorf("first_speaker = %s, want agent_a", cfg.FirstSpeaker)
	}
	if cfg.Awareness != AwarenessBasic {
		t.Errorf("awareness = %s, want basic", cfg.Awareness)
	}
	if cfg.ConvergenceProfile != "balanced" {
		t.Errorf("convergence_profile = %s, want balanced", cfg.ConvergenceProfile)
	}
	if cfg.MaxTurns == nil || *cfg.MaxTurns != 10 {
		t.Errorf("max_turns = %v, want 10", cfg.MaxTurns)
	}
	// Test models never get a smart threshold.
	if cfg.ConvergenceThreshold != nil {
		t.Errorf("convergence_threshold = %v, want nil", *cfg.ConvergenceThreshold)
	}
}

func TestResolveKeepsExplicitZeroMaxTurns(t *testing.T) {
	zero := 0
	cfg := resolved(func(c *ExperimentConfig) { c.MaxTurns = &zero })
	if cfg.MaxTurns == nil || *cfg.MaxTurns != 0 {
		t.Fatalf("max_turns = %v, want explicit 0 preserved", cfg.MaxTurns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("max_turns 0 rejected: %v", err)
	}
}

func TestResolveRandomFirstSpeakerFreezes(t *testing.T) {
	cfg := resolved(func(c *ExperimentConfig) { c.FirstSpeaker = "random" })
	if cfg.FirstSpeaker != AgentA && cfg.FirstSpeaker != AgentB {
		t.Fatalf("first_speaker = %q, want agent_a or agent_b", cfg.FirstSpeaker)
	}
}

func TestResolveSmartThreshold(t *testing.T) {
	cfg := resolved(func(c *ExperimentConfig) {
		c.AgentAModel = "claude-sonnet-4-20250514"
		c.AgentBModel = "gpt-4o"
	})
	if cfg.ConvergenceThreshold == nil {
		t.Fatal("expected smart threshold for claude/gpt pair")
	}
	if *cfg.ConvergenceThreshold != 0.85 {
		t.Errorf("threshold = %v, want 0.85", *cfg.ConvergenceThreshold)
	}
	if cfg.ConvergenceAction != ConvergenceWarn {
		t.Errorf("action = %s, want warn for smart default", cfg.ConvergenceAction)
	}
}

func TestResolveThresholdDefaultsActionToStop(t *testing.T) {
	th := 0.75
	cfg := resolved(func(c *ExperimentConfig) { c.ConvergenceThreshold = &th })
	if cfg.ConvergenceAction != ConvergenceStop {
		t.Errorf("action = %s, want stop", cfg.ConvergenceAction)
	}
}

func TestValidate(t *testing.T) {
	bad := -0.5
	budget := 0

	tests := []struct {
		name   string
		mutate func(*ExperimentConfig)
		field  string
	}{
		{"missing model", func(c *ExperimentConfig) { c.AgentAModel = "" }, "agent_a_model"},
		{"zero repetitions", func(c *ExperimentConfig) { c.Repetitions = -1 }, "repetitions"},
		{"negative turns", func(c *ExperimentConfig) { n := -1; c.MaxTurns = &n }, "max_turns"},
		{"bad first speaker", func(c *ExperimentConfig) { c.FirstSpeaker = "agent_c" }, "first_speaker"},
		{"threshold out of range", func(c *ExperimentConfig) { c.ConvergenceThreshold = &bad }, "convergence_threshold"},
		{"bad action", func(c *ExperimentConfig) { c.ConvergenceAction = "pause" }, "convergence_action"},
		{"bad awareness", func(c *ExperimentConfig) { c.Awareness = "full" }, "awareness"},
		{"bad awareness override", func(c *ExperimentConfig) { c.AwarenessB = "mystery" }, "awareness_b"},
		{"bad display", func(c *ExperimentConfig) { c.DisplayMode = "fancy" }, "display_mode"},
		{"zero think budget", func(c *ExperimentConfig) { c.ThinkBudget = &budget }, "think_budget"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := resolved(tt.mutate)
			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %s, want %s", verr.Field, tt.field)
			}
		})
	}

	if err := resolved(nil).Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestAwarenessFor(t *testing.T) {
	cfg := resolved(func(c *ExperimentConfig) {
		c.Awareness = AwarenessFirm
		c.AwarenessB = AwarenessNone
	})
	if got := cfg.AwarenessFor(AgentA); got != AwarenessFirm {
		t.Errorf("agent_a awareness = %s, want firm", got)
	}
	if got := cfg.AwarenessFor(AgentB); got != AwarenessNone {
		t.Errorf("agent_b awareness = %s, want none", got)
	}
}
