package config

import (
	"math/rand"
	"strings"
)

// Model families with known conversational drift get a tighter default
// convergence threshold; the rest run open-ended unless the spec sets one.
var smartThresholds = map[string]float64{
	"claude": 0.85,
	"gpt":    0.85,
	"gemini": 0.85,
	"grok":   0.85,
}

// Resolve fills defaults in place and freezes run-once decisions (notably
// first_speaker: random). It must be called exactly once, before the config is
// written to the experiment directory.
func Resolve(c *ExperimentConfig) {
	if c.Name == "" {
		c.Name = "experiment"
	}
	if c.Repetitions == 0 {
		c.Repetitions = 1
	}
	if c.MaxTurns == nil {
		turns := 10
		c.MaxTurns = &turns
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 1
	}
	if c.Awareness == "" {
		c.Awareness = AwarenessBasic
	}
	if c.DisplayMode == "" {
		c.DisplayMode = DisplayNone
	}
	if c.ConvergenceProfile == "" {
		c.ConvergenceProfile = "balanced"
	}

	switch c.FirstSpeaker {
	case "":
		c.FirstSpeaker = AgentA
	case "random":
		// Resolved once so every repetition shares the same first speaker.
		if rand.Intn(2) == 0 { // #nosec G404 -- experiment setup, not security
			c.FirstSpeaker = AgentA
		} else {
			c.FirstSpeaker = AgentB
		}
	}

	if c.ConvergenceThreshold == nil {
		if t, ok := smartThreshold(c.AgentAModel, c.AgentBModel); ok {
			c.ConvergenceThreshold = &t
			if c.ConvergenceAction == "" {
				c.ConvergenceAction = ConvergenceWarn
			}
		}
	}
	if c.ConvergenceThreshold != nil && c.ConvergenceAction == "" {
		c.ConvergenceAction = ConvergenceStop
	}
}

// smartThreshold returns a default threshold when both models belong to a
// family with a known value. Test and silent models never get one: those runs
// are usually about exercising the machinery, not stopping it early.
func smartThreshold(modelA, modelB string) (float64, bool) {
	tA, okA := familyThreshold(modelA)
	tB, okB := familyThreshold(modelB)
	if !okA || !okB {
		return 0, false
	}
	if tB < tA {
		return tB, true
	}
	return tA, true
}

func familyThreshold(model string) (float64, bool) {
	m := strings.ToLower(model)
	for family, t := range smartThresholds {
		if strings.HasPrefix(m, family) {
			return t, true
		}
	}
	return 0, false
}
