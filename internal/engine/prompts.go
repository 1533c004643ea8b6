package engine

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/pidginlab/pidgin/internal/config"
)

// System prompts are composed from four slots: base identity, awareness
// clause, naming clause, and the researcher prompt tag.

const baseIdentity = "You are a conversational AI agent taking part in an extended dialogue. " +
	"Respond naturally to your conversation partner."

const awarenessBasic = "You are in conversation with another AI assistant."

const awarenessFirm = awarenessBasic + " Both parties in this conversation are AI " +
	"language models. Do not role-play as a human or claim human experiences."

const awarenessResearch = awarenessFirm + " This conversation is part of a research " +
	"study on multi-agent dialogue; converse as you normally would."

const namingClause = "At the start of the conversation you may be asked to choose a " +
	"short name for yourself."

// SystemPrompt composes the system prompt for one agent from the experiment
// configuration.
func SystemPrompt(cfg *config.ExperimentConfig, agentID string) string {
	parts := []string{baseIdentity}
	switch cfg.AwarenessFor(agentID) {
	case config.AwarenessBasic:
		parts = append(parts, awarenessBasic)
	case config.AwarenessFirm:
		parts = append(parts, awarenessFirm)
	case config.AwarenessResearch:
		parts = append(parts, awarenessResearch)
	}
	if cfg.ChooseNames {
		parts = append(parts, namingClause)
	}
	if cfg.PromptTag != "" {
		parts = append(parts, cfg.PromptTag)
	}
	return strings.Join(parts, "\n\n")
}

// InitialMessage returns the seed message for the first speaker: the custom
// prompt verbatim, a dimension-generated prompt, or "Hello". A non-empty
// prompt tag is prepended to this message only.
func InitialMessage(cfg *config.ExperimentConfig) string {
	msg := "Hello"
	switch {
	case cfg.CustomPrompt != "":
		msg = cfg.CustomPrompt
	case len(cfg.Dimensions) > 0:
		msg = dimensionPrompt(cfg.Dimensions)
	}
	if cfg.PromptTag != "" {
		msg = cfg.PromptTag + " " + msg
	}
	return msg
}

// dimensionPrompt deterministically maps a dimension specification to an
// opening prompt. Unknown dimensions fall through to a generic opener that
// still names them, so a config replay always yields the same seed.
func dimensionPrompt(dimensions []string) string {
	openers := map[string]string{
		"peers":         "I'm looking forward to talking with a peer. What's on your mind today?",
		"debate":        "Let's have a friendly debate. Pick a position on a topic you find interesting and defend it.",
		"interview":     "I'd like to interview you. To start: how would you describe the way you approach problems?",
		"collaboration": "Let's collaborate on an idea together. What's something we could design or improve?",
	}
	parts := make([]string, 0, len(dimensions))
	for _, d := range dimensions {
		if opener, ok := openers[strings.ToLower(strings.TrimSpace(d))]; ok {
			parts = append(parts, opener)
		} else {
			parts = append(parts, fmt.Sprintf("Let's talk about %s.", strings.TrimSpace(d)))
		}
	}
	return strings.Join(parts, " ")
}

// namePrompt is the one-shot request used by the choose-names sub-protocol.
const namePrompt = "Please choose a short name for yourself for this conversation. " +
	"Reply with just the name."

// ParseChosenName extracts a usable self-name from a raw name-selection
// response: the first non-empty token, truncated to 32 characters, restricted
// to alphanumerics, spaces, and hyphens. Returns "" when nothing usable
// remains; a failed name choice never fails the conversation.
func ParseChosenName(response string) string {
	line := strings.TrimSpace(response)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range fields[0] {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			b.WriteRune(r)
		}
	}
	name := []rune(b.String())
	if len(name) > 32 {
		name = name[:32]
	}
	return string(name)
}
