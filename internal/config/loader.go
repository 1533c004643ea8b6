package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// specKeys is the accepted top-level vocabulary of a spec file. Shorthand keys
// (agent_a, agent_b, dimension) are rewritten before decoding.
var specKeys = map[string]bool{
	"name": true, "agent_a_model": true, "agent_b_model": true,
	"repetitions": true, "max_turns": true, "max_parallel": true,
	"temperature_a": true, "temperature_b": true,
	"custom_prompt": true, "dimensions": true, "prompt_tag": true,
	"first_speaker": true,
	"convergence_threshold": true, "convergence_action": true,
	"convergence_profile": true, "convergence_weights": true,
	"awareness": true, "awareness_a": true, "awareness_b": true,
	"choose_names": true, "allow_truncation": true, "display_mode": true,
	"think": true, "think_budget": true,
}

var shorthandKeys = map[string]string{
	"agent_a": "agent_a_model",
	"agent_b": "agent_b_model",
}

// LoadSpec reads a YAML experiment spec. Unknown top-level keys are rejected
// with a readable error; environment variables in the file are expanded.
func LoadSpec(path string) (*ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec %s: %w", path, err)
	}
	return ParseSpec([]byte(os.ExpandEnv(string(data))))
}

// ParseSpec parses spec YAML bytes. See LoadSpec.
func ParseSpec(data []byte) (*ExperimentConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Rewrite shorthand before key validation so both spellings work.
	for short, full := range shorthandKeys {
		if v, ok := raw[short]; ok {
			if _, dup := raw[full]; dup {
				return nil, fmt.Errorf("spec sets both %q and %q", short, full)
			}
			raw[full] = v
			delete(raw, short)
		}
	}

	// A single scalar dimension is auto-lifted to a list.
	if v, ok := raw["dimension"]; ok {
		if _, dup := raw["dimensions"]; dup {
			return nil, fmt.Errorf(`spec sets both "dimension" and "dimensions"`)
		}
		switch d := v.(type) {
		case string:
			raw["dimensions"] = []any{d}
		case []any:
			raw["dimensions"] = d
		default:
			return nil, fmt.Errorf("dimension must be a string or list, got %T", v)
		}
		delete(raw, "dimension")
	}

	var unknown []string
	for k := range raw {
		if !specKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown spec key(s): %s (accepted: %s)",
			strings.Join(unknown, ", "), strings.Join(sortedSpecKeys(), ", "))
	}

	// Round-trip through YAML to get typed decoding of the cleaned map.
	cleaned, err := yaml.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var cfg ExperimentConfig
	dec := yaml.NewDecoder(strings.NewReader(string(cleaned)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse spec: %w", err)
	}
	return &cfg, nil
}

// WriteFrozen writes the resolved config to the experiment directory. The file
// is the authoritative record of what ran.
func WriteFrozen(path string, cfg *ExperimentConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedSpecKeys() []string {
	keys := make([]string, 0, len(specKeys))
	for k := range specKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
