package metrics

import (
	"strings"
	"testing"
)

func TestNamedProfilesValidate(t *testing.T) {
	for _, name := range []string{"balanced", "structural", "semantic", "strict"} {
		p, err := ProfileByName(name)
		if err != nil {
			t.Errorf("ProfileByName(%q): %v", name, err)
			continue
		}
		if err := p.Validate(); err != nil {
			t.Errorf("profile %q invalid: %v", name, err)
		}
	}
}

func TestProfileByNameDefaultsToBalanced(t *testing.T) {
	p, err := ProfileByName("")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "balanced" {
		t.Errorf("default profile = %q, want balanced", p.Name)
	}
}

func TestProfileByNameUnknown(t *testing.T) {
	_, err := ProfileByName("vibes")
	if err == nil {
		t.Fatal("expected error for unknown profile")
	}
	if !strings.Contains(err.Error(), "balanced") {
		t.Errorf("error should list available profiles: %v", err)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
	}{
		{"sum too high", Profile{Name: "bad", Content: 0.5, Structure: 0.5, Sentence: 0.3}},
		{"sum too low", Profile{Name: "bad", Content: 0.2, Structure: 0.2}},
		{"negative weight", Profile{Name: "bad", Content: 1.2, Structure: -0.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.profile.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestValidateToleratesRounding(t *testing.T) {
	p := Profile{Name: "close", Content: 0.33, Structure: 0.33, Sentence: 0.33, Length: 0.005, Punctuation: 0.0}
	if err := p.Validate(); err != nil {
		t.Errorf("sum 0.995 should pass the 0.01 tolerance: %v", err)
	}
}

func TestCustomProfile(t *testing.T) {
	p, err := CustomProfile(map[string]float64{
		"content":     0.4,
		"structure":   0.3,
		"sentence":    0.1,
		"length":      0.1,
		"punctuation": 0.1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "custom" || p.Content != 0.4 {
		t.Errorf("custom profile mis-built: %+v", p)
	}

	if _, err := CustomProfile(map[string]float64{"sparkle": 1.0}); err == nil {
		t.Error("expected error for unknown weight key")
	}
	if _, err := CustomProfile(map[string]float64{"content": 0.5}); err == nil {
		t.Error("expected error for weights not summing to 1")
	}
}

func TestMimicryIsDirectional(t *testing.T) {
	// B reuses a long run of A's words plus nothing else; A has much more
	// material of its own.
	a := tokenize("the quick brown fox jumps over the lazy dog while nobody watches the garden")
	b := tokenize("the quick brown fox jumps")

	ab := mimicryScore(a, b) // B reusing A's grams: total reuse
	ba := mimicryScore(b, a) // A reusing B's grams: diluted by A's extra grams
	if ab <= ba {
		t.Errorf("mimicry A->B = %v should exceed B->A = %v", ab, ba)
	}
}

func TestPunctuationSimilarity(t *testing.T) {
	if got := punctuationSimilarity("Hi, there. Yes.", "Well, ok. Fine."); got != 1 {
		t.Errorf("identical punctuation mix = %v, want 1", got)
	}
	if got := punctuationSimilarity("no punctuation here", "none here either"); got != 1 {
		t.Errorf("both unpunctuated = %v, want 1", got)
	}
	if got := punctuationSimilarity("lots!!! of!!! bangs!!!", "none at all"); got != 0 {
		t.Errorf("one-sided punctuation = %v, want 0", got)
	}
	if got := punctuationSimilarity("???", "!!!"); got != 0 {
		t.Errorf("disjoint punctuation = %v, want 0", got)
	}
}

func TestRatioSimilarity(t *testing.T) {
	tests := []struct {
		a, b, want float64
	}{
		{0, 0, 1},
		{0, 5, 0},
		{5, 5, 1},
		{2, 4, 0.5},
		{4, 2, 0.5},
	}
	for _, tt := range tests {
		if got := ratioSimilarity(tt.a, tt.b); got != tt.want {
			t.Errorf("ratioSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
