package metrics

import (
	"fmt"
	"math"
	"sort"
	"unicode"
)

// ConvergenceMetrics holds the between-agent similarity measures for one turn.
type ConvergenceMetrics struct {
	// VocabularyOverlap is the Jaccard index of the two current messages'
	// token sets.
	VocabularyOverlap float64 `json:"vocabulary_overlap"`
	// CumulativeOverlap is the Jaccard index of the agents' cumulative
	// vocabularies including this turn.
	CumulativeOverlap float64 `json:"cumulative_overlap"`
	// CrossRepetition measures shared bigrams and trigrams between the
	// two current messages.
	CrossRepetition float64 `json:"cross_repetition"`
	// StructuralSimilarity combines sentence-count ratio and punctuation
	// distribution similarity.
	StructuralSimilarity float64 `json:"structural_similarity"`
	// MimicryAB scores how much agent B's current message reuses agent A's
	// n-grams; MimicryBA is the reverse direction.
	MimicryAB float64 `json:"mimicry_a_to_b"`
	MimicryBA float64 `json:"mimicry_b_to_a"`

	LengthRatio       float64 `json:"length_ratio"`
	LengthConvergence float64 `json:"length_convergence"`

	// Overall is the weighted score the engine's stopping rule consumes.
	Overall float64 `json:"overall"`
}

func (c *Calculator) convergence(ma, mb AgentMetrics, textA, textB string, tokensA, tokensB []string) ConvergenceMetrics {
	m := ConvergenceMetrics{
		VocabularyOverlap:    jaccard(tokenSet(tokensA), tokenSet(tokensB)),
		CumulativeOverlap:    c.overlap.score(),
		CrossRepetition:      crossRepetition(tokensA, tokensB),
		StructuralSimilarity: structuralSimilarity(ma, mb, textA, textB),
		MimicryAB:            mimicryScore(tokensA, tokensB),
		MimicryBA:            mimicryScore(tokensB, tokensA),
	}

	if ma.CharLength > 0 && mb.CharLength > 0 {
		m.LengthRatio = float64(ma.CharLength) / float64(mb.CharLength)
		m.LengthConvergence = clamp01(1 - math.Abs(m.LengthRatio-1))
	}

	m.Overall = c.profile.score(components{
		content:     m.VocabularyOverlap,
		structure:   m.StructuralSimilarity,
		sentence:    ratioSimilarity(ma.AvgSentenceLength, mb.AvgSentenceLength),
		length:      m.LengthConvergence,
		punctuation: punctuationSimilarity(textA, textB),
	})
	return m
}

func tokenSet(tokens []string) map[string]struct{} {
	s := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		s[t] = struct{}{}
	}
	return s
}

// crossRepetition averages the shared-fraction of distinct bigrams and
// trigrams between the two messages.
func crossRepetition(tokensA, tokensB []string) float64 {
	sum, terms := 0.0, 0
	for _, n := range []int{2, 3} {
		ga, gb := ngrams(tokensA, n), ngrams(tokensB, n)
		if len(ga) == 0 || len(gb) == 0 {
			continue
		}
		smaller := len(ga)
		if len(gb) < smaller {
			smaller = len(gb)
		}
		sum += float64(overlapCount(ga, gb)) / float64(smaller)
		terms++
	}
	if terms == 0 {
		return 0
	}
	return sum / float64(terms)
}

// mimicryScore measures how much dst reuses src's n-grams, weighting longer
// grams more: sum over n=2..5 of (n/14) * shared/|dst grams|.
func mimicryScore(src, dst []string) float64 {
	score := 0.0
	for n := 2; n <= 5; n++ {
		gs, gd := ngrams(src, n), ngrams(dst, n)
		if len(gd) == 0 {
			continue
		}
		score += float64(n) / 14.0 * float64(overlapCount(gs, gd)) / float64(len(gd))
	}
	return clamp01(score)
}

func structuralSimilarity(ma, mb AgentMetrics, textA, textB string) float64 {
	return 0.5*ratioSimilarity(float64(ma.SentenceCount), float64(mb.SentenceCount)) +
		0.5*punctuationSimilarity(textA, textB)
}

// punctuationSimilarity compares punctuation frequency distributions as
// 1 minus half the total variation distance. Identical distributions score 1;
// disjoint ones score 0.
func punctuationSimilarity(textA, textB string) float64 {
	da, na := punctDist(textA)
	db, nb := punctDist(textB)
	if na == 0 && nb == 0 {
		return 1
	}
	if na == 0 || nb == 0 {
		return 0
	}
	marks := make(map[rune]struct{}, len(da)+len(db))
	for r := range da {
		marks[r] = struct{}{}
	}
	for r := range db {
		marks[r] = struct{}{}
	}
	ordered := make([]rune, 0, len(marks))
	for r := range marks {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	dist := 0.0
	for _, r := range ordered {
		pa := float64(da[r]) / float64(na)
		pb := float64(db[r]) / float64(nb)
		dist += math.Abs(pa - pb)
	}
	return clamp01(1 - dist/2)
}

func punctDist(text string) (map[rune]int, int) {
	dist := make(map[rune]int)
	total := 0
	for _, r := range text {
		if unicode.IsPunct(r) {
			dist[r]++
			total++
		}
	}
	return dist, total
}

// ratioSimilarity is min/max of two non-negative values; 1 when equal and
// non-zero, 0 when only one is zero, 1 when both are zero.
func ratioSimilarity(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return a / b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type components struct {
	content     float64
	structure   float64
	sentence    float64
	length      float64
	punctuation float64
}

// Profile is a named set of convergence component weights.
type Profile struct {
	Name        string  `json:"name" yaml:"name"`
	Content     float64 `json:"content" yaml:"content"`
	Structure   float64 `json:"structure" yaml:"structure"`
	Sentence    float64 `json:"sentence" yaml:"sentence"`
	Length      float64 `json:"length" yaml:"length"`
	Punctuation float64 `json:"punctuation" yaml:"punctuation"`
}

func (p Profile) score(c components) float64 {
	return clamp01(p.Content*c.content +
		p.Structure*c.structure +
		p.Sentence*c.sentence +
		p.Length*c.length +
		p.Punctuation*c.punctuation)
}

// Validate checks the profile invariant: non-negative weights summing to 1.0
// within a 0.01 tolerance. Invalid weights are a configuration error and are
// never normalized silently.
func (p Profile) Validate() error {
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"content", p.Content},
		{"structure", p.Structure},
		{"sentence", p.Sentence},
		{"length", p.Length},
		{"punctuation", p.Punctuation},
	} {
		if w.value < 0 {
			return fmt.Errorf("convergence profile %q: weight %s is negative (%v)", p.Name, w.name, w.value)
		}
	}
	sum := p.Content + p.Structure + p.Sentence + p.Length + p.Punctuation
	if math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("convergence profile %q: weights sum to %.3f, want 1.0 within 0.01", p.Name, sum)
	}
	return nil
}

var namedProfiles = map[string]Profile{
	"balanced":   {Name: "balanced", Content: 0.25, Structure: 0.25, Sentence: 0.20, Length: 0.15, Punctuation: 0.15},
	"structural": {Name: "structural", Content: 0.10, Structure: 0.40, Sentence: 0.30, Length: 0.10, Punctuation: 0.10},
	"semantic":   {Name: "semantic", Content: 0.50, Structure: 0.10, Sentence: 0.10, Length: 0.15, Punctuation: 0.15},
	"strict":     {Name: "strict", Content: 0.30, Structure: 0.25, Sentence: 0.25, Length: 0.10, Punctuation: 0.10},
}

// ProfileByName returns a built-in weight profile.
func ProfileByName(name string) (Profile, error) {
	if name == "" {
		name = "balanced"
	}
	p, ok := namedProfiles[name]
	if !ok {
		names := make([]string, 0, len(namedProfiles))
		for n := range namedProfiles {
			names = append(names, n)
		}
		sort.Strings(names)
		return Profile{}, fmt.Errorf("unknown convergence profile %q (available: %v)", name, names)
	}
	return p, nil
}

// CustomProfile builds a profile from user-supplied weights and validates it.
func CustomProfile(weights map[string]float64) (Profile, error) {
	p := Profile{Name: "custom"}
	for key, w := range weights {
		switch key {
		case "content":
			p.Content = w
		case "structure":
			p.Structure = w
		case "sentence":
			p.Sentence = w
		case "length":
			p.Length = w
		case "punctuation":
			p.Punctuation = w
		default:
			return Profile{}, fmt.Errorf("unknown convergence weight %q (accepted: content, structure, sentence, length, punctuation)", key)
		}
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}
