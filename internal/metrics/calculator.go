package metrics

import (
	"math"
	"strings"
	"unicode"
)

// AgentMetrics is the flat per-agent feature record for one turn.
type AgentMetrics struct {
	CharLength     int `json:"char_length"`
	WordCount      int `json:"word_count"`
	SentenceCount  int `json:"sentence_count"`
	ParagraphCount int `json:"paragraph_count"`

	VocabularySize    int     `json:"vocabulary_size"`
	TypeTokenRatio    float64 `json:"type_token_ratio"`
	HapaxRatio        float64 `json:"hapax_ratio"`
	LexicalDiversity  float64 `json:"lexical_diversity"`
	AvgSentenceLength float64 `json:"avg_sentence_length"`

	PunctuationDiversity int `json:"punctuation_diversity"`
	QuestionCount        int `json:"question_count"`
	ExclamationCount     int `json:"exclamation_count"`

	EmojiCount       int     `json:"emoji_count"`
	ArrowCount       int     `json:"arrow_count"`
	MathSymbolCount  int     `json:"math_symbol_count"`
	OtherSymbolCount int     `json:"other_symbol_count"`
	SymbolDensity    float64 `json:"symbol_density"`

	NumberCount     int `json:"number_count"`
	ProperNounCount int `json:"proper_noun_count"`

	HedgeCount        int `json:"hedge_count"`
	AgreementCount    int `json:"agreement_count"`
	DisagreementCount int `json:"disagreement_count"`
	PolitenessCount   int `json:"politeness_count"`

	FirstSingularCount int `json:"first_person_singular_count"`
	FirstPluralCount   int `json:"first_person_plural_count"`
	SecondPersonCount  int `json:"second_person_count"`

	StartsWithAck    bool `json:"starts_with_ack"`
	EndsWithQuestion bool `json:"ends_with_question"`

	SelfRepetition   float64 `json:"self_repetition"`
	WordEntropy      float64 `json:"word_entropy"`
	CharEntropy      float64 `json:"char_entropy"`
	CompressionRatio float64 `json:"compression_ratio"`

	NewWordsCount int     `json:"new_words_count"`
	NewWordsRatio float64 `json:"new_words_ratio"`

	RepeatedBigrams  int     `json:"repeated_bigrams"`
	RepeatedTrigrams int     `json:"repeated_trigrams"`
	TurnRepetition   float64 `json:"turn_repetition"`
}

// TurnMetrics is the full flat record for one completed turn.
type TurnMetrics struct {
	Turn        int                `json:"turn"`
	AgentA      AgentMetrics       `json:"agent_a"`
	AgentB      AgentMetrics       `json:"agent_b"`
	Convergence ConvergenceMetrics `json:"convergence"`
}

type agentState struct {
	vocabulary map[string]struct{}
	prevTokens []string
	turnCount  int
	totalWords int
}

func newAgentState() *agentState {
	return &agentState{vocabulary: make(map[string]struct{})}
}

// Calculator computes per-turn metrics for one conversation. Cumulative
// vocabulary sets are maintained incrementally so per-turn work is bounded by
// the current turn's token count plus its new unique tokens.
type Calculator struct {
	profile Profile
	cache   *tokenCache
	a       *agentState
	b       *agentState
	overlap cumulativeOverlap
}

// NewCalculator creates a calculator scoring with the given weight profile.
func NewCalculator(profile Profile) *Calculator {
	return &Calculator{
		profile: profile,
		cache:   newTokenCache(1000),
		a:       newAgentState(),
		b:       newAgentState(),
	}
}

// Reset discards all conversation-local state so the calculator can serve a
// fresh conversation.
func (c *Calculator) Reset() {
	c.cache.reset()
	c.a = newAgentState()
	c.b = newAgentState()
	c.overlap = cumulativeOverlap{}
}

// Record consumes both agents' messages for one completed turn and returns
// the flat metrics record, including the overall convergence score.
func (c *Calculator) Record(turn int, messageA, messageB string) TurnMetrics {
	tokensA := c.cache.get(messageA)
	tokensB := c.cache.get(messageB)

	ma := c.agentTurn(c.a, messageA, tokensA)
	mb := c.agentTurn(c.b, messageB, tokensB)

	c.commit(c.a, tokensA)
	c.commit(c.b, tokensB)
	c.overlap.add(tokensA, tokensB)

	conv := c.convergence(ma, mb, messageA, messageB, tokensA, tokensB)
	return TurnMetrics{Turn: turn, AgentA: ma, AgentB: mb, Convergence: conv}
}

// agentTurn computes the per-agent record against state from prior turns,
// before the current turn is committed.
func (c *Calculator) agentTurn(st *agentState, text string, tokens []string) AgentMetrics {
	m := AgentMetrics{
		CharLength:     len([]rune(text)),
		WordCount:      len(tokens),
		SentenceCount:  len(splitSentences(text)),
		ParagraphCount: countParagraphs(text),
	}

	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	m.VocabularySize = len(freq)
	if m.WordCount > 0 {
		m.TypeTokenRatio = float64(m.VocabularySize) / float64(m.WordCount)
		hapax := 0
		for _, n := range freq {
			if n == 1 {
				hapax++
			}
		}
		m.HapaxRatio = float64(hapax) / float64(m.VocabularySize)
		m.LexicalDiversity = float64(m.VocabularySize) / math.Sqrt(float64(m.WordCount))
	}
	if m.SentenceCount > 0 {
		m.AvgSentenceLength = float64(m.WordCount) / float64(m.SentenceCount)
	}

	c.scanRunes(text, &m)
	c.countMarkers(tokens, text, &m)
	c.crossTurn(st, tokens, freq, &m)

	m.WordEntropy = wordEntropy(tokens)
	m.CharEntropy = charEntropy(text)
	m.CompressionRatio = compressionRatio(text)
	return m
}

func (c *Calculator) scanRunes(text string, m *AgentMetrics) {
	punct := make(map[rune]struct{})
	symbols := 0
	total := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsPunct(r) {
			punct[r] = struct{}{}
		}
		switch r {
		case '?':
			m.QuestionCount++
		case '!':
			m.ExclamationCount++
		}
		switch classifySymbol(r) {
		case symbolEmoji:
			m.EmojiCount++
			symbols++
		case symbolArrow:
			m.ArrowCount++
			symbols++
		case symbolMath:
			m.MathSymbolCount++
			symbols++
		case symbolOther:
			m.OtherSymbolCount++
			symbols++
		}
	}
	m.PunctuationDiversity = len(punct)
	if total > 0 {
		m.SymbolDensity = float64(symbols) / float64(total)
	}

	// Numbers and capitalized mid-sentence words come from the raw word
	// split; the lowercased token stream has lost case.
	for i, w := range strings.Fields(text) {
		r := []rune(w)[0]
		if unicode.IsDigit(r) {
			m.NumberCount++
		}
		if i > 0 && unicode.IsUpper(r) {
			m.ProperNounCount++
		}
	}
}

func (c *Calculator) countMarkers(tokens []string, text string, m *AgentMetrics) {
	m.HedgeCount = countIn(tokens, hedgeWords)
	m.AgreementCount = countIn(tokens, agreementWords)
	m.DisagreementCount = countIn(tokens, disagreementWords)
	m.PolitenessCount = countIn(tokens, politenessWords)
	m.FirstSingularCount = countIn(tokens, firstSingularPronouns)
	m.FirstPluralCount = countIn(tokens, firstPluralPronouns)
	m.SecondPersonCount = countIn(tokens, secondPersonPronouns)

	if len(tokens) > 0 {
		_, m.StartsWithAck = ackStarters[tokens[0]]
	}
	trimmed := strings.TrimSpace(text)
	m.EndsWithQuestion = strings.HasSuffix(trimmed, "?")
}

// crossTurn compares the current turn to the same agent's history: repeated
// n-grams versus the previous turn and the share of current vocabulary
// already seen in any prior turn.
func (c *Calculator) crossTurn(st *agentState, tokens []string, freq map[string]int, m *AgentMetrics) {
	if st.turnCount > 0 {
		m.RepeatedBigrams = overlapCount(ngrams(tokens, 2), ngrams(st.prevTokens, 2))
		m.RepeatedTrigrams = overlapCount(ngrams(tokens, 3), ngrams(st.prevTokens, 3))
	}

	newWords := 0
	known := 0
	for t := range freq {
		if _, ok := st.vocabulary[t]; ok {
			known++
		} else {
			newWords++
		}
	}
	m.NewWordsCount = newWords
	if len(freq) > 0 {
		m.NewWordsRatio = float64(newWords) / float64(len(freq))
		m.TurnRepetition = float64(known) / float64(len(freq))
	}
	m.SelfRepetition = m.TurnRepetition
}

func (c *Calculator) commit(st *agentState, tokens []string) {
	for _, t := range tokens {
		st.vocabulary[t] = struct{}{}
	}
	st.prevTokens = tokens
	st.turnCount++
	st.totalWords += len(tokens)
}

// cumulativeOverlap tracks |A∩B| and |A∪B| of the agents' cumulative
// vocabularies incrementally, so each turn costs only its new tokens.
type cumulativeOverlap struct {
	inter int
	union int
	seen  map[string]byte // bit 1 = agent A, bit 2 = agent B
}

func (o *cumulativeOverlap) add(tokensA, tokensB []string) {
	if o.seen == nil {
		o.seen = make(map[string]byte)
	}
	mark := func(tokens []string, bit byte) {
		for _, t := range tokens {
			prev := o.seen[t]
			if prev&bit != 0 {
				continue
			}
			if prev == 0 {
				o.union++
			} else {
				o.inter++
			}
			o.seen[t] = prev | bit
		}
	}
	mark(tokensA, 1)
	mark(tokensB, 2)
}

func (o *cumulativeOverlap) score() float64 {
	if o.union == 0 {
		return 0
	}
	return float64(o.inter) / float64(o.union)
}
