package metrics

// Marker lexicons used by the per-agent linguistic counters. Matching is over
// lowercased word tokens, so entries stay lowercase single words.

var hedgeWords = wordSet(
	"maybe", "perhaps", "possibly", "probably", "might", "could", "seems",
	"appears", "somewhat", "fairly", "rather", "quite", "arguably",
	"presumably", "likely", "unsure", "guess", "suppose", "think",
)

var agreementWords = wordSet(
	"yes", "yeah", "agree", "agreed", "absolutely", "exactly", "definitely",
	"certainly", "indeed", "right", "correct", "true", "sure",
)

var disagreementWords = wordSet(
	"no", "nope", "disagree", "however", "but", "although", "actually",
	"wrong", "incorrect", "except", "unless",
)

var politenessWords = wordSet(
	"please", "thanks", "thank", "sorry", "apologies", "appreciate",
	"grateful", "kindly", "welcome", "excuse",
)

// ackStarters are tokens that, when opening a message, signal the turn starts
// by acknowledging the other party.
var ackStarters = wordSet(
	"yes", "yeah", "sure", "right", "okay", "ok", "absolutely", "exactly",
	"indeed", "agreed", "true", "thanks", "thank", "great", "good",
	"interesting", "fascinating",
)

var firstSingularPronouns = wordSet("i", "me", "my", "mine", "myself",
	"i'm", "i've", "i'd", "i'll")

var firstPluralPronouns = wordSet("we", "us", "our", "ours", "ourselves",
	"we're", "we've", "we'd", "we'll")

var secondPersonPronouns = wordSet("you", "your", "yours", "yourself",
	"you're", "you've", "you'd", "you'll")

func wordSet(words ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

func countIn(tokens []string, set map[string]struct{}) int {
	n := 0
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

type symbolClass int

const (
	symbolNone symbolClass = iota
	symbolEmoji
	symbolArrow
	symbolMath
	symbolOther
)

// classifySymbol buckets non-alphanumeric, non-punctuation runes. ASCII
// operators count as math so plain-text formulas register.
func classifySymbol(r rune) symbolClass {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF, // pictographs, emoticons, supplement
		r >= 0x2600 && r <= 0x27BF, // misc symbols, dingbats
		r == 0x2764:
		return symbolEmoji
	case r >= 0x2190 && r <= 0x21FF:
		return symbolArrow
	case r >= 0x2200 && r <= 0x22FF, // mathematical operators
		r == '+', r == '=', r == '<', r == '>', r == '%',
		r == 0x00D7, r == 0x00F7: // multiplication and division signs
		return symbolMath
	case r >= 0x2000 && r <= 0x2BFF,
		r == '*', r == '~', r == '^', r == '|', r == '\\',
		r == '#', r == '@', r == '$', r == '&', r == '_':
		return symbolOther
	}
	return symbolNone
}
