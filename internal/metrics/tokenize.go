// Package metrics implements the incremental linguistic analysis engine that
// produces the per-turn convergence score and the flat metrics record.
package metrics

import (
	"bytes"
	"compress/flate"
	"container/list"
	"math"
	"sort"
	"strings"
	"unicode"
)

// tokenize lowercases text and splits it into word tokens (letters, digits,
// internal apostrophes and hyphens).
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(strings.ToLower(text))
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		case (r == '\'' || r == '-') && cur.Len() > 0 && i+1 < len(runes) &&
			(unicode.IsLetter(runes[i+1]) || unicode.IsDigit(runes[i+1])):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// splitSentences splits on terminal punctuation runs. Text without a
// terminator is one sentence.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder
	terminal := false
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			cur.WriteRune(r)
			terminal = true
			continue
		}
		if terminal && unicode.IsSpace(r) {
			if s := strings.TrimSpace(cur.String()); s != "" {
				sentences = append(sentences, s)
			}
			cur.Reset()
			terminal = false
			continue
		}
		terminal = false
		cur.WriteRune(r)
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func countParagraphs(text string) int {
	n := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			n++
		}
	}
	return n
}

// ngrams returns the n-gram multiset of tokens as joined strings.
func ngrams(tokens []string, n int) map[string]int {
	if len(tokens) < n {
		return nil
	}
	grams := make(map[string]int, len(tokens)-n+1)
	for i := 0; i+n <= len(tokens); i++ {
		grams[strings.Join(tokens[i:i+n], " ")]++
	}
	return grams
}

// overlapCount returns the number of distinct grams present in both sets.
func overlapCount(a, b map[string]int) int {
	if len(b) < len(a) {
		a, b = b, a
	}
	n := 0
	for g := range a {
		if _, ok := b[g]; ok {
			n++
		}
	}
	return n
}

// jaccard computes |a∩b| / |a∪b| over string sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// wordEntropy computes Shannon entropy in bits over the token distribution.
func wordEntropy(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return entropyOf(freq, len(tokens))
}

// charEntropy computes Shannon entropy in bits over the rune distribution.
func charEntropy(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	freq := make(map[string]int, len(runes))
	for _, r := range runes {
		freq[string(r)]++
	}
	return entropyOf(freq, len(runes))
}

// entropyOf sums in sorted key order so replaying a transcript reproduces
// bit-identical values regardless of map iteration order.
func entropyOf(freq map[string]int, total int) float64 {
	keys := make([]string, 0, len(freq))
	for k := range freq {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := 0.0
	for _, k := range keys {
		p := float64(freq[k]) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

// compressionRatio returns compressed/raw size using deflate. Highly
// repetitive text compresses well and scores low.
func compressionRatio(text string) float64 {
	if len(text) == 0 {
		return 0
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return 0
	}
	if _, err := w.Write([]byte(text)); err != nil {
		return 0
	}
	if err := w.Close(); err != nil {
		return 0
	}
	return float64(buf.Len()) / float64(len(text))
}

// tokenCache is a bounded LRU mapping message text to its token slice, so a
// message consulted by several metrics is tokenized once.
type tokenCache struct {
	cap     int
	entries map[string]*list.Element
	order   *list.List
}

type cacheEntry struct {
	key    string
	tokens []string
}

func newTokenCache(capacity int) *tokenCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &tokenCache{
		cap:     capacity,
		entries: make(map[string]*list.Element, capacity),
		order:   list.New(),
	}
}

func (c *tokenCache) get(text string) []string {
	if el, ok := c.entries[text]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).tokens
	}
	tokens := tokenize(text)
	el := c.order.PushFront(&cacheEntry{key: text, tokens: tokens})
	c.entries[text] = el
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	return tokens
}

func (c *tokenCache) reset() {
	c.entries = make(map[string]*list.Element, c.cap)
	c.order.Init()
}
