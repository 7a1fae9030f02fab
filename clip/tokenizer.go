package clip

import (
	"bufio"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	startToken = "<|startoftext|>"
	endToken   = "<|endoftext|>"
	wordEnd    = "</w>"
)

var (
	pretokenPattern = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)
	spacePattern    = regexp.MustCompile(`\s+`)
)

// Tokenizer is the CLIP byte-level BPE tokenizer.
type Tokenizer struct {
	vocab      map[string]int64
	ranks      map[[2]string]int
	byteToRune [256]rune
	sot, eot   int64

	mu    sync.Mutex
	cache map[string][]string
}

func LoadTokenizer(vocabPath, mergesPath string) (*Tokenizer, error) {
	vf, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer vf.Close()
	mf, err := os.Open(mergesPath)
	if err != nil {
		return nil, fmt.Errorf("open merges: %w", err)
	}
	defer mf.Close()
	return NewTokenizer(vf, mf)
}

// NewTokenizer reads a vocab.json mapping and a merges.txt rank list.
func NewTokenizer(vocab, merges io.Reader) (*Tokenizer, error) {
	t := &Tokenizer{
		ranks: make(map[[2]string]int),
		cache: make(map[string][]string),
	}
	if err := json.NewDecoder(vocab).Decode(&t.vocab); err != nil {
		return nil, fmt.Errorf("decode vocab: %w", err)
	}

	sc := bufio.NewScanner(merges)
	rank := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed merge %q", line)
		}
		t.ranks[[2]string{parts[0], parts[1]}] = rank
		rank++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read merges: %w", err)
	}

	var ok bool
	if t.sot, ok = t.vocab[startToken]; !ok {
		return nil, fmt.Errorf("vocab has no %s", startToken)
	}
	if t.eot, ok = t.vocab[endToken]; !ok {
		return nil, fmt.Errorf("vocab has no %s", endToken)
	}
	t.byteToRune = bytesToRunes()
	return t, nil
}

// bytesToRunes maps every byte to a printable rune, the same table GPT-2 style BPE vocabularies use.
func bytesToRunes() [256]rune {
	var table [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		if printable(b) {
			table[b] = rune(b)
		} else {
			table[b] = rune(256 + n)
			n++
		}
	}
	return table
}

// Encode returns input ids and the attention mask, both ContextLength long.
// Sequences are wrapped in start/end tokens, truncated, then padded with the end token.
func (t *Tokenizer) Encode(text string) (ids, mask []int64) {
	text = html.UnescapeString(text)
	text = strings.ToLower(strings.TrimSpace(spacePattern.ReplaceAllString(text, " ")))

	tokens := []int64{t.sot}
	for _, word := range pretokenPattern.FindAllString(text, -1) {
		for _, piece := range t.bpe(t.toUnicode(word)) {
			if id, ok := t.vocab[piece]; ok {
				tokens = append(tokens, id)
			}
		}
	}
	if len(tokens) > ContextLength-1 {
		tokens = tokens[:ContextLength-1]
	}
	tokens = append(tokens, t.eot)

	ids = make([]int64, ContextLength)
	mask = make([]int64, ContextLength)
	for i := range ids {
		if i < len(tokens) {
			ids[i] = tokens[i]
			mask[i] = 1
		} else {
			ids[i] = t.eot
		}
	}
	return ids, mask
}

func (t *Tokenizer) toUnicode(word string) string {
	var sb strings.Builder
	for _, b := range []byte(word) {
		sb.WriteRune(t.byteToRune[b])
	}
	return sb.String()
}

func (t *Tokenizer) bpe(token string) []string {
	t.mu.Lock()
	cached, ok := t.cache[token]
	t.mu.Unlock()
	if ok {
		return cached
	}
	if token == startToken || token == endToken {
		return []string{token}
	}

	word := make([]string, 0, utf8.RuneCountInString(token))
	for _, r := range token {
		word = append(word, string(r))
	}
	if len(word) == 0 {
		return nil
	}
	word[len(word)-1] += wordEnd

	for len(word) > 1 {
		best, bestRank := -1, -1
		for i := 0; i < len(word)-1; i++ {
			r, ok := t.ranks[[2]string{word[i], word[i+1]}]
			if ok && (bestRank < 0 || r < bestRank) {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}
		first, second := word[best], word[best+1]
		merged := make([]string, 0, len(word)-1)
		for i := 0; i < len(word); i++ {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				merged = append(merged, first+second)
				i++
				continue
			}
			merged = append(merged, word[i])
		}
		word = merged
	}

	t.mu.Lock()
	t.cache[token] = word
	t.mu.Unlock()
	return word
}
