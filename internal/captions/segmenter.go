package captions

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"reelsmith/internal/services"
)

// Line is one caption with its display interval in seconds.
type Line struct {
	Text  string  `json:"text"`
	Start float64 `json:"start_time"`
	End   float64 `json:"end_time"`
}

// Duration returns the display time of the line.
func (l Line) Duration() float64 { return l.End - l.Start }

const (
	terminators = ".!?。！？…"
	secondaries = ",;:，；：、"
)

var (
	latinConjunctions = map[string]bool{"and": true, "but": true, "or": true, "so": true, "because": true}
	latinPrepositions = map[string]bool{"in": true, "on": true, "at": true, "with": true, "for": true, "from": true, "to": true, "of": true}
	cjkConjunctions   = []string{"和", "但是", "而且", "因为", "所以"}
	cjkParticles      = []string{"的", "了", "着", "过"}
	cjkPrepositions   = []string{"在", "从", "向", "对", "把", "被"}
)

// break ranks, best first
const (
	rankConjunction = iota
	rankParticle
	rankPreposition
	rankPlain
)

// Segmenter splits text into caption lines no wider than MaxChars runes.
type Segmenter struct {
	maxChars int
}

// NewSegmenter returns a segmenter bounded at maxChars runes per line.
func NewSegmenter(maxChars int) (*Segmenter, error) {
	if maxChars < 1 {
		return nil, services.Wrap(services.ErrValidation, "captions", "segmenter", fmt.Sprintf("max chars per line must be positive, got %d", maxChars), nil)
	}
	return &Segmenter{maxChars: maxChars}, nil
}

// MaxChars reports the line bound.
func (s *Segmenter) MaxChars() int { return s.maxChars }

// Segment splits text and spreads duration across the resulting lines. An
// empty span yields no lines.
func (s *Segmenter) Segment(text string, duration float64) ([]Line, error) {
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 {
		return nil, services.Wrap(services.ErrValidation, "captions", "segment", fmt.Sprintf("invalid duration %v", duration), nil)
	}
	texts := s.Split(text)
	if len(texts) == 0 {
		return nil, nil
	}
	return Distribute(texts, duration), nil
}

// Split returns the line texts for a span without timing.
func (s *Segmenter) Split(text string) []string {
	units := tokenize(Normalize(text))
	if len(units) == 0 {
		return nil
	}
	var lines []string
	for _, sentence := range splitAfter(units, terminators) {
		if width(sentence) <= s.maxChars {
			lines = append(lines, render(sentence))
			continue
		}
		for _, chunk := range s.pack(splitAfter(sentence, secondaries)) {
			for _, piece := range s.breakChunk(chunk) {
				lines = append(lines, render(piece))
			}
		}
	}
	return lines
}

// Normalize applies NFC and collapses whitespace runs to single spaces.
func Normalize(text string) string {
	return strings.Join(strings.Fields(norm.NFC.String(text)), " ")
}

// Distribute assigns cumulative intervals proportional to each text's
// non-space rune count. The final line ends exactly at duration.
func Distribute(texts []string, duration float64) []Line {
	weights := make([]int, len(texts))
	total := 0
	for i, text := range texts {
		weights[i] = max(visibleRunes(text), 1)
		total += weights[i]
	}
	lines := make([]Line, len(texts))
	cumulative := 0
	prev := 0.0
	for i, text := range texts {
		cumulative += weights[i]
		end := duration * float64(cumulative) / float64(total)
		if i == len(texts)-1 {
			end = duration
		}
		lines[i] = Line{Text: text, Start: prev, End: end}
		prev = end
	}
	return lines
}

// unit is the smallest unbreakable piece: a Latin word with its attached
// punctuation, or a single CJK character with trailing punctuation.
type unit struct {
	text        string
	spaceBefore bool
	cjk         bool
}

func tokenize(text string) []unit {
	var units []unit
	var word strings.Builder
	space := false
	flush := func() {
		if word.Len() == 0 {
			return
		}
		units = append(units, unit{text: word.String(), spaceBefore: space && len(units) > 0})
		word.Reset()
		space = false
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
			space = true
		case isCJK(r):
			flush()
			units = append(units, unit{text: string(r), spaceBefore: space && len(units) > 0, cjk: true})
			space = false
		case unicode.IsPunct(r) && word.Len() == 0 && !space && len(units) > 0:
			units[len(units)-1].text += string(r)
		default:
			word.WriteRune(r)
		}
	}
	flush()
	return units
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// splitAfter cuts units after every unit ending in one of the marks.
func splitAfter(units []unit, marks string) [][]unit {
	var groups [][]unit
	start := 0
	for i, u := range units {
		last, _ := utf8.DecodeLastRuneInString(u.text)
		if strings.ContainsRune(marks, last) {
			groups = append(groups, units[start:i+1])
			start = i + 1
		}
	}
	if start < len(units) {
		groups = append(groups, units[start:])
	}
	return groups
}

// pack greedily merges adjacent clauses while the result fits the bound.
func (s *Segmenter) pack(clauses [][]unit) [][]unit {
	var chunks [][]unit
	var current []unit
	for _, clause := range clauses {
		if current != nil && width(current)+gap(clause)+width(clause) <= s.maxChars {
			current = append(current, clause...)
			continue
		}
		if current != nil {
			chunks = append(chunks, current)
		}
		current = append([]unit(nil), clause...)
	}
	if current != nil {
		chunks = append(chunks, current)
	}
	return chunks
}

// breakChunk cuts an over-wide chunk at ranked natural breaks.
func (s *Segmenter) breakChunk(units []unit) [][]unit {
	var pieces [][]unit
	for width(units) > s.maxChars {
		if utf8.RuneCountInString(units[0].text) > s.maxChars {
			units = hardSplit(units, s.maxChars)
		}
		cut := s.chooseBreak(units)
		pieces = append(pieces, units[:cut])
		rest := append([]unit(nil), units[cut:]...)
		rest[0].spaceBefore = false
		units = rest
	}
	return append(pieces, units)
}

// chooseBreak returns the index to cut before. The widest fitting prefix is
// the fallback; a ranked natural break wins when it keeps the line at least
// half full.
func (s *Segmenter) chooseBreak(units []unit) int {
	fit := 1
	for i := 2; i < len(units); i++ {
		if width(units[:i]) > s.maxChars {
			break
		}
		fit = i
	}
	minFill := (s.maxChars + 1) / 2
	for rank := rankConjunction; rank < rankPlain; rank++ {
		for i := fit; i >= 1; i-- {
			if width(units[:i]) < minFill {
				break
			}
			if breakRank(units, i) == rank {
				return i
			}
		}
	}
	return fit
}

// breakRank classifies the boundary before units[i].
func breakRank(units []unit, i int) int {
	prev := units[i-1]
	next := units[i]
	if prev.cjk || next.cjk {
		head := render(units[:i])
		tail := render(units[i:])
		switch {
		case hasAnySuffix(head, cjkConjunctions):
			return rankConjunction
		case hasAnySuffix(head, cjkParticles):
			return rankParticle
		case hasAnyPrefix(tail, cjkPrepositions):
			return rankPreposition
		}
		return rankPlain
	}
	switch {
	case latinConjunctions[bareWord(prev.text)]:
		return rankConjunction
	case latinPrepositions[bareWord(next.text)]:
		return rankPreposition
	}
	return rankPlain
}

func hardSplit(units []unit, limit int) []unit {
	runes := []rune(units[0].text)
	out := make([]unit, 0, len(units)+len(runes)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, unit{text: string(runes[start:end]), spaceBefore: start == 0 && units[0].spaceBefore, cjk: units[0].cjk})
	}
	return append(out, units[1:]...)
}

func width(units []unit) int {
	total := 0
	for i, u := range units {
		total += utf8.RuneCountInString(u.text)
		if i > 0 && u.spaceBefore {
			total++
		}
	}
	return total
}

func gap(units []unit) int {
	if len(units) > 0 && units[0].spaceBefore {
		return 1
	}
	return 0
}

func render(units []unit) string {
	var b strings.Builder
	for i, u := range units {
		if i > 0 && u.spaceBefore {
			b.WriteByte(' ')
		}
		b.WriteString(u.text)
	}
	return b.String()
}

func bareWord(text string) string {
	return strings.ToLower(strings.TrimFunc(text, func(r rune) bool { return !unicode.IsLetter(r) }))
}

func visibleRunes(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
