package chunker

import (
	"strings"
	"unicode"

	"github.com/yanqian/ragserver/internal/domain/rag"
	"github.com/yanqian/ragserver/pkg/tokenizer"
)

// Splitter produces overlapping chunks broken on paragraph boundaries when
// possible, falling back to sentences and then whitespace. Code fences are
// never split, and all offsets are rune-based so multi-byte characters stay
// intact.
type Splitter struct {
	TargetChars  int
	OverlapChars int
	MinChars     int
	counter      *tokenizer.Counter
}

// NewSplitter constructs a splitter with the configured bounds.
func NewSplitter(targetChars, overlapChars, minChars int, counter *tokenizer.Counter) *Splitter {
	if targetChars <= 0 {
		targetChars = 1000
	}
	if overlapChars < 0 || overlapChars >= targetChars {
		overlapChars = targetChars / 5
	}
	if minChars <= 0 {
		minChars = 50
	}
	if counter == nil {
		counter = tokenizer.NewCounter()
	}
	return &Splitter{TargetChars: targetChars, OverlapChars: overlapChars, MinChars: minChars, counter: counter}
}

type block struct {
	text    string
	section string
	fenced  bool
}

// Chunk implements rag.Chunker.
func (s *Splitter) Chunk(text string) []rag.ChunkCandidate {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	blocks := s.blocks(text)
	var (
		out     []rag.ChunkCandidate
		current strings.Builder
		section string
	)

	flush := func() {
		content := strings.TrimSpace(current.String())
		current.Reset()
		if content == "" {
			return
		}
		// Short tails fold into the previous chunk instead of standing alone.
		if len([]rune(content)) < s.MinChars && len(out) > 0 {
			merged := out[len(out)-1].Content + "\n\n" + content
			out[len(out)-1].Content = merged
			out[len(out)-1].TokenCount = s.counter.Count(merged)
			return
		}
		candidate := rag.ChunkCandidate{
			Ordinal:    len(out),
			Content:    content,
			TokenCount: s.counter.Count(content),
		}
		if section != "" {
			sec := section
			candidate.Source.Section = &sec
		}
		out = append(out, candidate)
		if s.OverlapChars > 0 {
			current.WriteString(tailRunes(content, s.OverlapChars))
			current.WriteString("\n")
		}
	}

	for _, b := range blocks {
		section = b.section
		pieces := []string{b.text}
		if !b.fenced && runeLen(b.text) > s.TargetChars {
			pieces = s.splitOversized(b.text)
		}
		for _, piece := range pieces {
			if current.Len() > 0 && runeLen(strings.TrimSpace(current.String()))+runeLen(piece) > s.TargetChars {
				flush()
			}
			current.WriteString(piece)
			current.WriteString("\n\n")
			// A fenced block may legitimately exceed the target on its own.
			if runeLen(strings.TrimSpace(current.String())) >= s.TargetChars {
				flush()
			}
		}
	}
	flush()
	return out
}

// blocks splits the document into paragraphs, keeping code fences whole and
// tracking the governing markdown heading.
func (s *Splitter) blocks(text string) []block {
	lines := strings.Split(text, "\n")
	var (
		out     []block
		para    []string
		fence   []string
		inFence bool
		section string
	)
	flushPara := func() {
		if len(para) == 0 {
			return
		}
		joined := strings.TrimSpace(strings.Join(para, "\n"))
		para = nil
		if joined != "" {
			out = append(out, block{text: joined, section: section})
		}
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				fence = append(fence, line)
				out = append(out, block{text: strings.Join(fence, "\n"), section: section, fenced: true})
				fence = nil
				inFence = false
			} else {
				flushPara()
				inFence = true
				fence = append(fence, line)
			}
			continue
		}
		if inFence {
			fence = append(fence, line)
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flushPara()
			section = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			para = append(para, line)
			continue
		}
		if trimmed == "" {
			flushPara()
			continue
		}
		para = append(para, line)
	}
	if inFence {
		out = append(out, block{text: strings.Join(fence, "\n"), section: section, fenced: true})
	}
	flushPara()
	return out
}

// splitOversized breaks a paragraph at sentence boundaries, then whitespace.
func (s *Splitter) splitOversized(text string) []string {
	sentences := splitSentences(text)
	var out []string
	var current strings.Builder
	emit := func() {
		if piece := strings.TrimSpace(current.String()); piece != "" {
			out = append(out, piece)
		}
		current.Reset()
	}
	for _, sentence := range sentences {
		if runeLen(sentence) > s.TargetChars {
			emit()
			out = append(out, splitWhitespace(sentence, s.TargetChars)...)
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+runeLen(sentence) > s.TargetChars {
			emit()
		}
		current.WriteString(sentence)
		current.WriteString(" ")
	}
	emit()
	return out
}

func splitSentences(text string) []string {
	var out []string
	var current strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '。' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				out = append(out, strings.TrimSpace(current.String()))
				current.Reset()
			}
		}
	}
	if piece := strings.TrimSpace(current.String()); piece != "" {
		out = append(out, piece)
	}
	return out
}

// splitWhitespace is the last resort for sentence-free runs: fixed-size rune
// windows aligned to whitespace when one is near.
func splitWhitespace(text string, target int) []string {
	words := strings.Fields(text)
	var out []string
	var current strings.Builder
	for _, word := range words {
		if runeLen(word) > target {
			if piece := strings.TrimSpace(current.String()); piece != "" {
				out = append(out, piece)
				current.Reset()
			}
			runes := []rune(word)
			for start := 0; start < len(runes); start += target {
				end := start + target
				if end > len(runes) {
					end = len(runes)
				}
				out = append(out, string(runes[start:end]))
			}
			continue
		}
		if current.Len() > 0 && runeLen(current.String())+runeLen(word)+1 > target {
			out = append(out, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(word)
		current.WriteString(" ")
	}
	if piece := strings.TrimSpace(current.String()); piece != "" {
		out = append(out, piece)
	}
	return out
}

func tailRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	tail := runes[len(runes)-n:]
	// Prefer starting the overlap at a word boundary.
	for i, r := range tail {
		if unicode.IsSpace(r) {
			return strings.TrimSpace(string(tail[i:]))
		}
	}
	return string(tail)
}

func runeLen(s string) int {
	return len([]rune(s))
}

var _ rag.Chunker = (*Splitter)(nil)
