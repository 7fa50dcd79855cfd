package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanqian/ragserver/pkg/tokenizer"
)

func newTestSplitter(target, overlap int) *Splitter {
	return NewSplitter(target, overlap, 50, tokenizer.NewCounter())
}

func TestChunkEmptyInput(t *testing.T) {
	s := newTestSplitter(1000, 200)
	require.Nil(t, s.Chunk(""))
	require.Nil(t, s.Chunk("   \n\n  "))
}

func TestChunkOrdinalsAreDense(t *testing.T) {
	s := newTestSplitter(200, 40)
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 60)
	chunks := s.Chunk(text)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		require.Equal(t, i, c.Ordinal)
		require.NotEmpty(t, c.Content)
		require.Positive(t, c.TokenCount)
	}
}

func TestChunkDeterministic(t *testing.T) {
	s := newTestSplitter(300, 60)
	text := strings.Repeat("Sentence one is here. Sentence two follows along. ", 40)
	first := s.Chunk(text)
	second := s.Chunk(text)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Content, second[i].Content)
		require.Equal(t, first[i].Ordinal, second[i].Ordinal)
	}
}

func TestChunkLargeDocumentYieldsMultipleChunks(t *testing.T) {
	s := newTestSplitter(1000, 200)
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("This paragraph carries roughly one hundred characters of text to exercise the splitter logic here.\n\n")
	}
	text := b.String()
	require.GreaterOrEqual(t, len(text), 12000)
	chunks := s.Chunk(text)
	require.GreaterOrEqual(t, len(chunks), 10)
	for _, c := range chunks {
		require.LessOrEqual(t, len([]rune(c.Content)), 1300, "chunks should stay near the target plus overlap")
	}
}

func TestShortTailMergesIntoPrevious(t *testing.T) {
	s := newTestSplitter(100, 0)
	text := strings.Repeat("A reasonably sized paragraph sits right here with enough text. ", 4) + "\n\nTiny tail."
	chunks := s.Chunk(text)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.Contains(t, last.Content, "Tiny tail.")
	require.GreaterOrEqual(t, len([]rune(last.Content)), 50)
}

func TestCodeFenceNeverSplit(t *testing.T) {
	s := newTestSplitter(120, 0)
	fence := "```go\n" + strings.Repeat("fmt.Println(\"hello\")\n", 30) + "```"
	text := "Intro paragraph before the sample.\n\n" + fence + "\n\nClosing paragraph after the sample."
	chunks := s.Chunk(text)

	joined := false
	for _, c := range chunks {
		if strings.Contains(c.Content, "```go") {
			require.Contains(t, c.Content, "```go")
			require.Equal(t, strings.Count(c.Content, "```"), 2, "fence must stay intact in one chunk")
			joined = true
		}
	}
	require.True(t, joined, "fenced block should be present")
}

func TestMultiByteSafety(t *testing.T) {
	s := newTestSplitter(50, 10)
	text := strings.Repeat("日本語のテキストが続きます。", 40)
	chunks := s.Chunk(text)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.True(t, strings.ToValidUTF8(c.Content, "") == c.Content, "chunk must remain valid UTF-8")
	}
}

func TestSectionMetadataFollowsHeadings(t *testing.T) {
	s := newTestSplitter(1000, 0)
	text := "# Introduction\n\nSome opening words that describe the document in enough detail to stand alone.\n\n# Details\n\n" +
		strings.Repeat("Body text under the details heading with plenty of content to form its own chunk. ", 20)
	chunks := s.Chunk(text)
	require.NotEmpty(t, chunks)
	var sections []string
	for _, c := range chunks {
		if c.Source.Section != nil {
			sections = append(sections, *c.Source.Section)
		}
	}
	require.Contains(t, sections, "Details")
}

func TestOverlapCarriesContext(t *testing.T) {
	s := newTestSplitter(200, 50)
	text := strings.Repeat("Alpha beta gamma delta epsilon zeta eta theta. ", 30)
	chunks := s.Chunk(text)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		prevTail := []rune(chunks[i-1].Content)
		if len(prevTail) > 10 {
			tail := string(prevTail[len(prevTail)-10:])
			words := strings.Fields(tail)
			if len(words) > 1 {
				require.Contains(t, chunks[i].Content, words[len(words)-1])
			}
		}
	}
}
