package channels

import (
	"strings"
	"testing"
)

func TestChunkTextShortPassthrough(t *testing.T) {
	got := ChunkText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
	if got := ChunkText("anything", 0); len(got) != 1 {
		t.Fatalf("zero limit split: %v", got)
	}
}

func TestChunkTextPrefersNewlines(t *testing.T) {
	text := strings.Repeat("line one\n", 3) + "tail"
	chunks := ChunkText(text, 20)
	for i, c := range chunks {
		if len([]rune(c)) > 20 {
			t.Fatalf("chunk %d over limit: %q", i, c)
		}
	}
	// Reassembled content preserves all words.
	joined := strings.Join(chunks, " ")
	for _, word := range []string{"line", "one", "tail"} {
		if !strings.Contains(joined, word) {
			t.Fatalf("word %q lost in %v", word, chunks)
		}
	}
}

func TestChunkTextHardCut(t *testing.T) {
	text := strings.Repeat("a", 50)
	chunks := ChunkText(text, 20)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c) > 20 {
			t.Fatalf("chunk over limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 50 {
		t.Fatalf("lost characters: %d", total)
	}
}
