// Package composer renders retrieved context for the model and generates
// the final answer.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/chatflow/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000
	// defaultFieldCap bounds each displayed field, in runes.
	defaultFieldCap = 1000
	// NoContext is the rendering of an empty context list.
	NoContext = "No relevant context found."
)

// Formatter renders context items as numbered blocks for the system prompt.
type Formatter struct {
	MaxContextTokens int
	FieldCap         int
}

// NewFormatter creates a Formatter. Non-positive arguments select the
// defaults (4000 tokens, 1000 runes per field).
func NewFormatter(maxContextTokens, fieldCap int) *Formatter {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if fieldCap <= 0 {
		fieldCap = defaultFieldCap
	}
	return &Formatter{MaxContextTokens: maxContextTokens, FieldCap: fieldCap}
}

// Format renders items in their given order. When the blocks exceed the
// token budget, the lowest-scoring items are dropped first. Field text is
// kept verbatim up to FieldCap runes and cut with an ellipsis beyond it.
func (f *Formatter) Format(items []retrieval.ContextItem) string {
	if len(items) == 0 {
		return NoContext
	}

	blocks := make([]string, len(items))
	for i, it := range items {
		blocks[i] = f.block(it)
	}

	byScore := make([]int, len(items))
	for i := range byScore {
		byScore[i] = i
	}
	sort.SliceStable(byScore, func(a, b int) bool {
		return items[byScore[a]].Score > items[byScore[b]].Score
	})

	keep := make([]bool, len(items))
	remaining := f.MaxContextTokens
	for _, i := range byScore {
		// Reserve room for the "[n] " prefix.
		tokens := EstimateTokens(blocks[i]) + 2
		if tokens > remaining {
			continue
		}
		keep[i] = true
		remaining -= tokens
	}

	var sb strings.Builder
	n := 0
	for i, b := range blocks {
		if !keep[i] {
			continue
		}
		n++
		if n > 1 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%d] %s", n, b)
	}
	if n == 0 {
		return NoContext
	}
	return sb.String()
}

func (f *Formatter) block(it retrieval.ContextItem) string {
	var sb strings.Builder
	label := "Entry"
	if it.Type == retrieval.ItemInsight {
		label = "Insight"
	}
	fmt.Fprintf(&sb, "%s (similarity %.2f", label, it.Score)
	if it.CreatedAt != "" {
		fmt.Fprintf(&sb, ", %s", it.CreatedAt)
	}
	sb.WriteString(")\n")

	if it.Type == retrieval.ItemInsight {
		fmt.Fprintf(&sb, "Problem: %s\nSolution: %s\n", f.cap(it.Problem), f.cap(it.Solution))
	} else {
		fmt.Fprintf(&sb, "Input: %s\nOutput: %s\n", f.cap(it.Input), f.cap(it.Output))
	}
	return sb.String()
}

func (f *Formatter) cap(s string) string {
	r := []rune(s)
	if len(r) <= f.FieldCap {
		return s
	}
	return string(r[:f.FieldCap]) + "…"
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
