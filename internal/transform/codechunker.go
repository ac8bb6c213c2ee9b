package transform

import (
	"context"
	"regexp"

	"github.com/airweave-sub003/ingestion-core/pkg/models"
)

// functionBoundary matches common function/class declaration lines across
// several mainstream languages — a heuristic, not a parser, consistent with
// "language-aware split (function/class granularity where detectable)"
// (§4.4).
var functionBoundary = regexp.MustCompile(`^\s*(func |def |class |public |private |protected |function |fn )`)

// CodeChunker splits a CodeFileEntity at function/class boundaries when
// detectable, falling back to fixed-size line windows, preserving line
// ranges (§4.4).
type CodeChunker struct {
	MaxLinesPerChunk int
}

func NewCodeChunker(maxLinesPerChunk int) *CodeChunker {
	if maxLinesPerChunk <= 0 {
		maxLinesPerChunk = 120
	}
	return &CodeChunker{MaxLinesPerChunk: maxLinesPerChunk}
}

func (c *CodeChunker) Name() string { return "code_chunker" }

func (c *CodeChunker) Transform(_ context.Context, e models.Entity) ([]models.Entity, error) {
	lines := splitLines(string(e.Content()))
	if len(lines) == 0 {
		return nil, nil
	}

	boundaries := []int{0}
	for i, l := range lines {
		if i > 0 && functionBoundary.MatchString(l) {
			boundaries = append(boundaries, i)
		}
	}
	boundaries = append(boundaries, len(lines))

	// Merge adjacent boundary-detected spans so no chunk exceeds the line
	// budget, and fall back to fixed windows if no boundaries were found.
	var spans [][2]int
	if len(boundaries) <= 2 {
		for start := 0; start < len(lines); start += c.MaxLinesPerChunk {
			end := start + c.MaxLinesPerChunk
			if end > len(lines) {
				end = len(lines)
			}
			spans = append(spans, [2]int{start, end})
		}
	} else {
		curStart := boundaries[0]
		for i := 1; i < len(boundaries); i++ {
			if boundaries[i]-curStart > c.MaxLinesPerChunk && boundaries[i-1] > curStart {
				spans = append(spans, [2]int{curStart, boundaries[i-1]})
				curStart = boundaries[i-1]
			}
			// A single span still over budget is cut into fixed windows.
			for boundaries[i]-curStart > c.MaxLinesPerChunk {
				spans = append(spans, [2]int{curStart, curStart + c.MaxLinesPerChunk})
				curStart += c.MaxLinesPerChunk
			}
		}
		spans = append(spans, [2]int{curStart, len(lines)})
	}

	out := make([]models.Entity, 0, len(spans))
	for i, span := range spans {
		chunk := e
		chunk.Kind = models.KindChunk
		chunk.EmbeddableText = join(lines[span[0]:span[1]])
		chunk.LineStart = span[0] + 1
		chunk.LineEnd = span[1]
		chunk.ChunkIndex = i
		chunk.ChunkCount = len(spans)
		out = append(out, chunk)
	}
	return out, nil
}

func join(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
