package chunker

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

const (
	DefaultMaxChunkChars = 1500
	DefaultOverlapChars  = 200
)

// Config controls chunk boundaries. A zero value for MaxChunkChars falls
// back to the default above; OverlapChars of zero means no overlap.
type Config struct {
	MaxChunkChars int
	OverlapChars  int
	// TokenCounter overrides the built-in token estimate when a real
	// tokenizer is available.
	TokenCounter func(string) int
}

func (c Config) withDefaults() Config {
	if c.MaxChunkChars == 0 {
		c.MaxChunkChars = DefaultMaxChunkChars
	}
	return c
}

func (c Config) Validate() error {
	if c.MaxChunkChars <= 0 {
		return fmt.Errorf("invalid chunk configuration: max chunk size %d must be positive", c.MaxChunkChars)
	}
	if c.OverlapChars < 0 {
		return fmt.Errorf("invalid chunk configuration: overlap %d must not be negative", c.OverlapChars)
	}
	if c.OverlapChars >= c.MaxChunkChars {
		return fmt.Errorf("invalid chunk configuration: overlap %d must be smaller than max chunk size %d", c.OverlapChars, c.MaxChunkChars)
	}
	return nil
}

// Piece is one contiguous window of the input text. Text is the verbatim
// substring text[StartChar:EndChar]: concatenating the non-overlapping
// portions of consecutive pieces reconstructs the input exactly.
type Piece struct {
	Index      int
	Text       string
	StartChar  int
	EndChar    int
	TokenCount int
	PageNumber int

	// Region shared with the previous piece; nil when there is none.
	OverlapStart *int
	OverlapEnd   *int
}

// Page is one page of extracted text, as handed over by the extraction
// collaborator.
type Page struct {
	Number int
	Text   string
}

var sentenceEndRe = regexp.MustCompile(`[.!?]\s`)

// Chunk splits text into ordered overlapping windows. The scan is greedy:
// accumulate up to MaxChunkChars, prefer to end at the nearest preceding
// paragraph boundary, else sentence boundary, else word boundary, else hard
// cut. The next window starts OverlapChars before the previous end, clamped
// so every window makes forward progress. Identical (text, config) input
// always yields identical boundaries.
func Chunk(text string, cfg Config) ([]Piece, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var pieces []Piece
	start := 0
	prevEnd := 0

	for start < len(text) {
		end := start + cfg.MaxChunkChars
		if end >= len(text) {
			end = len(text)
		} else {
			end = findBreak(text, start, end, cfg)
		}

		p := Piece{
			Index:     len(pieces),
			Text:      text[start:end],
			StartChar: start,
			EndChar:   end,
		}
		p.TokenCount = countTokens(p.Text, cfg)

		if len(pieces) > 0 && start < prevEnd {
			os, oe := start, prevEnd
			p.OverlapStart = &os
			p.OverlapEnd = &oe
		}
		pieces = append(pieces, p)

		if end >= len(text) {
			break
		}

		next := end - cfg.OverlapChars
		if next <= start {
			next = start + 1
		}
		prevEnd = end
		start = next
	}

	return pieces, nil
}

// findBreak picks the cut point for the window [start, limit). A boundary is
// only accepted past the midpoint of the window (and past the overlap span)
// so every chunk keeps making progress.
func findBreak(text string, start, limit int, cfg Config) int {
	minBreak := start + cfg.MaxChunkChars/2
	if m := start + cfg.OverlapChars + 1; m > minBreak {
		minBreak = m
	}

	window := text[start:limit]

	// Paragraph boundary: cut after the blank line.
	if i := strings.LastIndex(window, "\n\n"); i >= 0 && start+i > minBreak {
		return start + i + 2
	}

	// Sentence boundary: cut just after the terminating punctuation.
	if locs := sentenceEndRe.FindAllStringIndex(window, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		if start+last[0] > minBreak {
			return start + last[0] + 1
		}
	}

	// Word boundary.
	if i := strings.LastIndexByte(window, ' '); i >= 0 && start+i > minBreak {
		return start + i
	}

	// Hard cut.
	return limit
}

// countTokens uses the configured tokenizer when present, else a
// deterministic estimate of ceil(words / 0.75), i.e. roughly one token per
// three quarters of a word. The estimate is part of the contract because
// downstream truncation limits depend on it.
func countTokens(text string, cfg Config) int {
	if cfg.TokenCounter != nil {
		return cfg.TokenCounter(text)
	}
	return EstimateTokens(text)
}

// EstimateTokens is the tokenizer-free fallback: ceil(wordCount / 0.75).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) / 0.75))
}

// Normalize prepares raw extracted text for chunking: runs of three or more
// newlines collapse to a paragraph break, tabs become four spaces, and
// trailing whitespace is stripped per line and overall.
func Normalize(text string) string {
	text = regexp.MustCompile(`\n{3,}`).ReplaceAllString(text, "\n\n")
	text = strings.ReplaceAll(text, "\t", "    ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// ChunkPages chunks each page independently so no window spans a page
// boundary, stamps page numbers, and re-indexes the pieces globally.
// Offsets stay relative to the page's own text.
func ChunkPages(pages []Page, cfg Config) ([]Piece, error) {
	var all []Piece
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		pieces, err := Chunk(page.Text, cfg)
		if err != nil {
			return nil, err
		}
		for _, p := range pieces {
			p.PageNumber = page.Number
			p.Index = len(all)
			all = append(all, p)
		}
	}
	return all, nil
}
