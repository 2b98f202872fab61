// Package chunker splits document content into token-bounded pieces
// for embedding and retrieval. Splitting is recursive: it tries the
// strongest semantic boundary first and falls back to weaker ones, with
// whitespace as the last resort. Chunking is a pure function of the
// input; the same content always yields the same pieces.
package chunker

import (
	"strings"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/tokenizer"
	"github.com/haasonsaas/memvault/pkg/models"
)

// Boundaries is the separator hierarchy, strongest first.
var Boundaries = []string{
	".\n\n", // Sentence-terminated paragraph break
	"\n\n",  // Paragraph break
	".\n",   // Sentence at line end
	".",     // Sentence end
	"\n",    // Line break
	";",
	":",
	"!",
	"?",
}

// Config configures the chunker.
type Config struct {
	// TargetSize is the target chunk size in tokens. Default: 4000.
	TargetSize int `yaml:"target_size"`

	// Overlap is the number of tokens each chunk carries from the tail
	// of its predecessor and from the head of its successor. Default:
	// 200.
	Overlap int `yaml:"overlap"`
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{
		TargetSize: 4000,
		Overlap:    200,
	}
}

// Piece is a chunk of document content before persistence. Numbers are
// contiguous from zero.
type Piece struct {
	Number        int
	Content       string
	TokenCount    int
	OverlapTokens int
}

// Chunker splits text into token-bounded pieces.
type Chunker struct {
	config  Config
	counter *tokenizer.Counter
}

// New creates a chunker. Overlap is clamped below the target size.
func New(cfg Config, counter *tokenizer.Counter) *Chunker {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultConfig().TargetSize
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = DefaultConfig().Overlap
	}
	if cfg.Overlap >= cfg.TargetSize {
		cfg.Overlap = cfg.TargetSize / 5
	}
	return &Chunker{config: cfg, counter: counter}
}

// Config returns the effective configuration after clamping.
func (c *Chunker) Config() Config { return c.config }

// Split chunks content for the given format. Empty content and unknown
// formats are validation errors.
func (c *Chunker) Split(content string, format models.Format) ([]Piece, error) {
	if !format.Valid() {
		return nil, memerr.Newf(memerr.KindValidation, "unsupported format: %s", format)
	}
	if strings.TrimSpace(content) == "" {
		return nil, memerr.New(memerr.KindValidation, "document content is empty")
	}

	if c.counter.Count(content) <= c.config.TargetSize {
		return []Piece{{
			Number:     0,
			Content:    content,
			TokenCount: c.counter.Count(content),
		}}, nil
	}

	bodies, err := c.splitSegment(content, Boundaries)
	if err != nil {
		return nil, err
	}
	bodies = c.mergeSmall(bodies)

	pieces := make([]Piece, 0, len(bodies))
	for i, body := range bodies {
		piece := Piece{Number: i, Content: body}
		if c.config.Overlap > 0 {
			if i > 0 {
				if prefix := c.overlapTail(bodies[i-1]); prefix != "" {
					piece.Content = prefix + " " + piece.Content
					piece.OverlapTokens += c.counter.Count(prefix)
				}
			}
			if i < len(bodies)-1 {
				if suffix := c.overlapHead(bodies[i+1]); suffix != "" {
					piece.Content = piece.Content + " " + suffix
					piece.OverlapTokens += c.counter.Count(suffix)
				}
			}
		}
		piece.TokenCount = c.counter.Count(piece.Content)
		pieces = append(pieces, piece)
	}
	return pieces, nil
}

// splitSegment recursively splits text on the boundary hierarchy,
// accumulating splits until the target size would be exceeded.
func (c *Chunker) splitSegment(text string, boundaries []string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if c.counter.Count(text) <= c.config.TargetSize {
		return []string{strings.TrimSpace(text)}, nil
	}

	boundary := ""
	rest := boundaries
	for i, b := range boundaries {
		if strings.Contains(text, b) {
			boundary = b
			rest = boundaries[i+1:]
			break
		}
	}
	if boundary == "" {
		return c.splitWhitespace(text)
	}

	splits := strings.Split(text, boundary)
	var result []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		body := strings.TrimSpace(current.String())
		if body != "" {
			result = append(result, body)
		}
		current.Reset()
		currentTokens = 0
	}

	for i, split := range splits {
		piece := split
		if i < len(splits)-1 {
			piece += boundary
		}
		pieceTokens := c.counter.Count(piece)

		if pieceTokens > c.config.TargetSize {
			flush()
			sub, err := c.splitSegment(piece, rest)
			if err != nil {
				return nil, err
			}
			result = append(result, sub...)
			continue
		}

		if currentTokens > 0 && currentTokens+pieceTokens > c.config.TargetSize {
			flush()
		}
		current.WriteString(piece)
		currentTokens += pieceTokens
	}
	flush()

	return result, nil
}

// splitWhitespace is the last-resort split for text with no semantic
// boundary. Words are never split; a single word over the target size
// cannot be chunked at all.
func (c *Chunker) splitWhitespace(text string) ([]string, error) {
	var result []string
	var current []string
	currentTokens := 0

	for _, word := range strings.Fields(text) {
		wordTokens := tokenizer.WordTokens(word)
		if wordTokens > c.config.TargetSize {
			return nil, memerr.Newf(memerr.KindValidation,
				"token of %d tokens exceeds chunk target size %d", wordTokens, c.config.TargetSize)
		}
		if currentTokens > 0 && currentTokens+wordTokens > c.config.TargetSize {
			result = append(result, strings.Join(current, " "))
			current = current[:0]
			currentTokens = 0
		}
		current = append(current, word)
		currentTokens += wordTokens
	}
	if len(current) > 0 {
		result = append(result, strings.Join(current, " "))
	}
	return result, nil
}

// mergeSmall folds undersized trailing chunks into their predecessor so
// the tail of a document does not become a sliver chunk.
func (c *Chunker) mergeSmall(bodies []string) []string {
	if len(bodies) < 2 {
		return bodies
	}
	minSize := c.config.Overlap
	if minSize <= 0 {
		minSize = c.config.TargetSize / 20
	}

	merged := make([]string, 0, len(bodies))
	for _, body := range bodies {
		if len(merged) > 0 && c.counter.Count(body) < minSize {
			prev := merged[len(merged)-1]
			combined := prev + " " + body
			if c.counter.Count(combined) <= c.config.TargetSize+c.config.Overlap {
				merged[len(merged)-1] = combined
				continue
			}
		}
		merged = append(merged, body)
	}
	return merged
}

// overlapTail returns the suffix of prev to carry into the next chunk:
// the text after the last boundary that still fits in the overlap
// budget, or trailing words when no boundary fits.
func (c *Chunker) overlapTail(prev string) string {
	if c.config.Overlap <= 0 {
		return ""
	}
	if c.counter.Count(prev) <= c.config.Overlap {
		return prev
	}

	best := ""
	for _, b := range Boundaries {
		idx := strings.LastIndex(prev, b)
		for idx >= 0 {
			suffix := strings.TrimSpace(prev[idx+len(b):])
			if suffix == "" {
				// Boundary at the very end; look one occurrence back.
				idx = strings.LastIndex(prev[:idx], b)
				continue
			}
			if c.counter.Count(suffix) <= c.config.Overlap && len(suffix) > len(best) {
				best = suffix
			}
			break
		}
	}
	if best != "" {
		return best
	}

	// No boundary fits; take trailing words.
	words := strings.Fields(prev)
	tokens := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		wt := tokenizer.WordTokens(words[i])
		if tokens+wt > c.config.Overlap {
			break
		}
		tokens += wt
		start = i
	}
	if start >= len(words) {
		return ""
	}
	return strings.Join(words[start:], " ")
}

// overlapHead returns the prefix of next to carry into the previous
// chunk: the longest leading text ending at a boundary that fits in the
// overlap budget, or leading words when no boundary fits.
func (c *Chunker) overlapHead(next string) string {
	if c.config.Overlap <= 0 {
		return ""
	}
	if c.counter.Count(next) <= c.config.Overlap {
		return next
	}

	best := ""
	for _, b := range Boundaries {
		idx := strings.Index(next, b)
		for idx >= 0 {
			prefix := strings.TrimSpace(next[:idx+len(b)])
			if prefix == "" {
				// Boundary at the very start; look one occurrence ahead.
				off := idx + len(b)
				rel := strings.Index(next[off:], b)
				if rel < 0 {
					break
				}
				idx = off + rel
				continue
			}
			if c.counter.Count(prefix) <= c.config.Overlap && len(prefix) > len(best) {
				best = prefix
			}
			break
		}
	}
	if best != "" {
		return best
	}

	// No boundary fits; take leading words.
	words := strings.Fields(next)
	tokens := 0
	end := 0
	for _, word := range words {
		wt := tokenizer.WordTokens(word)
		if tokens+wt > c.config.Overlap {
			break
		}
		tokens += wt
		end++
	}
	if end == 0 {
		return ""
	}
	return strings.Join(words[:end], " ")
}
