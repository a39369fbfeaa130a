package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/rfqindex/pkg/types"
)

const (
	// DefaultWindow is the chunk size in tokens
	DefaultWindow = 1200
	// DefaultOverlap is the number of tokens shared by consecutive chunks
	DefaultOverlap = 150

	paragraphBreak = "\n\n"
)

// Options configure a Chunker
type Options struct {
	Window    int
	Overlap   int
	Tokenizer Tokenizer // nil uses the cl100k_base tokenizer
}

// Chunker cuts documents into overlapping token windows
type Chunker struct {
	window    int
	overlap   int
	tokenizer Tokenizer
}

// Span is one window over the token sequence of a text
type Span struct {
	Start int // first token, inclusive
	End   int // last token, exclusive
	Text  string
}

// New creates a Chunker
func New(opts Options) (*Chunker, error) {
	if opts.Window <= 0 {
		return nil, errors.New("chunk window must be positive")
	}
	if opts.Overlap < 0 || opts.Overlap >= opts.Window {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", opts.Overlap, opts.Window)
	}
	tok := opts.Tokenizer
	if tok == nil {
		def, err := DefaultTokenizer()
		if err != nil {
			return nil, err
		}
		tok = def
	}
	return &Chunker{window: opts.Window, overlap: opts.Overlap, tokenizer: tok}, nil
}

// Split returns the token windows of text. Each window ends at the last
// paragraph break inside it that still moves past the overlap, or at the
// window size when there is none. Consecutive windows share exactly
// Overlap tokens and the last window ends at the end of the text.
func (c *Chunker) Split(text string) []Span {
	tokens := c.tokenizer.Encode(text)
	n := len(tokens)
	if n == 0 {
		return nil
	}
	breaks := c.paragraphBreaks(tokens)

	var spans []Span
	start := 0
	for {
		end := n
		if n-start > c.window {
			end = start + c.window
			for k := end; k > start+c.overlap; k-- {
				if breaks[k] {
					end = k
					break
				}
			}
		}
		spans = append(spans, Span{Start: start, End: end, Text: c.tokenizer.Decode(tokens[start:end])})
		if end == n {
			return spans
		}
		start = end - c.overlap
	}
}

// paragraphBreaks marks every k where the text of tokens[:k] ends with a
// blank line
func (c *Chunker) paragraphBreaks(tokens []int) map[int]bool {
	breaks := make(map[int]bool)
	var tail string
	for i, tok := range tokens {
		tail += c.tokenizer.Decode([]int{tok})
		if len(tail) > len(paragraphBreak) {
			tail = tail[len(tail)-len(paragraphBreak):]
		}
		if tail == paragraphBreak {
			breaks[i+1] = true
		}
	}
	return breaks
}

// Chunk cuts a document into chunks carrying its lineage, with ordinals
// from 0 and content hashes computed. Vectors are left empty.
//
// Content is the span text with leading and trailing whitespace trimmed, so
// a window cut at a paragraph break does not keep the blank line. The hash
// covers the trimmed content while TokenCount stays the untrimmed span
// length. Spans that are only whitespace produce no chunk and take no
// ordinal.
func (c *Chunker) Chunk(doc types.Document) []*types.Chunk {
	lineage := doc.Lineage()
	spans := c.Split(doc.Body())

	chunks := make([]*types.Chunk, 0, len(spans))
	for _, s := range spans {
		content := strings.TrimSpace(s.Text)
		if content == "" {
			continue
		}
		chunk := &types.Chunk{
			RFQID:      lineage.RFQID,
			DocType:    doc.Kind(),
			ProductID:  lineage.ProductID,
			QueryID:    lineage.QueryID,
			FileID:     lineage.FileID,
			Page:       lineage.Page,
			Title:      lineage.Title,
			Ordinal:    len(chunks),
			Content:    content,
			TokenCount: s.End - s.Start,
		}
		chunk.ComputeContentHash()
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ChunkAll chunks documents in order
func (c *Chunker) ChunkAll(docs []types.Document) []*types.Chunk {
	var out []*types.Chunk
	for _, d := range docs {
		out = append(out, c.Chunk(d)...)
	}
	return out
}
