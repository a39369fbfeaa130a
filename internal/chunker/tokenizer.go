package chunker

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE used for token counts
const DefaultEncoding = "cl100k_base"

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Tokenizer converts text to token ids and back
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// TiktokenTokenizer wraps a tiktoken encoding
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	mu       sync.RWMutex
}

var (
	defaultTokenizer *TiktokenTokenizer
	defaultOnce      sync.Once
	defaultErr       error
)

// DefaultTokenizer returns the shared cl100k_base tokenizer
func DefaultTokenizer() (*TiktokenTokenizer, error) {
	defaultOnce.Do(func() {
		defaultTokenizer, defaultErr = NewTiktoken(DefaultEncoding)
	})
	return defaultTokenizer, defaultErr
}

// NewTiktoken loads the named encoding from the embedded BPE files
func NewTiktoken(encoding string) (*TiktokenTokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &TiktokenTokenizer{encoding: enc}, nil
}

func (t *TiktokenTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encoding.Encode(text, nil, nil)
}

func (t *TiktokenTokenizer) Decode(tokens []int) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.encoding.Decode(tokens)
}

// Count returns the number of tokens in text
func (t *TiktokenTokenizer) Count(text string) int {
	return len(t.Encode(text))
}
