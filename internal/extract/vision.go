package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/dshills/rfqindex/pkg/types"
)

// VisionPrompt is the fixed template sent with every image
const VisionPrompt = `Describe this image for a procurement search index.
Reply with four sections:
VISIBLE_TEXT: every legible word, number, dimension and label, verbatim.
KEY_FIELDS: part numbers, materials, quantities, standards, finishes and tolerances.
SUMMARY: two sentences on what the image shows.
RISKS: anything unclear, missing or contradictory.`

// LLMVision describes images with a multimodal chat model
type LLMVision struct {
	model llms.Model
}

// NewLLMVision wraps an existing model
func NewLLMVision(model llms.Model) *LLMVision {
	return &LLMVision{model: model}
}

// NewOpenAIVision creates a vision collaborator on an OpenAI-compatible endpoint
func NewOpenAIVision(host, token, model string) (*LLMVision, error) {
	opts := []openai.Option{openai.WithModel(model)}
	if host != "" {
		opts = append(opts, openai.WithBaseURL(host))
	}
	if token != "" {
		opts = append(opts, openai.WithToken(token))
	}
	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision model: %w", err)
	}
	return NewLLMVision(client), nil
}

// Describe returns the model's description of image. Model call failures
// are transient unless ctx ended.
func (v *LLMVision) Describe(ctx context.Context, image []byte, mime string) (string, error) {
	if len(image) == 0 {
		return "", errors.New("empty image")
	}
	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(VisionPrompt),
				llms.BinaryPart(mime, image),
			},
		},
	}
	resp, err := v.model.GenerateContent(ctx, content, llms.WithTemperature(0.2), llms.WithMaxTokens(1024))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &types.TransientSourceError{Table: "vision", Err: fmt.Errorf("describe image: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
