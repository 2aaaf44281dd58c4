package illustration

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// ErrNoImage is returned when the provider answered without image data.
var ErrNoImage = errors.New("provider returned no image")

// Provider renders one prompt into image bytes.
type Provider interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// GenaiProvider renders images with a Gemini image model.
type GenaiProvider struct {
	client *genai.Client
	model  string
}

func NewGenaiProvider(ctx context.Context, apiKey, model string) (*GenaiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GenaiProvider{client: client, model: model}, nil
}

func (p *GenaiProvider) Generate(ctx context.Context, prompt string) ([]byte, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, fmt.Errorf("generate image with %s: %w", p.model, err)
	}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return part.InlineData.Data, nil
			}
		}
	}
	return nil, ErrNoImage
}
