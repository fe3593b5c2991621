package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiAdapter implements Generator for Gemini models.
type GeminiAdapter struct {
	client *genai.Client
}

// NewGeminiAdapter creates a new Google Gemini adapter.
func NewGeminiAdapter(ctx context.Context, apiKey string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider: gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: create gemini client: %w", err)
	}
	return &GeminiAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *GeminiAdapter) Name() string { return "gemini" }

// Models returns the list of supported Gemini models.
func (a *GeminiAdapter) Models() []string {
	return []string{
		"gemini-1.5-pro",
		"gemini-1.5-flash",
		"gemini-1.0-pro",
	}
}

// Generate sends a prompt to Gemini and returns the response text.
func (a *GeminiAdapter) Generate(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
	}
	resp, err := a.client.Models.GenerateContent(ctx, model, genai.Text(userPrompt), cfg)
	if err != nil {
		return "", Transient(fmt.Errorf("provider: gemini: %w", err))
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", Transient(fmt.Errorf("provider: gemini returned no candidates"))
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}
	if content == "" {
		return "", Transient(fmt.Errorf("provider: gemini returned empty response"))
	}
	return content, nil
}
