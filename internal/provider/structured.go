package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateJSON runs a prompt whose answer must unmarshal into out.
//
// Models wrap JSON in prose or markdown fences more often than not, so
// the raw response is trimmed to its outermost JSON value before
// decoding. A response that still fails to decode gets exactly one
// corrective retry; a second failure is a ModelError{invalid_format},
// never an infinite retry loop.
func GenerateJSON(ctx context.Context, g Generator, model, systemPrompt, userPrompt string, out any) error {
	raw, err := g.Generate(ctx, model, systemPrompt, userPrompt)
	if err != nil {
		return err
	}

	decodeErr := decodeJSONResponse(raw, out)
	if decodeErr == nil {
		return nil
	}

	corrective := userPrompt + fmt.Sprintf(
		"\n\nYour previous response could not be parsed (%v). Respond with ONLY the requested JSON, no prose, no markdown fences.", decodeErr)
	raw, err = g.Generate(ctx, model, systemPrompt, corrective)
	if err != nil {
		return err
	}
	if decodeErr = decodeJSONResponse(raw, out); decodeErr != nil {
		return InvalidFormat(fmt.Errorf("provider: response failed schema validation after retry: %w", decodeErr))
	}
	return nil
}

// decodeJSONResponse extracts the outermost JSON array or object from
// raw and unmarshals it into out.
func decodeJSONResponse(raw string, out any) error {
	s := extractJSON(raw)
	if s == "" {
		return fmt.Errorf("no JSON value found in response")
	}
	if err := json.Unmarshal([]byte(s), out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Prefer an array if one appears before the first object, matching
	// the shapes the prompts request (lists of queries, lists of learnings).
	for _, pair := range [][2]byte{{'[', ']'}, {'{', '}'}} {
		start := strings.IndexByte(raw, pair[0])
		end := strings.LastIndexByte(raw, pair[1])
		if start >= 0 && end > start {
			return raw[start : end+1]
		}
	}
	return ""
}
