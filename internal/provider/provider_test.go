package provider_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/tansa/internal/provider"
)

func TestRegistryRouting(t *testing.T) {
	gemini := provider.NewMockGenerator("gemini", "gemini-1.5-pro")
	openai := provider.NewMockGenerator("openai", "gpt-4o")
	reg := provider.NewRegistry(gemini, openai)

	tests := []struct {
		model   string
		adapter string
		wantErr bool
	}{
		{"gemini-1.5-pro", "gemini", false},
		{"gemini-1.5-flash", "gemini", false},
		{"gpt-4o", "openai", false},
		{"claude-3-opus", "", true}, // anthropic not configured
		{"llama-70b", "", true},     // unknown family
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			g, err := reg.Lookup(tt.model)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, reg.Recognizes(tt.model))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.adapter, g.Name())
			assert.True(t, reg.Recognizes(tt.model))
		})
	}
}

func TestRegistrySkipsNilAdapters(t *testing.T) {
	reg := provider.NewRegistry(nil, provider.NewMockGenerator("openai", "gpt-4o"))
	catalog := reg.Catalog()
	require.Len(t, catalog, 1)
	assert.Equal(t, []string{"gpt-4o"}, catalog["openai"])
}

func TestGenerateJSONParsesFencedResponse(t *testing.T) {
	mock := provider.NewMockGenerator("openai").
		Respond("Here you go:\n```json\n[\"a\", \"b\"]\n```\n")

	var out []string
	err := provider.GenerateJSON(context.Background(), mock, "gpt-4o", "sys", "user", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out)
	assert.Len(t, mock.Calls(), 1)
}

func TestGenerateJSONCorrectiveRetry(t *testing.T) {
	mock := provider.NewMockGenerator("openai").
		Respond("sorry, I cannot produce JSON").
		Respond(`{"queries": ["x"]}`)

	var out struct {
		Queries []string `json:"queries"`
	}
	err := provider.GenerateJSON(context.Background(), mock, "gpt-4o", "sys", "user", &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, out.Queries)

	calls := mock.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].UserPrompt, "could not be parsed")
}

func TestGenerateJSONInvalidFormatAfterRetry(t *testing.T) {
	mock := provider.NewMockGenerator("openai").
		Respond("still not json").
		Respond("nope")

	var out []string
	err := provider.GenerateJSON(context.Background(), mock, "gpt-4o", "sys", "user", &out)
	require.Error(t, err)

	var me *provider.ModelError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, provider.ModelInvalidFormat, me.Kind)
	assert.Len(t, mock.Calls(), 2) // exactly one corrective retry, never more
}

func TestGenerateJSONPropagatesTransportError(t *testing.T) {
	mock := provider.NewMockGenerator("openai").
		Fail(provider.Transient(errors.New("rate limited")))

	var out []string
	err := provider.GenerateJSON(context.Background(), mock, "gpt-4o", "sys", "user", &out)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, provider.IsTransient(context.DeadlineExceeded))
	assert.False(t, provider.IsTransient(context.Canceled))
	assert.False(t, provider.IsTransient(nil))
	assert.True(t, provider.IsTransient(provider.Transient(errors.New("x"))))
	assert.False(t, provider.IsTransient(provider.InvalidFormat(errors.New("x"))))
}
