package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockOpenAIServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"model":   "gpt-4o",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
			"usage":   map[string]any{"prompt_tokens": 42, "completion_tokens": 17, "total_tokens": 59},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIInferencerParsesStructuredAnswer(t *testing.T) {
	structured := `{"answer":"The deadline is March 31.","facts":[{"text":"The deadline is March 31.","citations":[{"locator":"wiki/a","confidence":0.9},{"locator":"wiki/b","confidence":0.8}]}],"confidence":0.85}`
	srv := newMockOpenAIServer(t, structured)
	defer srv.Close()

	p := NewOpenAIInferencerWithBaseURL("test-key", srv.URL, "gpt-4o")
	out, err := p.Infer(context.Background(), &Request{Prompt: "q", MaxOutputTokens: 512})
	require.NoError(t, err)

	assert.Equal(t, "The deadline is March 31.", out.Answer)
	require.Len(t, out.Facts, 1)
	assert.Len(t, out.Facts[0].Citations, 2)
	assert.Equal(t, 42, out.TokenUsage.Input)
	assert.Equal(t, 17, out.TokenUsage.Output)
}

func TestOpenAIInferencerRejectsMalformedAnswer(t *testing.T) {
	srv := newMockOpenAIServer(t, "not json at all")
	defer srv.Close()

	p := NewOpenAIInferencerWithBaseURL("test-key", srv.URL, "gpt-4o")
	_, err := p.Infer(context.Background(), &Request{Prompt: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing structured answer")
}
