package reasoning

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	arbotel "github.com/clearline-io/arbiter/internal/otel"
)

// systemPrompt instructs the model to produce the structured output the gate
// validates. Facts without citations are rejected downstream, so the
// contract is stated up front.
const systemPrompt = `You are a grounded research assistant. Answer using ONLY the supplied documents.
Respond with a single JSON object:
{"answer": "...", "facts": [{"text": "...", "fact_key": "", "stance": "", "citations": [{"locator": "...", "title": "...", "author": "...", "excerpt": "...", "confidence": 0.0, "source_type": "..."}]}], "proposals": [{"action_id": "...", "params": {}, "intent": "..."}], "assumptions": [], "limitations": [], "trade_offs": [], "failure_modes": [], "confidence": 0.0}
Every fact must cite at least two of the supplied documents. When documents conflict, present the options instead of choosing one.
Propose an action only when the listed allow-listed actions contain one that directly serves the request; otherwise return an empty proposals list.`

// OpenAIInferencer implements the Inferencer contract against the OpenAI
// chat completions API.
type OpenAIInferencer struct {
	client *openai.Client
	model  string
}

// NewOpenAIInferencer creates an OpenAI-backed inference collaborator.
func NewOpenAIInferencer(apiKey, model string) *OpenAIInferencer {
	return &OpenAIInferencer{client: openai.NewClient(apiKey), model: model}
}

// NewOpenAIInferencerWithBaseURL creates an adapter pointed at a custom base
// URL (e.g. a mock server in e2e tests). baseURL is scheme+host without
// path; the client appends /v1 as needed.
func NewOpenAIInferencerWithBaseURL(apiKey, baseURL, model string) *OpenAIInferencer {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL + "/v1"
	return &OpenAIInferencer{client: openai.NewClientWithConfig(config), model: model}
}

// Infer sends a chat completion request and parses the structured answer.
func (p *OpenAIInferencer) Infer(ctx context.Context, req *Request) (*Output, error) {
	ctx, span := tracer.Start(ctx, "gen_ai.infer",
		trace.WithAttributes(
			arbotel.InferenceRequestAttributes("openai", p.model, req.Temperature, req.MaxOutputTokens)...,
		))
	defer span.End()

	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature:    float32(req.Temperature),
		MaxTokens:      req.MaxOutputTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		User:           req.IdempotencyKey,
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("openai api call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	var out Output
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &out); err != nil {
		return nil, fmt.Errorf("parsing structured answer: %w", err)
	}
	out.TokenUsage = TokenUsage{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
	}

	span.SetAttributes(arbotel.InferenceUsageAttributes(out.TokenUsage.Input, out.TokenUsage.Output)...)
	return &out, nil
}
