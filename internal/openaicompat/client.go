// Package openaicompat talks to any endpoint that speaks the OpenAI chat
// completions protocol (OpenAI itself, DeepSeek, Moonshot, local vLLM).
package openaicompat

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type Client struct {
	client      openai.Client
	model       openai.ChatModel
	temperature float64
}

// NewClient builds a client for baseURL, or the public OpenAI endpoint when
// baseURL is empty. Retries are disabled: the extraction gateway owns the
// call budget and a hidden retry would spend it twice.
func NewClient(apiKey, baseURL, model string, temperature float64) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		client:      openai.NewClient(opts...),
		model:       openai.ChatModel(model),
		temperature: temperature,
	}
}

// Complete runs one system+user exchange and returns the assistant text.
func (c *Client) Complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(c.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion: no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}
