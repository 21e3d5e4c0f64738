// Package llm wraps the Anthropic API behind small completion helpers.
// Prompt construction lives with the callers; this package only moves
// text and images in and out of the model.
package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// ImageInput is an inline image attached to a vision completion.
type ImageInput struct {
	MediaType string // e.g. "image/png"
	Data      []byte
}

// Client wraps the Anthropic API.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// Complete sends a system + user prompt and returns the model's text.
func (c *Client) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	text := firstText(msg)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// CompleteJSON sends a system + user prompt and unmarshals the response
// into out, stripping markdown fencing when the model adds it.
func (c *Client) CompleteJSON(ctx context.Context, system, user string, maxTokens int, out any) error {
	text, err := c.Complete(ctx, system, user, maxTokens)
	if err != nil {
		return err
	}

	text = stripFences(text)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return nil
}

// CompleteWithImages sends a vision prompt with inline images followed
// by the user text, and returns the model's text.
func (c *Client) CompleteWithImages(ctx context.Context, system, user string, images []ImageInput, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		encoded := base64.StdEncoding.EncodeToString(img.Data)
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, encoded))
	}
	blocks = append(blocks, anthropic.NewTextBlock(user))

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	text := firstText(msg)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// firstText returns the first text block from a response.
func firstText(msg *anthropic.Message) string {
	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

// stripFences removes markdown code fencing around a response body.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
