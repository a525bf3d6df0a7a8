// Package assist asks Claude for help with sync chores: proposing field
// choices for a pending conflict and answering questions about local runs.
//
// Suggestions are advisory. Nothing here writes to either store; the CLI
// shows a suggestion and the user applies it through ResolveConflict.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when the config names none.
const DefaultModel = "claude-sonnet-4-5"

// Completer sends one prompt and returns the text of the reply.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Claude is a Completer backed by the Anthropic Messages API.
type Claude struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *log.Logger
}

// NewClaude creates a Completer. The API key is required.
func NewClaude(apiKey, model string, maxTokens int64, opts ...option.RequestOption) (*Claude, error) {
	if apiKey == "" {
		return nil, errors.New("assist: API key is required (set ANTHROPIC_API_KEY)")
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Claude{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    log.New(os.Stderr, "[assist] ", log.LstdFlags),
	}, nil
}

// Complete implements Completer.
func (c *Claude) Complete(ctx context.Context, system, prompt string) (string, error) {
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", c.model, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("empty reply from %s (stop reason %s)", c.model, msg.StopReason)
	}
	c.logger.Printf("%s: %d input, %d output tokens", c.model, msg.Usage.InputTokens, msg.Usage.OutputTokens)
	return b.String(), nil
}
