package models

import (
	"context"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/plugbox/internal/services"
)

// Anthropic serves models through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates a provider authenticated with apiKey.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(anthropicopt.WithAPIKey(apiKey))}
}

// Name implements Provider.
func (*Anthropic) Name() string { return "anthropic" }

// Complete implements Provider.
func (a *Anthropic) Complete(ctx context.Context, model, prompt string, opts services.ModelOptions) (*services.ModelResult, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(opts.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: opts.System}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &services.ModelResult{
		Model:        string(msg.Model),
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
