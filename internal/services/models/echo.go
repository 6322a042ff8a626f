package models

import (
	"context"
	"strings"

	"github.com/dshills/plugbox/internal/services"
)

// Echo answers every prompt with the prompt itself. It needs no credentials
// and is the default provider.
type Echo struct{}

// Name implements Provider.
func (Echo) Name() string { return "echo" }

// Complete implements Provider.
func (Echo) Complete(ctx context.Context, model, prompt string, opts services.ModelOptions) (*services.ModelResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := prompt
	if opts.System != "" {
		text = opts.System + "\n" + prompt
	}
	words := int64(len(strings.Fields(text)))
	return &services.ModelResult{
		Model:        model,
		Text:         text,
		InputTokens:  words,
		OutputTokens: words,
	}, nil
}
