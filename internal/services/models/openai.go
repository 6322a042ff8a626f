package models

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/dshills/plugbox/internal/services"
)

// OpenAI serves models through the OpenAI chat completions API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a provider authenticated with apiKey.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(openaiopt.WithAPIKey(apiKey))}
}

// Name implements Provider.
func (*OpenAI) Name() string { return "openai" }

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, model, prompt string, opts services.ModelOptions) (*services.ModelResult, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if opts.System != "" {
		messages = append(messages, openai.SystemMessage(opts.System))
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("empty completion")
	}
	return &services.ModelResult{
		Model:        completion.Model,
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}
