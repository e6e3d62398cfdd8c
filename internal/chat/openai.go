package chat

import (
	"context"
	"errors"
	"io"
	"net/url"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/cmai/internal/llm"
)

// OpenAIBackend talks to an OpenAI compatible /chat/completions endpoint.
type OpenAIBackend struct {
	client llm.Client
}

func NewOpenAIBackend(client llm.Client) *OpenAIBackend {
	return &OpenAIBackend{client: client}
}

func (b *OpenAIBackend) Complete(ctx context.Context, model, text string) (Reply, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return Reply{}, classifyOpenAI(err)
	}

	reply := Reply{
		Text:  NoReplyText,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		reply.Text = resp.Choices[0].Message.Content
	}
	return reply, nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newError(kindForStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return newError(kindForStatus(reqErr.HTTPStatusCode), err)
	}
	// Failures from the HTTP round trip arrive as *url.Error. A bare EOF
	// means the body was read but empty.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return newError(KindTransport, err)
	}
	if isDecodeError(err) || errors.Is(err, io.EOF) {
		return newError(KindMalformedResponse, err)
	}
	return newError(KindTransport, err)
}
