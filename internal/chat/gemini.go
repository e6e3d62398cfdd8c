package chat

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// GeminiBackend talks to the Gemini API through the genai SDK.
type GeminiBackend struct {
	client *genai.Client
}

func NewGeminiBackend(client *genai.Client) *GeminiBackend {
	return &GeminiBackend{client: client}
}

func (b *GeminiBackend) Complete(ctx context.Context, model, text string) (Reply, error) {
	resp, err := b.client.Models.GenerateContent(ctx, model, genai.Text(text), nil)
	if err != nil {
		return Reply{}, classifyGemini(err)
	}

	reply := Reply{Text: NoReplyText, Model: resp.ModelVersion}
	if resp.UsageMetadata != nil {
		reply.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return reply, nil
	}

	var sb strings.Builder
	if content := resp.Candidates[0].Content; content != nil {
		for _, part := range content.Parts {
			if part != nil {
				sb.WriteString(part.Text)
			}
		}
	}
	reply.Text = sb.String()
	return reply, nil
}

func classifyGemini(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newError(kindForStatus(apiErr.Code), err)
	}
	if isDecodeError(err) {
		return newError(KindMalformedResponse, err)
	}
	return newError(KindTransport, err)
}
