package speech

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/cmai/internal/llm"
)

const (
	defaultOpenAIVoice = string(openai.VoiceAlloy)
	providerOpenAI     = "openai"
)

// OpenAISpeech uses the OpenAI /audio/speech endpoint with WAV output.
type OpenAISpeech struct {
	client llm.SpeechClient
	model  string
}

func NewOpenAISpeech(client llm.SpeechClient, model string) *OpenAISpeech {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	return &OpenAISpeech{client: client, model: model}
}

func (s *OpenAISpeech) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if voice == "" {
		voice = defaultOpenAIVoice
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SynthesisError{Provider: providerOpenAI, Err: err}
	}
	defer resp.Close()

	b, err := io.ReadAll(resp)
	if err != nil {
		return nil, &SynthesisError{Provider: providerOpenAI, Err: fmt.Errorf("read speech response body: %w", err)}
	}
	return b, nil
}
