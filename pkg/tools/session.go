package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/comigor/cmai/internal/chat"
	"github.com/comigor/cmai/internal/session"
)

// RegisterSessionTools registers every tool that drives s.
func RegisterSessionTools(m *ToolManager, s *session.Session) {
	m.RegisterTool(&NavigateTool{session: s})
	m.RegisterTool(&ChatSendTool{session: s})
	m.RegisterTool(&ChatHistoryTool{session: s})
	m.RegisterTool(&SpeechGenerateTool{session: s})
	m.RegisterTool(&PlaybackPlayTool{session: s})
	m.RegisterTool(&PlaybackStopTool{session: s})
}

func decodeArgs(args string, v any) error {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	if err := sonic.UnmarshalString(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	return sonic.MarshalString(v)
}

// NavigateTool switches the current screen.
type NavigateTool struct {
	session *session.Session
}

func (t *NavigateTool) Name() string { return "navigate" }

func (t *NavigateTool) Description() string {
	return "Switch the assistant screen. From menu you can open chat, voice or visualization; from any other screen you can only go back to menu."
}

func (t *NavigateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "screen": {"type": "string", "enum": ["menu", "chat", "voice", "visualization"]}
  },
  "required": ["screen"]
}`)
}

func (t *NavigateTool) Run(ctx context.Context, args string) (string, error) {
	var in struct {
		Screen string `json:"screen"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	target, err := session.ParseScreen(in.Screen)
	if err != nil {
		return "", err
	}
	if err := t.session.Navigate(ctx, target); err != nil {
		return "", err
	}
	return encode(map[string]any{
		"screen":    t.session.Screen(),
		"available": t.session.Available(ctx),
	})
}

// ChatSendTool runs a chat turn on the chat screen.
type ChatSendTool struct {
	session *session.Session
}

func (t *ChatSendTool) Name() string { return "chat_send" }

func (t *ChatSendTool) Description() string {
	return "Send a message on the chat screen and return the assistant's reply. Both messages are saved to the conversation history."
}

func (t *ChatSendTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "maxLength": 10000}
  },
  "required": ["text"]
}`)
}

func (t *ChatSendTool) Run(ctx context.Context, args string) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	turn, err := t.session.Send(ctx, in.Text)
	if err != nil {
		var chatErr *chat.Error
		if errors.As(err, &chatErr) {
			return "", fmt.Errorf("%s (%w)", chat.FallbackText(err), err)
		}
		return "", err
	}
	return encode(turn)
}

// ChatHistoryTool returns the transcript of the chat screen.
type ChatHistoryTool struct {
	session *session.Session
}

func (t *ChatHistoryTool) Name() string { return "chat_history" }

func (t *ChatHistoryTool) Description() string {
	return "Return the messages shown on the chat screen, oldest first."
}

func (t *ChatHistoryTool) Schema() json.RawMessage { return emptySchema }

func (t *ChatHistoryTool) Run(ctx context.Context, args string) (string, error) {
	if screen := t.session.Screen(); screen != session.ScreenChat {
		return "", fmt.Errorf("%w: history requires %s, current is %s", session.ErrWrongScreen, session.ScreenChat, screen)
	}
	return encode(t.session.Transcript())
}

// SpeechGenerateTool synthesizes the latest message on the voice screen.
type SpeechGenerateTool struct {
	session *session.Session
}

func (t *SpeechGenerateTool) Name() string { return "speech_generate" }

func (t *SpeechGenerateTool) Description() string {
	return "On the voice screen, turn the most recent message into speech and save it as the audio file."
}

func (t *SpeechGenerateTool) Schema() json.RawMessage { return emptySchema }

func (t *SpeechGenerateTool) Run(ctx context.Context, args string) (string, error) {
	res, err := t.session.GenerateSpeech(ctx)
	if err != nil {
		return "", err
	}
	return encode(res)
}

// PlaybackPlayTool plays the generated audio file.
type PlaybackPlayTool struct {
	session *session.Session
}

func (t *PlaybackPlayTool) Name() string { return "playback_play" }

func (t *PlaybackPlayTool) Description() string {
	return "On the voice screen, play the generated audio file, replacing anything already playing."
}

func (t *PlaybackPlayTool) Schema() json.RawMessage { return emptySchema }

func (t *PlaybackPlayTool) Run(ctx context.Context, args string) (string, error) {
	if err := t.session.Play(); err != nil {
		return "", err
	}
	return encode(map[string]bool{"playing": true})
}

// PlaybackStopTool stops playback.
type PlaybackStopTool struct {
	session *session.Session
}

func (t *PlaybackStopTool) Name() string { return "playback_stop" }

func (t *PlaybackStopTool) Description() string {
	return "Stop audio playback. Does nothing if nothing is playing."
}

func (t *PlaybackStopTool) Schema() json.RawMessage { return emptySchema }

func (t *PlaybackStopTool) Run(ctx context.Context, args string) (string, error) {
	t.session.Stop()
	return encode(map[string]bool{"playing": false})
}
