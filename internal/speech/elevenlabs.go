package speech

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/logger"
)

const (
	defaultElevenLabsURL   = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultElevenLabsVoice = "21m00Tcm4TlvDq8ikWAM"
	defaultElevenLabsModel = "eleven_turbo_v2_5"
	providerElevenLabs     = "elevenlabs"
)

// ElevenLabs synthesizes speech over the ElevenLabs stream-input websocket.
type ElevenLabs struct {
	BaseURL         string
	APIKey          string
	ModelID         string
	SampleRate      int
	Stability       float64
	SimilarityBoost float64
	Timeout         time.Duration
}

// Client messages
type (
	elBOSMessage struct {
		Text          string          `json:"text"`
		VoiceSettings elVoiceSettings `json:"voice_settings"`
	}

	elVoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	}

	elTextMessage struct {
		Text                 string `json:"text"`
		TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	}
)

// elServerMessage covers both audio frames and error frames.
type elServerMessage struct {
	Audio   string `json:"audio"`
	IsFinal *bool  `json:"isFinal"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewElevenLabs(cfg config.SpeechConfig) *ElevenLabs {
	e := &ElevenLabs{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		ModelID:         cfg.Model,
		SampleRate:      cfg.SampleRate,
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Timeout:         cfg.Timeout,
	}
	if e.BaseURL == "" {
		e.BaseURL = defaultElevenLabsURL
	}
	if e.ModelID == "" {
		e.ModelID = defaultElevenLabsModel
	}
	if e.SampleRate == 0 {
		e.SampleRate = 22050
	}
	if e.Timeout <= 0 {
		e.Timeout = 60 * time.Second
	}
	return e
}

// sampleRate returns the configured rate if ElevenLabs offers it as pcm output.
func (e *ElevenLabs) sampleRate() int {
	switch e.SampleRate {
	case 16000, 22050, 24000, 44100:
		return e.SampleRate
	default:
		return 22050
	}
}

func (e *ElevenLabs) outputFormat() string {
	return fmt.Sprintf("pcm_%d", e.sampleRate())
}

func (e *ElevenLabs) streamURL(voice string) (string, error) {
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + "/" + url.PathEscape(voice) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.ModelID)
	q.Set("output_format", e.outputFormat())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Synthesize streams text to ElevenLabs and collects the returned PCM into a WAV file.
func (e *ElevenLabs) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if voice == "" {
		voice = defaultElevenLabsVoice
	}

	pcm, err := e.stream(ctx, text, voice)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &SynthesisError{Provider: providerElevenLabs, Err: err}
	}

	wav, err := EncodeWAV(pcm, e.sampleRate(), 1)
	if err != nil {
		return nil, &SynthesisError{Provider: providerElevenLabs, Err: err}
	}
	return wav, nil
}

func (e *ElevenLabs) stream(ctx context.Context, text, voice string) ([]byte, error) {
	u, err := e.streamURL(voice)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{}
	headers.Set("xi-api-key", e.APIKey)

	conn, resp, err := dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	messages := []any{
		elBOSMessage{
			Text:          " ",
			VoiceSettings: elVoiceSettings{Stability: e.Stability, SimilarityBoost: e.SimilarityBoost},
		},
		elTextMessage{Text: strings.TrimSpace(text) + " ", TryTriggerGeneration: true},
		elTextMessage{Text: ""},
	}
	for _, msg := range messages {
		if err := e.send(conn, msg); err != nil {
			return nil, fmt.Errorf("send: %w", err)
		}
	}

	var pcm []byte
	for {
		conn.SetReadDeadline(time.Now().Add(e.Timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && len(pcm) > 0 {
				break
			}
			return nil, fmt.Errorf("read: %w", err)
		}

		var msg elServerMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid frame: %w", err)
		}
		if msg.Error != "" {
			return nil, fmt.Errorf("server error: %s: %s", msg.Error, msg.Message)
		}
		if msg.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(msg.Audio)
			if err != nil {
				return nil, fmt.Errorf("decode audio chunk: %w", err)
			}
			pcm = append(pcm, chunk...)
		}
		if msg.IsFinal != nil && *msg.IsFinal {
			break
		}
	}

	if len(pcm) == 0 {
		return nil, errors.New("no audio received")
	}
	logger.L.Debug("elevenlabs stream complete", "voice", voice, "pcm_bytes", len(pcm))
	return pcm, nil
}

func (e *ElevenLabs) send(conn *websocket.Conn, v any) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
