package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/cmai/internal/config"
)

func pcmBytes(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func decodeWAV(t *testing.T, data []byte) (int, []int) {
	t.Helper()
	d := wav.NewDecoder(bytes.NewReader(data))
	buf, err := d.FullPCMBuffer()
	require.NoError(t, err)
	require.Equal(t, uint16(16), d.BitDepth)
	return int(d.SampleRate), buf.Data
}

func TestEncodeWAV(t *testing.T) {
	data, err := EncodeWAV(pcmBytes(0, 1000, -1000, 32767), 16000, 1)
	require.NoError(t, err)
	require.Equal(t, "RIFF", string(data[:4]))

	rate, samples := decodeWAV(t, data)
	require.Equal(t, 16000, rate)
	require.Equal(t, []int{0, 1000, -1000, 32767}, samples)
}

type fakeSynth struct {
	audio []byte
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	f.calls++
	return f.audio, f.err
}

func TestToFile_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	require.NoError(t, os.WriteFile(path, []byte("old contents that are longer"), 0o644))

	res, err := ToFile(context.Background(), &fakeSynth{audio: []byte("new")}, "hello", "v", path)
	require.NoError(t, err)
	require.Equal(t, Result{Path: path, Bytes: 3, Voice: "v"}, res)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "new", string(b))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}

func TestToFile_FailureKeepsPreviousFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	synthErr := &SynthesisError{Provider: "fake", Err: errors.New("boom")}
	_, err := ToFile(context.Background(), &fakeSynth{err: synthErr}, "hello", "v", path)
	require.ErrorIs(t, err, synthErr)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "old", string(b))
}

func TestToFile_EmptyText(t *testing.T) {
	f := &fakeSynth{}
	_, err := ToFile(context.Background(), f, "  ", "v", filepath.Join(t.TempDir(), "x.wav"))
	require.ErrorIs(t, err, ErrEmptyText)
	require.Zero(t, f.calls)
}

func newElevenLabsServer(t *testing.T, handle func(conn *websocket.Conn)) *ElevenLabs {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "el-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.True(t, strings.HasSuffix(r.URL.Path, "/voice-1/stream-input"), r.URL.Path)
		require.Equal(t, "pcm_16000", r.URL.Query().Get("output_format"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)

	return NewElevenLabs(config.SpeechConfig{
		BaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		APIKey:     "el-key",
		SampleRate: 16000,
	})
}

func readTextFrames(t *testing.T, conn *websocket.Conn, n int) []string {
	var texts []string
	for i := 0; i < n; i++ {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		texts = append(texts, msg.Text)
	}
	return texts
}

func TestElevenLabs_Synthesize(t *testing.T) {
	received := make(chan []string, 1)
	el := newElevenLabsServer(t, func(conn *websocket.Conn) {
		received <- readTextFrames(t, conn, 3)

		conn.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString(pcmBytes(1, 2)), "isFinal": nil})
		conn.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString(pcmBytes(3)), "normalizedAlignment": map[string]any{}})
		conn.WriteJSON(map[string]any{"isFinal": true})
	})

	data, err := el.Synthesize(context.Background(), "Hello there", "voice-1")
	require.NoError(t, err)
	require.Equal(t, []string{" ", "Hello there ", ""}, <-received)

	rate, samples := decodeWAV(t, data)
	require.Equal(t, 16000, rate)
	require.Equal(t, []int{1, 2, 3}, samples)
}

func TestElevenLabs_ServerError(t *testing.T) {
	el := newElevenLabsServer(t, func(conn *websocket.Conn) {
		readTextFrames(t, conn, 3)
		conn.WriteJSON(map[string]any{"error": "quota_exceeded", "message": "out of credits"})
	})

	_, err := el.Synthesize(context.Background(), "Hello", "voice-1")
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Equal(t, "elevenlabs", synthErr.Provider)
	require.Contains(t, err.Error(), "out of credits")
}

func TestElevenLabs_Unauthorized(t *testing.T) {
	el := newElevenLabsServer(t, func(conn *websocket.Conn) {})
	el.APIKey = "wrong"

	_, err := el.Synthesize(context.Background(), "Hello", "voice-1")
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Contains(t, err.Error(), "401")
}

type mockSpeechClient struct {
	req  openai.CreateSpeechRequest
	body string
	err  error
}

func (m *mockSpeechClient) CreateSpeech(ctx context.Context, req openai.CreateSpeechRequest) (openai.RawResponse, error) {
	m.req = req
	if m.err != nil {
		return openai.RawResponse{}, m.err
	}
	return openai.RawResponse{ReadCloser: io.NopCloser(strings.NewReader(m.body))}, nil
}

func TestOpenAISpeech(t *testing.T) {
	m := &mockSpeechClient{body: "RIFF....WAVE"}
	s := NewOpenAISpeech(m, "")

	data, err := s.Synthesize(context.Background(), "Hi", "")
	require.NoError(t, err)
	require.Equal(t, "RIFF....WAVE", string(data))
	require.Equal(t, openai.SpeechModel("tts-1"), m.req.Model)
	require.Equal(t, openai.VoiceAlloy, m.req.Voice)
	require.Equal(t, openai.SpeechResponseFormatWav, m.req.ResponseFormat)
	require.Equal(t, "Hi", m.req.Input)
}

func TestOpenAISpeech_Error(t *testing.T) {
	s := NewOpenAISpeech(&mockSpeechClient{err: errors.New("down")}, "tts-1")

	_, err := s.Synthesize(context.Background(), "Hi", "nova")
	var synthErr *SynthesisError
	require.ErrorAs(t, err, &synthErr)
	require.Equal(t, "openai", synthErr.Provider)
}

func TestNew(t *testing.T) {
	_, err := New(config.SpeechConfig{Provider: "elevenlabs"})
	require.Error(t, err, "api key required")

	s, err := New(config.SpeechConfig{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	require.IsType(t, &OpenAISpeech{}, s)

	_, err = New(config.SpeechConfig{Provider: "polly"})
	require.Error(t, err)
}
