package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/cmai/internal/chat"
	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/history"
)

type fakeChat struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   []string
	started chan struct{}
	release chan struct{}
	// onReply runs after the reply is produced, before it is returned.
	onReply func()
}

func (f *fakeChat) Complete(ctx context.Context, text string) (chat.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return chat.Reply{}, ctx.Err()
		}
	}
	if f.err != nil {
		return chat.Reply{}, f.err
	}
	if f.onReply != nil {
		f.onReply()
	}
	return chat.Reply{Text: f.reply, Usage: chat.Usage{TotalTokens: 3}}, nil
}

type fakeSynth struct {
	text  string
	voice string
	err   error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	f.text, f.voice = text, voice
	if f.err != nil {
		return nil, f.err
	}
	return []byte("RIFF-audio"), nil
}

type fakePlayer struct {
	mu      sync.Mutex
	playing string
	plays   int
	stops   int
}

func (p *fakePlayer) Play(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = path
	p.plays++
	return nil
}

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = ""
	p.stops++
}

func (p *fakePlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing != ""
}

type testEnv struct {
	store  *history.MemoryStore
	chat   *fakeChat
	synth  *fakeSynth
	player *fakePlayer
	audio  string
	s      *Session
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  history.NewMemoryStore(),
		chat:   &fakeChat{reply: "Hello!"},
		synth:  &fakeSynth{},
		player: &fakePlayer{},
		audio:  filepath.Join(t.TempDir(), "speech.wav"),
	}
	var ts int64 = 1_000
	clock := func() time.Time {
		ts++
		return time.UnixMilli(ts)
	}
	opts = append([]Option{WithAudioPath(env.audio), WithVoice("v1"), WithClock(clock)}, opts...)
	env.s = New(env.store, env.chat, env.synth, env.player, opts...)
	t.Cleanup(func() { env.s.Close() })
	return env
}

func messages(t *testing.T, store history.Store) []history.Message {
	t.Helper()
	msgs, err := store.ListAll(context.Background())
	require.NoError(t, err)
	return msgs
}

func TestNavigate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.s

	require.Equal(t, ScreenMenu, s.Screen())
	require.ElementsMatch(t, []Screen{ScreenChat, ScreenVoice, ScreenVisualization}, s.Available(ctx))

	err := s.Navigate(ctx, ScreenMenu)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, ScreenMenu, s.Screen())

	require.NoError(t, s.Navigate(ctx, ScreenVisualization))
	require.Equal(t, []Screen{ScreenMenu}, s.Available(ctx))

	err = s.Navigate(ctx, ScreenChat)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, ScreenVisualization, s.Screen())

	require.NoError(t, s.Navigate(ctx, ScreenMenu))
	require.NoError(t, s.Navigate(ctx, ScreenVoice))
	require.NoError(t, s.Navigate(ctx, ScreenMenu))
	require.Equal(t, ScreenMenu, s.Screen())
}

func TestParseScreen(t *testing.T) {
	screen, err := ParseScreen("voice")
	require.NoError(t, err)
	require.Equal(t, ScreenVoice, screen)

	_, err = ParseScreen("settings")
	require.Error(t, err)
}

func TestChatEntryLoadsTranscript(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	_, err := env.store.Append(ctx, "later", history.SenderAI, 20)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "earlier", history.SenderUser, 10)
	require.NoError(t, err)

	require.NoError(t, env.s.Navigate(ctx, ScreenChat))
	transcript := env.s.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, "earlier", transcript[0].Text)
	require.Equal(t, "later", transcript[1].Text)

	require.NoError(t, env.s.Navigate(ctx, ScreenMenu))
	require.Empty(t, env.s.Transcript())
}

func TestSend(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	turn, err := env.s.Send(ctx, "  Hi  ")
	require.NoError(t, err)
	require.NotEmpty(t, turn.ID)
	require.Equal(t, "Hello!", turn.Reply.Text)
	require.Equal(t, []string{"Hi"}, env.chat.calls)

	msgs := messages(t, env.store)
	require.Len(t, msgs, 2)
	require.Equal(t, history.Message{ID: turn.UserMessageID, Text: "Hi", Sender: history.SenderUser, Timestamp: 1001}, msgs[0])
	require.Equal(t, history.Message{ID: turn.AIMessageID, Text: "Hello!", Sender: history.SenderAI, Timestamp: 1002}, msgs[1])
	require.Less(t, msgs[0].Timestamp, msgs[1].Timestamp)
	require.Equal(t, msgs, env.s.Transcript())
}

func TestSend_NoReplyIsStored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.chat.reply = chat.NoReplyText
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	_, err := env.s.Send(ctx, "Hi")
	require.NoError(t, err)
	msgs := messages(t, env.store)
	require.Len(t, msgs, 2)
	require.Equal(t, "No reply", msgs[1].Text)
}

func TestSend_RequiresChatScreen(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.s.Send(context.Background(), "Hi")
	require.ErrorIs(t, err, ErrWrongScreen)
	require.Empty(t, messages(t, env.store))
}

func TestSend_InputValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	_, err := env.s.Send(ctx, "   ")
	require.ErrorIs(t, err, chat.ErrEmptyInput)

	_, err = env.s.Send(ctx, strings.Repeat("a", history.MaxTextLength+1))
	require.ErrorIs(t, err, history.ErrTextTooLong)

	require.Empty(t, messages(t, env.store))
	require.Empty(t, env.chat.calls)
}

func TestSend_LongReplyIsTruncated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.chat.reply = strings.Repeat("é", history.MaxTextLength+5)
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	turn, err := env.s.Send(ctx, "Talk a lot")
	require.NoError(t, err)
	require.True(t, turn.Truncated)

	msgs := messages(t, env.store)
	require.Equal(t, strings.Repeat("é", history.MaxTextLength), msgs[1].Text)
}

func TestSend_ChatFailure(t *testing.T) {
	chatErr := &chat.Error{Kind: chat.KindAuth, Err: errors.New("401")}

	t.Run("separate keeps the user row", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t)
		env.chat.err = chatErr
		require.NoError(t, env.s.Navigate(ctx, ScreenChat))

		turn, err := env.s.Send(ctx, "Hi")
		require.ErrorIs(t, err, chat.ErrAuth)
		require.NotZero(t, turn.UserMessageID)

		msgs := messages(t, env.store)
		require.Len(t, msgs, 1)
		require.Equal(t, history.SenderUser, msgs[0].Sender)
		require.Len(t, env.s.Transcript(), 1)
	})

	t.Run("transactional writes nothing", func(t *testing.T) {
		ctx := context.Background()
		env := newTestEnv(t, WithConsistency(config.ConsistencyTransactional))
		env.chat.err = chatErr
		require.NoError(t, env.s.Navigate(ctx, ScreenChat))

		_, err := env.s.Send(ctx, "Hi")
		require.ErrorIs(t, err, chat.ErrAuth)
		require.Empty(t, messages(t, env.store))
		require.Empty(t, env.s.Transcript())
	})
}

func TestSend_Transactional(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, WithConsistency(config.ConsistencyTransactional))
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	turn, err := env.s.Send(ctx, "Hi")
	require.NoError(t, err)

	msgs := messages(t, env.store)
	require.Len(t, msgs, 2)
	require.Equal(t, turn.UserMessageID, msgs[0].ID)
	require.Equal(t, turn.AIMessageID, msgs[1].ID)
	require.Less(t, msgs[0].Timestamp, msgs[1].Timestamp)
}

func TestSend_TurnInFlight(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.chat.started = make(chan struct{}, 1)
	env.chat.release = make(chan struct{})
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	results, err := env.s.SendAsync(ctx, "first")
	require.NoError(t, err)
	<-env.chat.started

	_, err = env.s.Send(ctx, "second")
	require.ErrorIs(t, err, ErrTurnInFlight)
	_, err = env.s.SendAsync(ctx, "third")
	require.ErrorIs(t, err, ErrTurnInFlight)

	close(env.chat.release)
	res := <-results
	require.NoError(t, res.Err)
	require.Equal(t, "Hello!", res.Turn.Reply.Text)
	require.Equal(t, []string{"first"}, env.chat.calls)

	env.chat.started = nil
	_, err = env.s.Send(ctx, "fourth")
	require.NoError(t, err)
}

func TestSend_LeavingChatCancelsTurn(t *testing.T) {
	for _, mode := range []string{config.ConsistencySeparate, config.ConsistencyTransactional} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, WithConsistency(mode))
			env.chat.started = make(chan struct{}, 1)
			env.chat.release = make(chan struct{})
			require.NoError(t, env.s.Navigate(ctx, ScreenChat))

			results, err := env.s.SendAsync(ctx, "Hi")
			require.NoError(t, err)
			<-env.chat.started

			require.NoError(t, env.s.Navigate(ctx, ScreenMenu))

			res := <-results
			require.ErrorIs(t, res.Err, context.Canceled)

			for _, m := range messages(t, env.store) {
				require.NotEqual(t, history.SenderAI, m.Sender)
			}
		})
	}
}

func TestSend_LeavingChatAsReplyArrives(t *testing.T) {
	for _, mode := range []string{config.ConsistencySeparate, config.ConsistencyTransactional} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, WithConsistency(mode))
			env.chat.onReply = func() {
				require.NoError(t, env.s.Navigate(ctx, ScreenMenu))
			}
			require.NoError(t, env.s.Navigate(ctx, ScreenChat))

			_, err := env.s.Send(ctx, "Hi")
			require.ErrorIs(t, err, context.Canceled)

			for _, m := range messages(t, env.store) {
				require.NotEqual(t, history.SenderAI, m.Sender)
			}

			env.chat.onReply = nil
			require.NoError(t, env.s.Navigate(ctx, ScreenChat))
			_, err = env.s.Send(ctx, "Again")
			require.NoError(t, err)
			msgs := messages(t, env.store)
			require.Equal(t, history.SenderAI, msgs[len(msgs)-1].Sender)
		})
	}
}

func TestSend_CallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	env.chat.release = make(chan struct{})
	require.NoError(t, env.s.Navigate(context.Background(), ScreenChat))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := env.s.Send(ctx, "Hi")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, messages(t, env.store), 1)
	require.Equal(t, ScreenChat, env.s.Screen())
}

func TestVoice(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	s := env.s

	_, err := s.VoiceText(ctx)
	require.ErrorIs(t, err, ErrNothingToSpeak)

	_, err = s.GenerateSpeech(ctx)
	require.ErrorIs(t, err, ErrWrongScreen)

	require.NoError(t, s.Navigate(ctx, ScreenVoice))
	_, err = s.GenerateSpeech(ctx)
	require.ErrorIs(t, err, ErrNothingToSpeak)

	_, err = env.store.Append(ctx, "Hello world", history.SenderAI, 1)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "older", history.SenderUser, 0)
	require.NoError(t, err)

	text, err := s.VoiceText(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello world", text)

	res, err := s.GenerateSpeech(ctx)
	require.NoError(t, err)
	require.Equal(t, env.audio, res.Path)
	require.Equal(t, "Hello world", env.synth.text)
	require.Equal(t, "v1", env.synth.voice)

	b, err := os.ReadFile(env.audio)
	require.NoError(t, err)
	require.Equal(t, "RIFF-audio", string(b))

	require.NoError(t, s.Play())
	require.True(t, s.IsPlaying())
	require.Equal(t, env.audio, env.player.playing)

	playing, err := s.TogglePlayback()
	require.NoError(t, err)
	require.False(t, playing)

	playing, err = s.TogglePlayback()
	require.NoError(t, err)
	require.True(t, playing)

	s.Stop()
	s.Stop()
	require.False(t, s.IsPlaying())
}

func TestVoice_SynthesisFailureKeepsFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, os.WriteFile(env.audio, []byte("previous"), 0o644))
	_, err := env.store.Append(ctx, "Hello", history.SenderAI, 1)
	require.NoError(t, err)
	env.synth.err = errors.New("quota")

	require.NoError(t, env.s.Navigate(ctx, ScreenVoice))
	_, err = env.s.GenerateSpeech(ctx)
	require.Error(t, err)

	b, err := os.ReadFile(env.audio)
	require.NoError(t, err)
	require.Equal(t, "previous", string(b))
}

func TestPlay_NoAudioFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.s.Navigate(ctx, ScreenVoice))

	require.Error(t, env.s.Play())
	require.Zero(t, env.player.plays)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.s.Navigate(ctx, ScreenChat))

	require.NoError(t, env.s.Close())
	require.NoError(t, env.s.Close())
	require.Equal(t, 1, env.player.stops)

	_, err := env.s.Send(ctx, "Hi")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, env.s.Navigate(ctx, ScreenMenu), ErrClosed)
}
