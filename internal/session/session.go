// Package session drives one user's interaction: screen navigation, chat
// turns persisted to the message store, and speech of the latest message.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/comigor/cmai/internal/chat"
	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/history"
	"github.com/comigor/cmai/internal/logger"
	"github.com/comigor/cmai/internal/speech"
)

var (
	ErrWrongScreen       = errors.New("action not available on this screen")
	ErrTurnInFlight      = errors.New("a chat turn is already in progress")
	ErrSynthesisInFlight = errors.New("speech generation is already in progress")
	ErrNothingToSpeak    = errors.New("no message to speak")
	ErrClosed            = errors.New("session closed")
)

// Completer is the part of the conversation client the session needs.
type Completer interface {
	Complete(ctx context.Context, userText string) (chat.Reply, error)
}

// AudioPlayer is the part of the playback adapter the session needs.
type AudioPlayer interface {
	Play(path string) error
	Stop()
	IsPlaying() bool
}

// Turn records what one chat turn wrote.
type Turn struct {
	ID            string     `json:"turn_id"`
	UserText      string     `json:"user_text"`
	UserMessageID int64      `json:"user_message_id,omitempty"`
	Reply         chat.Reply `json:"reply"`
	AIMessageID   int64      `json:"ai_message_id,omitempty"`
	Truncated     bool       `json:"truncated,omitempty"`
}

// TurnResult is delivered by SendAsync.
type TurnResult struct {
	Turn *Turn
	Err  error
}

type Option func(*Session)

// WithConsistency selects how a chat turn is persisted, see config.ConsistencySeparate
// and config.ConsistencyTransactional.
func WithConsistency(mode string) Option {
	return func(s *Session) { s.consistency = mode }
}

// WithAudioPath sets the file speech is written to and played from.
func WithAudioPath(path string) Option {
	return func(s *Session) { s.audioPath = path }
}

func WithVoice(voice string) Option {
	return func(s *Session) { s.voice = voice }
}

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session is safe for concurrent use. Remote calls run without holding the
// session lock so navigation stays responsive while a turn is pending.
type Session struct {
	ID string

	store  history.Store
	chat   Completer
	synth  speech.Synthesizer
	player AudioPlayer
	log    *slog.Logger

	consistency string
	audioPath   string
	voice       string
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	fsm           *stateless.StateMachine
	screenCtx     context.Context
	screenCancel  context.CancelFunc
	chatVisit     int
	transcript    []history.Message
	turnInFlight  bool
	synthInFlight bool
	closed        bool
}

func New(store history.Store, completer Completer, synth speech.Synthesizer, player AudioPlayer, opts ...Option) *Session {
	s := &Session{
		ID:          uuid.NewString(),
		store:       store,
		chat:        completer,
		synth:       synth,
		player:      player,
		consistency: config.ConsistencySeparate,
		audioPath:   "speech.wav",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.L.With("session_id", s.ID)
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.screenCtx = s.baseCtx
	s.fsm = s.newScreenMachine()
	return s
}

func (s *Session) Screen() Screen {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screenLocked()
}

func (s *Session) screenLocked() Screen {
	return s.fsm.MustState().(Screen)
}

// Available lists the screens reachable from the current one.
func (s *Session) Available(ctx context.Context) []Screen {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.screenLocked()
	triggers, err := s.fsm.PermittedTriggersCtx(ctx)
	if err != nil {
		return nil
	}
	screens := make([]Screen, 0, len(triggers))
	for _, t := range triggers {
		screens = append(screens, screenFor(t.(Trigger), current))
	}
	return screens
}

// Navigate moves to target. Entering Chat loads the stored conversation;
// leaving any screen cancels work started on it.
func (s *Session) Navigate(ctx context.Context, target Screen) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	current := s.screenLocked()
	trigger := triggerFor(target)
	ok, err := s.fsm.CanFireCtx(ctx, trigger)
	if err != nil || !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}

	var args []any
	if trigger == TriggerOpenChat {
		msgs, err := s.store.ListByTimestamp(ctx)
		if err != nil {
			return fmt.Errorf("load transcript: %w", err)
		}
		args = append(args, msgs)
	}

	if err := s.fsm.FireCtx(ctx, trigger, args...); err != nil {
		return fmt.Errorf("%w: %s -> %s: %v", ErrInvalidTransition, current, target, err)
	}
	return nil
}

// Transcript returns a copy of the chat screen's messages.
func (s *Session) Transcript() []history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Send runs one chat turn: the user's text is stored, sent to the chat
// service and the reply is stored. It requires the Chat screen and returns
// ErrTurnInFlight while another turn of this session is pending.
func (s *Session) Send(ctx context.Context, text string) (*Turn, error) {
	text, err := validateInput(text)
	if err != nil {
		return nil, err
	}
	turnCtx, visit, done, err := s.beginTurn(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return s.runTurn(turnCtx, visit, text)
}

// SendAsync is Send on a separate goroutine. Validation, screen and
// in-flight errors are returned synchronously.
func (s *Session) SendAsync(ctx context.Context, text string) (<-chan TurnResult, error) {
	text, err := validateInput(text)
	if err != nil {
		return nil, err
	}
	turnCtx, visit, done, err := s.beginTurn(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan TurnResult, 1)
	go func() {
		defer close(ch)
		defer done()
		turn, err := s.runTurn(turnCtx, visit, text)
		ch <- TurnResult{Turn: turn, Err: err}
	}()
	return ch, nil
}

func validateInput(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", chat.ErrEmptyInput
	}
	if err := history.Validate(text, history.SenderUser); err != nil {
		return "", err
	}
	return text, nil
}

// beginTurn claims the single turn slot. The returned context is cancelled
// when ctx is, or when the session leaves the Chat screen.
func (s *Session) beginTurn(ctx context.Context) (context.Context, int, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, nil, ErrClosed
	}
	if screen := s.screenLocked(); screen != ScreenChat {
		return nil, 0, nil, fmt.Errorf("%w: chat requires %s, current is %s", ErrWrongScreen, ScreenChat, screen)
	}
	if s.turnInFlight {
		return nil, 0, nil, ErrTurnInFlight
	}
	s.turnInFlight = true

	turnCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.screenCtx, cancel)
	done := func() {
		stop()
		cancel()
		s.mu.Lock()
		s.turnInFlight = false
		s.mu.Unlock()
	}
	return turnCtx, s.chatVisit, done, nil
}

func (s *Session) runTurn(ctx context.Context, visit int, text string) (*Turn, error) {
	turn := &Turn{ID: uuid.NewString(), UserText: text}
	log := s.log.With("turn_id", turn.ID, "consistency", s.consistency)

	if s.consistency == config.ConsistencyTransactional {
		return turn, s.runTransactional(ctx, log, turn, visit)
	}
	return turn, s.runSeparate(ctx, log, turn, visit)
}

// runSeparate stores the user row before the remote call. A failure after
// that point leaves the user row without a reply.
func (s *Session) runSeparate(ctx context.Context, log *slog.Logger, turn *Turn, visit int) error {
	user := history.Message{Text: turn.UserText, Sender: history.SenderUser, Timestamp: s.now().UnixMilli()}
	id, err := s.store.Append(ctx, user.Text, user.Sender, user.Timestamp)
	if err != nil {
		log.Error("store user message", "error", err)
		return err
	}
	user.ID = id
	turn.UserMessageID = id
	s.addToTranscript(visit, user)

	reply, err := s.chat.Complete(ctx, turn.UserText)
	if err != nil {
		log.Warn("chat turn failed", "error", err)
		return err
	}

	ai := s.aiMessage(turn, reply)
	err = s.commitReply(ctx, visit, func(ctx context.Context) ([]history.Message, error) {
		id, err := s.store.Append(ctx, ai.Text, ai.Sender, ai.Timestamp)
		if err != nil {
			return nil, err
		}
		ai.ID = id
		return []history.Message{ai}, nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Info("chat turn cancelled after reply, discarding")
		} else {
			log.Error("store ai message", "error", err)
		}
		return err
	}
	turn.AIMessageID = ai.ID

	log.Info("chat turn complete", "user_message_id", turn.UserMessageID, "ai_message_id", turn.AIMessageID)
	return nil
}

// runTransactional writes both rows together after a successful reply.
func (s *Session) runTransactional(ctx context.Context, log *slog.Logger, turn *Turn, visit int) error {
	user := history.Message{Text: turn.UserText, Sender: history.SenderUser, Timestamp: s.now().UnixMilli()}

	reply, err := s.chat.Complete(ctx, turn.UserText)
	if err != nil {
		log.Warn("chat turn failed", "error", err)
		return err
	}

	ai := s.aiMessage(turn, reply)
	err = s.commitReply(ctx, visit, func(ctx context.Context) ([]history.Message, error) {
		userID, aiID, err := s.store.AppendTurn(ctx, user, ai)
		if err != nil {
			return nil, err
		}
		user.ID, ai.ID = userID, aiID
		return []history.Message{user, ai}, nil
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			log.Info("chat turn cancelled after reply, discarding")
		} else {
			log.Error("store chat turn", "error", err)
		}
		return err
	}
	turn.UserMessageID, turn.AIMessageID = user.ID, ai.ID

	log.Info("chat turn complete", "user_message_id", user.ID, "ai_message_id", ai.ID)
	return nil
}

func (s *Session) aiMessage(turn *Turn, reply chat.Reply) history.Message {
	turn.Reply = reply
	text := history.Truncate(reply.Text, history.MaxTextLength)
	if text != reply.Text {
		turn.Truncated = true
		s.log.Warn("reply truncated to fit the store", "turn_id", turn.ID, "max", history.MaxTextLength)
	}
	return history.Message{Text: text, Sender: history.SenderAI, Timestamp: s.now().UnixMilli()}
}

// commitReply runs write under the session lock, and only while the chat
// screen visit that started the turn is still current. Screen transitions
// take the same lock, so a reply is either stored before the screen is left
// or not at all. The write itself is not cancelled once it has started.
func (s *Session) commitReply(ctx context.Context, visit int, write func(context.Context) ([]history.Message, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed || s.chatVisit != visit || s.screenLocked() != ScreenChat {
		return context.Canceled
	}
	msgs, err := write(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	s.transcript = append(s.transcript, msgs...)
	return nil
}

// addToTranscript appends only while the chat screen visit that started the
// turn is still current.
func (s *Session) addToTranscript(visit int, msgs ...history.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chatVisit != visit || s.screenLocked() != ScreenChat {
		return
	}
	s.transcript = append(s.transcript, msgs...)
}

// VoiceText returns the text of the most recent message by timestamp.
func (s *Session) VoiceText(ctx context.Context) (string, error) {
	msg, err := s.store.Latest(ctx)
	if errors.Is(err, history.ErrNoMessages) {
		return "", ErrNothingToSpeak
	}
	if err != nil {
		return "", err
	}
	return msg.Text, nil
}

// GenerateSpeech synthesizes the latest message into the session's audio
// file. It requires the Voice screen and is cancelled when the screen is left.
func (s *Session) GenerateSpeech(ctx context.Context) (speech.Result, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return speech.Result{}, ErrClosed
	}
	if screen := s.screenLocked(); screen != ScreenVoice {
		s.mu.Unlock()
		return speech.Result{}, fmt.Errorf("%w: speech requires %s, current is %s", ErrWrongScreen, ScreenVoice, screen)
	}
	if s.synthInFlight {
		s.mu.Unlock()
		return speech.Result{}, ErrSynthesisInFlight
	}
	s.synthInFlight = true
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.screenCtx, cancel)
	s.mu.Unlock()

	defer func() {
		stop()
		cancel()
		s.mu.Lock()
		s.synthInFlight = false
		s.mu.Unlock()
	}()

	text, err := s.VoiceText(ctx)
	if err != nil {
		return speech.Result{}, err
	}
	s.log.Info("generating speech", "chars", len([]rune(text)), "path", s.audioPath)
	return speech.ToFile(ctx, s.synth, text, s.voice, s.audioPath)
}

// Play starts the session's audio file, replacing anything playing.
func (s *Session) Play() error {
	s.mu.Lock()
	screen := s.screenLocked()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if screen != ScreenVoice {
		return fmt.Errorf("%w: playback requires %s, current is %s", ErrWrongScreen, ScreenVoice, screen)
	}
	if _, err := os.Stat(s.audioPath); err != nil {
		return fmt.Errorf("no generated speech to play: %w", err)
	}
	return s.player.Play(s.audioPath)
}

// Stop halts playback. It is safe to call on any screen and when idle.
func (s *Session) Stop() {
	s.player.Stop()
}

// TogglePlayback stops audio if it is playing, otherwise starts it. It
// reports whether audio is playing afterwards.
func (s *Session) TogglePlayback() (bool, error) {
	if s.player.IsPlaying() {
		s.player.Stop()
		return false, nil
	}
	if err := s.Play(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) IsPlaying() bool {
	return s.player.IsPlaying()
}

// Close cancels pending work and stops playback. The store is owned by the
// caller and stays open.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.baseCancel()
	s.mu.Unlock()

	s.player.Stop()
	s.log.Info("session closed")
	return nil
}
