package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/comigor/cmai/internal/history"
)

// Screen is a state of the navigation state machine.
type Screen string

const (
	ScreenMenu          Screen = "menu"
	ScreenChat          Screen = "chat"
	ScreenVoice         Screen = "voice"
	ScreenVisualization Screen = "visualization"
)

// Trigger moves the session between screens.
type Trigger string

const (
	TriggerOpenChat          Trigger = "OpenChat"
	TriggerOpenVoice         Trigger = "OpenVoice"
	TriggerOpenVisualization Trigger = "OpenVisualization"
	TriggerBack              Trigger = "Back"
)

var ErrInvalidTransition = errors.New("invalid screen transition")

// ParseScreen accepts the lowercase screen names used by the outer surfaces.
func ParseScreen(s string) (Screen, error) {
	switch Screen(s) {
	case ScreenMenu, ScreenChat, ScreenVoice, ScreenVisualization:
		return Screen(s), nil
	default:
		return "", fmt.Errorf("unknown screen %q", s)
	}
}

// triggerFor returns the trigger that leads from the current screen to target.
func triggerFor(target Screen) Trigger {
	switch target {
	case ScreenChat:
		return TriggerOpenChat
	case ScreenVoice:
		return TriggerOpenVoice
	case ScreenVisualization:
		return TriggerOpenVisualization
	default:
		return TriggerBack
	}
}

func screenFor(t Trigger, from Screen) Screen {
	switch t {
	case TriggerOpenChat:
		return ScreenChat
	case TriggerOpenVoice:
		return ScreenVoice
	case TriggerOpenVisualization:
		return ScreenVisualization
	default:
		if from == ScreenMenu {
			return from
		}
		return ScreenMenu
	}
}

// newScreenMachine wires Menu -> {Chat, Voice, Visualization} -> Menu.
// Entry and exit actions run with s.mu held.
func (s *Session) newScreenMachine() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(ScreenMenu)

	fsm.Configure(ScreenMenu).
		Permit(TriggerOpenChat, ScreenChat).
		Permit(TriggerOpenVoice, ScreenVoice).
		Permit(TriggerOpenVisualization, ScreenVisualization)

	fsm.Configure(ScreenChat).
		OnEntry(func(ctx context.Context, args ...any) error {
			s.enterScreen()
			s.chatVisit++
			s.transcript = nil
			if len(args) > 0 {
				if msgs, ok := args[0].([]history.Message); ok {
					s.transcript = msgs
				}
			}
			return nil
		}).
		OnExit(func(ctx context.Context, args ...any) error {
			s.exitScreen()
			s.transcript = nil
			return nil
		}).
		Permit(TriggerBack, ScreenMenu)

	for _, screen := range []Screen{ScreenVoice, ScreenVisualization} {
		fsm.Configure(screen).
			OnEntry(func(ctx context.Context, args ...any) error {
				s.enterScreen()
				return nil
			}).
			OnExit(func(ctx context.Context, args ...any) error {
				s.exitScreen()
				return nil
			}).
			Permit(TriggerBack, ScreenMenu)
	}

	fsm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		s.log.Info("screen changed", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})

	return fsm
}

// enterScreen starts a context that lives as long as the session stays on
// the entered screen.
func (s *Session) enterScreen() {
	s.screenCtx, s.screenCancel = context.WithCancel(s.baseCtx)
}

func (s *Session) exitScreen() {
	if s.screenCancel != nil {
		s.screenCancel()
	}
	s.screenCtx, s.screenCancel = s.baseCtx, nil
}
