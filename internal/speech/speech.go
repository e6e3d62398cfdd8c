// Package speech converts text into audio files through a cloud voice API.
package speech

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/llm"
	"github.com/comigor/cmai/internal/logger"
)

var ErrEmptyText = errors.New("nothing to synthesize")

// Synthesizer turns text into a complete RIFF WAV file (16-bit PCM).
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// SynthesisError wraps a failure of the speech provider.
type SynthesisError struct {
	Provider string
	Err      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis (%s): %v", e.Provider, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Result describes a written audio file.
type Result struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Voice string `json:"voice"`
}

// ToFile synthesizes text and writes it to path. The previous file is only
// replaced once the new audio is complete.
func ToFile(ctx context.Context, s Synthesizer, text, voice, path string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyText
	}

	audio, err := s.Synthesize(ctx, text, voice)
	if err != nil {
		logger.L.Error("speech generation failed", "error", err)
		return Result{}, err
	}

	if err := writeFileAtomic(path, audio); err != nil {
		return Result{}, fmt.Errorf("write audio file: %w", err)
	}

	logger.L.Info("audio saved", "path", path, "bytes", len(audio), "voice", voice)
	return Result{Path: path, Bytes: int64(len(audio)), Voice: voice}, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".speech-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	// CreateTemp uses 0600.
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// New creates the synthesizer selected by cfg.Provider.
func New(cfg config.SpeechConfig) (Synthesizer, error) {
	switch cfg.Provider {
	case "elevenlabs", "":
		if cfg.APIKey == "" {
			return nil, errors.New("ElevenLabs API key is required")
		}
		return NewElevenLabs(cfg), nil
	case "openai":
		return NewOpenAISpeech(llm.NewSpeechClient(cfg), cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported speech provider: %s", cfg.Provider)
	}
}

// DefaultVoice returns the voice used when none is configured.
func DefaultVoice(provider string) string {
	switch provider {
	case "openai":
		return defaultOpenAIVoice
	default:
		return defaultElevenLabsVoice
	}
}
