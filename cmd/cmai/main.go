package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/comigor/cmai/internal/chat"
	"github.com/comigor/cmai/internal/config"
	"github.com/comigor/cmai/internal/history"
	"github.com/comigor/cmai/internal/logger"
	"github.com/comigor/cmai/internal/mcpserver"
	"github.com/comigor/cmai/internal/playback"
	"github.com/comigor/cmai/internal/playback/portaudio"
	"github.com/comigor/cmai/internal/server"
	"github.com/comigor/cmai/internal/session"
	"github.com/comigor/cmai/internal/speech"
	"github.com/comigor/cmai/pkg/tools"
)

func main() {
	mcpMode := flag.Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	flag.Parse()

	if err := run(*mcpMode); err != nil {
		logger.L.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(mcpMode bool) error {
	if mcpMode {
		// stdout carries MCP frames
		logger.SetOutput(os.Stderr)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer store.Close()

	chatClient, err := chat.NewFromConfig(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	synth, err := speech.New(cfg.Speech)
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(cfg.Playback)
	if err != nil {
		return err
	}
	defer closeSink()
	player := playback.NewPlayer(sink)
	defer player.Close()

	voice := cfg.Speech.Voice
	if voice == "" {
		voice = speech.DefaultVoice(cfg.Speech.Provider)
	}
	sess := session.New(store, chatClient, synth, player,
		session.WithConsistency(cfg.Session.Consistency),
		session.WithAudioPath(cfg.Playback.AudioFile),
		session.WithVoice(voice),
	)
	defer sess.Close()
	logger.L.Info("session started", "session_id", sess.ID, "consistency", cfg.Session.Consistency,
		"llm_provider", cfg.LLM.Provider, "speech_provider", cfg.Speech.Provider, "store", cfg.Store.Driver)

	defer func() {
		u := chatClient.TotalUsage()
		logger.L.Info("token usage", "prompt_tokens", u.PromptTokens,
			"completion_tokens", u.CompletionTokens, "total_tokens", u.TotalTokens)
	}()

	if mcpMode {
		toolManager := tools.NewToolManager()
		tools.RegisterSessionTools(toolManager, sess)
		return mcpserver.Serve(ctx, mcpserver.New(toolManager), os.Stdin, os.Stdout)
	}

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	return server.New(sess, store).Run(ctx, serverAddr)
}

// openSink returns the audio output. Device "none" discards audio, which
// keeps the service usable on hosts without a sound card.
func openSink(cfg config.PlaybackConfig) (playback.Sink, func(), error) {
	if cfg.Device == "none" {
		return playback.DiscardSink{}, func() {}, nil
	}

	if err := portaudio.Initialize(); err != nil {
		return nil, nil, fmt.Errorf("initialize audio: %w", err)
	}
	sink, err := portaudio.NewSink(cfg.Device)
	if err != nil {
		portaudio.Terminate()
		return nil, nil, err
	}
	return sink, func() {
		if err := portaudio.Terminate(); err != nil {
			logger.L.Warn("terminate audio", "error", err)
		}
	}, nil
}
