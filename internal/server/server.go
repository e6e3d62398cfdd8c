// Package server exposes a session over a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/comigor/cmai/internal/chat"
	"github.com/comigor/cmai/internal/history"
	"github.com/comigor/cmai/internal/logger"
	"github.com/comigor/cmai/internal/playback"
	"github.com/comigor/cmai/internal/session"
	"github.com/comigor/cmai/internal/speech"
)

// Server handles HTTP requests for a single session.
type Server struct {
	session *session.Session
	store   history.Store
}

func New(s *session.Session, store history.Store) *Server {
	return &Server{session: s, store: store}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.Health)
	r.GET("/screen", s.GetScreen)
	r.POST("/screen", s.Navigate)
	r.POST("/chat", s.Chat)
	r.GET("/messages", s.Messages)
	r.POST("/speech", s.Speech)
	r.POST("/playback/play", s.Play)
	r.POST("/playback/stop", s.Stop)
	r.POST("/playback/toggle", s.Toggle)
	return r
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		logger.L.Info("shutting down server")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.L.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Health handles GET /healthz
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "session_id": s.session.ID})
}

// GetScreen handles GET /screen
func (s *Server) GetScreen(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"screen":    s.session.Screen(),
		"available": s.session.Available(c.Request.Context()),
	})
}

// Navigate handles POST /screen
func (s *Server) Navigate(c *gin.Context) {
	type Request struct {
		Screen string `json:"screen" binding:"required"`
	}
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, err := session.ParseScreen(req.Screen)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.session.Navigate(c.Request.Context(), target); err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"screen": s.session.Screen()}
	if target == session.ScreenChat {
		resp["transcript"] = s.session.Transcript()
	}
	c.JSON(http.StatusOK, resp)
}

// Chat handles POST /chat
func (s *Server) Chat(c *gin.Context) {
	type Request struct {
		Text string `json:"text" binding:"required"`
	}
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	turn, err := s.session.Send(c.Request.Context(), req.Text)
	if err != nil {
		var chatErr *chat.Error
		if errors.As(err, &chatErr) {
			c.JSON(http.StatusBadGateway, gin.H{
				"error": err.Error(),
				"kind":  chatErr.Kind,
				"reply": chat.FallbackText(err),
			})
			return
		}
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reply":     turn.Reply.Text,
		"turn_id":   turn.ID,
		"usage":     turn.Reply.Usage,
		"truncated": turn.Truncated,
	})
}

// Messages handles GET /messages
func (s *Server) Messages(c *gin.Context) {
	var (
		msgs []history.Message
		err  error
	)
	switch c.DefaultQuery("order", "insertion") {
	case "insertion":
		msgs, err = s.store.ListAll(c.Request.Context())
	case "timestamp":
		msgs, err = s.store.ListByTimestamp(c.Request.Context())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "order must be insertion or timestamp"})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// Speech handles POST /speech
func (s *Server) Speech(c *gin.Context) {
	res, err := s.session.GenerateSpeech(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Play handles POST /playback/play
func (s *Server) Play(c *gin.Context) {
	if err := s.session.Play(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playing": true})
}

// Stop handles POST /playback/stop
func (s *Server) Stop(c *gin.Context) {
	s.session.Stop()
	c.JSON(http.StatusOK, gin.H{"playing": false})
}

// Toggle handles POST /playback/toggle
func (s *Server) Toggle(c *gin.Context) {
	playing, err := s.session.TogglePlayback()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playing": playing})
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.L.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var (
		storeErr    *history.StoreError
		synthErr    *speech.SynthesisError
		playbackErr *playback.PlaybackError
	)
	switch {
	case errors.Is(err, chat.ErrEmptyInput),
		errors.Is(err, speech.ErrEmptyText),
		errors.Is(err, history.ErrTextTooLong),
		errors.Is(err, history.ErrSenderTooLong),
		errors.Is(err, history.ErrInvalidSender):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrWrongScreen),
		errors.Is(err, session.ErrTurnInFlight),
		errors.Is(err, session.ErrSynthesisInFlight),
		errors.Is(err, session.ErrNothingToSpeak),
		errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &synthErr):
		return http.StatusBadGateway
	case errors.As(err, &storeErr), errors.As(err, &playbackErr):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
