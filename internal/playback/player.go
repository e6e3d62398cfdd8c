// Package playback plays WAV files on an audio output, one file at a time.
package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/comigor/cmai/internal/logger"
)

const defaultBufferFrames = 512

var ErrUnsupportedFormat = errors.New("unsupported audio format")

// PlaybackError is returned when a file cannot be loaded or the output fails.
type PlaybackError struct {
	Path string
	Err  error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback %s: %v", e.Path, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// Format describes the PCM stream handed to a Sink.
type Format struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// Validate rejects formats no output can be opened with.
func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: %d Hz, %d channels", ErrUnsupportedFormat, f.SampleRate, f.Channels)
	}
	return nil
}

// Sink opens output streams on an audio device.
type Sink interface {
	Open(f Format) (Stream, error)
}

// Stream receives interleaved 16-bit samples. Write blocks until the
// samples are queued on the device.
type Stream interface {
	Write(samples []int16) error
	Close() error
}

type playback struct {
	path   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Player keeps at most one active playback. Starting a new one stops the
// previous one first.
type Player struct {
	sink         Sink
	bufferFrames int

	mu  sync.Mutex
	cur *playback
}

func NewPlayer(sink Sink) *Player {
	return &Player{sink: sink, bufferFrames: defaultBufferFrames}
}

// Play starts playing the WAV file at path and returns once audio is flowing.
func (p *Player) Play(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &PlaybackError{Path: path, Err: err}
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return &PlaybackError{Path: path, Err: fmt.Errorf("read wav header: %w", err)}
	}
	if !dec.IsValidFile() {
		return &PlaybackError{Path: path, Err: fmt.Errorf("%w: not a wav file", ErrUnsupportedFormat)}
	}
	if dec.BitDepth != 16 {
		return &PlaybackError{Path: path, Err: fmt.Errorf("%w: bit depth %d", ErrUnsupportedFormat, dec.BitDepth)}
	}

	format := Format{
		SampleRate:      int(dec.SampleRate),
		Channels:        int(dec.NumChans),
		FramesPerBuffer: p.bufferFrames,
	}
	if err := format.Validate(); err != nil {
		return &PlaybackError{Path: path, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopLocked()

	stream, err := p.sink.Open(format)
	if err != nil {
		return &PlaybackError{Path: path, Err: fmt.Errorf("open output: %w", err)}
	}

	ctx, cancel := context.WithCancel(context.Background())
	pb := &playback{path: path, cancel: cancel, done: make(chan struct{})}
	p.cur = pb

	logger.L.Info("playback started", "path", path, "sample_rate", format.SampleRate, "channels", format.Channels)
	go p.run(ctx, pb, dec, stream, format)
	return nil
}

func (p *Player) run(ctx context.Context, pb *playback, dec *wav.Decoder, stream Stream, format Format) {
	err := pump(ctx, dec, stream, format)
	if cerr := stream.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		pb.err = &PlaybackError{Path: pb.path, Err: err}
		logger.L.Error("playback failed", "path", pb.path, "error", err)
	} else {
		logger.L.Debug("playback finished", "path", pb.path, "stopped", ctx.Err() != nil)
	}
	close(pb.done)

	// stopLocked waits on done while holding mu, so only take it afterwards.
	p.mu.Lock()
	if p.cur == pb {
		p.cur = nil
	}
	p.mu.Unlock()
	pb.cancel()
}

func pump(ctx context.Context, dec *wav.Decoder, stream Stream, format Format) error {
	size := format.FramesPerBuffer * format.Channels
	buf := &audio.IntBuffer{
		Format:         &audio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		SourceBitDepth: 16,
		Data:           make([]int, size),
	}
	out := make([]int16, size)

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if n == 0 {
			return nil
		}
		for i := 0; i < n; i++ {
			out[i] = int16(buf.Data[i])
		}
		if err := stream.Write(out[:n]); err != nil {
			return fmt.Errorf("write: %w", err)
		}
	}
}

// Stop halts the current playback, if any, and waits for the output to close.
// Calling it with nothing playing is a no-op.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *Player) stopLocked() {
	if p.cur == nil {
		return
	}
	pb := p.cur
	pb.cancel()
	<-pb.done
	p.cur = nil
	logger.L.Info("playback stopped", "path", pb.path)
}

func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return false
	}
	select {
	case <-p.cur.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the current playback ends and returns its error.
func (p *Player) Wait() error {
	p.mu.Lock()
	pb := p.cur
	p.mu.Unlock()
	if pb == nil {
		return nil
	}
	<-pb.done
	return pb.err
}

func (p *Player) Close() error {
	p.Stop()
	return nil
}

// DiscardSink drops audio at the pace a device would consume it. It stands
// in for a sound card on headless hosts.
type DiscardSink struct{}

func (DiscardSink) Open(f Format) (Stream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &discardStream{format: f}, nil
}

type discardStream struct {
	format Format
}

func (s *discardStream) Write(samples []int16) error {
	frames := len(samples) / s.format.Channels
	time.Sleep(time.Duration(frames) * time.Second / time.Duration(s.format.SampleRate))
	return nil
}

func (s *discardStream) Close() error { return nil }
