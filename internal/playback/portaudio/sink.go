// Package portaudio implements playback.Sink on top of PortAudio.
// Initialize must be called before NewSink and Terminate on shutdown.
package portaudio

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/comigor/cmai/internal/logger"
	"github.com/comigor/cmai/internal/playback"
)

func Initialize() error { return pa.Initialize() }

func Terminate() error { return pa.Terminate() }

// Sink writes to a single output device.
type Sink struct {
	device *pa.DeviceInfo
}

// NewSink selects the output device by index or by a substring of its name.
// An empty string selects the system default.
func NewSink(deviceNameOrID string) (*Sink, error) {
	d, err := outputDevice(deviceNameOrID)
	if err != nil {
		return nil, err
	}
	return &Sink{device: d}, nil
}

func (s *Sink) Open(f playback.Format) (playback.Stream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	rate := int(s.device.DefaultSampleRate)
	frames := f.FramesPerBuffer
	if rate != f.SampleRate {
		frames = f.FramesPerBuffer * rate / f.SampleRate
	}

	st := &stream{
		in:       f,
		outRate:  rate,
		buf:      make([]int16, frames*f.Channels),
		channels: f.Channels,
	}
	var err error
	st.s, err = pa.OpenStream(pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   s.device,
			Channels: f.Channels,
			Latency:  s.device.DefaultHighOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}, &st.buf)
	if err != nil {
		return nil, fmt.Errorf("open audio output stream: %w", err)
	}
	if err := st.s.Start(); err != nil {
		st.s.Close()
		return nil, fmt.Errorf("start audio output stream: %w", err)
	}
	return st, nil
}

type stream struct {
	s        *pa.Stream
	in       playback.Format
	outRate  int
	channels int
	buf      []int16

	closeOnce sync.Once
	closeErr  error
}

// Write resamples one chunk to the device rate, zero-pads it to a full
// buffer and blocks until PortAudio accepts it.
func (st *stream) Write(samples []int16) error {
	out := resample(samples, st.channels, st.in.SampleRate, st.outRate)
	n := copy(st.buf, out)
	for i := n; i < len(st.buf); i++ {
		st.buf[i] = 0
	}
	if err := st.s.Write(); err != nil {
		if err == pa.OutputUnderflowed {
			logger.L.Warn("audio output underflow")
			return nil
		}
		return err
	}
	return nil
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() {
		if err := st.s.Stop(); err != nil {
			st.closeErr = err
		}
		if err := st.s.Close(); err != nil && st.closeErr == nil {
			st.closeErr = err
		}
	})
	return st.closeErr
}

// resample converts interleaved samples between rates by linear interpolation.
func resample(in []int16, channels, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	frames := len(in) / channels
	outFrames := frames * to / from
	out := make([]int16, outFrames*channels)
	ratio := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		for c := 0; c < channels; c++ {
			a := in[idx*channels+c]
			b := a
			if idx+1 < frames {
				b = in[(idx+1)*channels+c]
			}
			out[i*channels+c] = int16(float64(a) + frac*float64(int(b)-int(a)))
		}
	}
	return out
}

func outputDevice(deviceNameOrID string) (d *pa.DeviceInfo, err error) {
	if deviceNameOrID == "" {
		d, err = pa.DefaultOutputDevice()
		if err != nil {
			return nil, fmt.Errorf("get default audio output device: %w", err)
		}
	} else {
		d, err = device(deviceNameOrID)
		if err != nil {
			return nil, fmt.Errorf("get audio output device: %w", err)
		}
		if d.MaxOutputChannels < 1 {
			printAvailableDevices()
			return nil, fmt.Errorf("audio device %q is not an output device or in use by another program", d.Name)
		}
	}

	logger.L.Info("using audio output device", "name", d.Name, "sample_rate", int(d.DefaultSampleRate))
	return d, nil
}

func device(nameOrID string) (*pa.DeviceInfo, error) {
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("list available audio devices: %w", err)
	}

	id, err := strconv.ParseInt(nameOrID, 10, 32)
	if err != nil {
		for _, d := range devices {
			if strings.Contains(d.Name, nameOrID) {
				return d, nil
			}
		}
		printAvailableDevices()
		return nil, fmt.Errorf("audio device %q not found", nameOrID)
	}

	if id < 0 || id >= int64(len(devices)) {
		printAvailableDevices()
		return nil, fmt.Errorf("audio device %d not found", id)
	}
	return devices[id], nil
}

func printAvailableDevices() {
	devices, err := pa.Devices()
	if err != nil {
		logger.L.Warn("list audio devices", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, "\nAvailable audio devices:")
	fmt.Fprintf(os.Stderr, "%2s  %-55s  %3s  %s\n", "ID", "NAME", "OUT", "SAMPLERATE")
	for i, d := range devices {
		fmt.Fprintf(os.Stderr, "%2d  %-55s  %3d  %10d\n", i, d.Name, d.MaxOutputChannels, int(d.DefaultSampleRate))
	}
	fmt.Fprintln(os.Stderr)
}
