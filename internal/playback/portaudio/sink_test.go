package portaudio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/comigor/cmai/internal/playback"
)

func TestResample(t *testing.T) {
	in := []int16{0, 100, 200, 300}

	require.Equal(t, in, resample(in, 1, 16000, 16000))
	require.Equal(t, []int16{0, 50, 100, 150, 200, 250, 300, 300}, resample(in, 1, 16000, 32000))
	require.Equal(t, []int16{0, 200}, resample(in, 1, 32000, 16000))

	stereo := []int16{0, 10, 100, 110}
	require.Equal(t, []int16{0, 10, 50, 60, 100, 110, 100, 110}, resample(stereo, 2, 1, 2))
}

func TestOpen_RejectsZeroSampleRate(t *testing.T) {
	_, err := (&Sink{}).Open(playback.Format{SampleRate: 0, Channels: 1, FramesPerBuffer: 512})
	require.ErrorIs(t, err, playback.ErrUnsupportedFormat)
}
