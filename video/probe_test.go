package video

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/vansante/go-ffprobe.v2"
)

func probeData(width, height int, duration string, formatDuration float64) *ffprobe.ProbeData {
	return &ffprobe.ProbeData{
		Streams: []*ffprobe.Stream{{
			CodecType: "video",
			Width:     width,
			Height:    height,
			Duration:  duration,
		}},
		Format: &ffprobe.Format{DurationSeconds: formatDuration},
	}
}

func TestParseProbeData(t *testing.T) {
	info, err := parseProbeData(probeData(1920, 1080, "120.5", 0))
	require.NoError(t, err)
	require.Equal(t, 120.5, info.Duration)
	require.Equal(t, "1920x1080", info.Resolution())
	require.False(t, info.Is4K)
}

func TestParseProbeDataFallsBackToFormatDuration(t *testing.T) {
	info, err := parseProbeData(probeData(1280, 720, "", 33.3))
	require.NoError(t, err)
	require.Equal(t, 33.3, info.Duration)
}

func TestParseProbeDataRejectsIncomplete(t *testing.T) {
	_, err := parseProbeData(probeData(0, 1080, "10", 0))
	require.Error(t, err)

	_, err = parseProbeData(&ffprobe.ProbeData{Format: &ffprobe.Format{}})
	require.Error(t, err)
}

func Test4KBoundary(t *testing.T) {
	info, err := parseProbeData(probeData(3840, 2160, "10", 0))
	require.NoError(t, err)
	require.True(t, info.Is4K)

	info, err = parseProbeData(probeData(3839, 2160, "10", 0))
	require.NoError(t, err)
	require.False(t, info.Is4K)
}

func TestProbeTimeoutScalesWithSize(t *testing.T) {
	require.Equal(t, 3*time.Minute, probeTimeout(500<<20))
	require.Equal(t, 50*time.Minute, probeTimeout(50<<30))
}
