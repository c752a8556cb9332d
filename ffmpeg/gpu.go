// Package ffmpeg builds and runs the transcoder: command assembly for the
// unified compilation, NVENC detection, styled-subtitle synthesis and
// line-oriented progress parsing of the encoder's stderr.
package ffmpeg

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ybhmedia/compilation-api/log"
)

// Substrings ffmpeg prints when NVENC is compiled in but unusable on this
// host, e.g. no card, no driver, or a driver too old for the encoder.
var nvencErrors = []string{
	"Cannot load libcuda",
	"Cannot load libnvidia-encode",
	"minimum required Nvidia driver",
	"No NVENC capable devices found",
}

var (
	gpuOnce      sync.Once
	gpuAvailable bool
)

// GpuAvailable probes once per process whether hardware H.264 encoding
// works, by running a tiny null encode and checking stderr for the known
// failure modes. Any other error (ffmpeg missing, timeout) counts as no GPU.
func GpuAvailable(ffmpegPath string) bool {
	gpuOnce.Do(func() {
		gpuAvailable = probeGpu(ffmpegPath)
		log.LogNoJobID("gpu encoder probe finished", "available", gpuAvailable)
	})
	return gpuAvailable
}

func probeGpu(ffmpegPath string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-f", "lavfi", "-i", "nullsrc=s=256x256:d=0.1",
		"-c:v", "h264_nvenc", "-f", "null", "-")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() != nil {
		return false
	}
	if _, isExit := err.(*exec.ExitError); err != nil && !isExit {
		// ffmpeg itself could not be started.
		return false
	}
	// A non-zero exit without a known NVENC error string still means the
	// encoder initialized; only the substring check decides.
	for _, indicator := range nvencErrors {
		if strings.Contains(stderr.String(), indicator) {
			return false
		}
	}
	return true
}
