package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ybhmedia/compilation-api/store"
)

const defaultImageDuration = 5

// Item is one segment of the compilation, fully resolved by the worker:
// local paths, probed duration and an optional synthesized subtitle file.
type Item struct {
	Type         store.ItemType
	Position     int
	Path         string
	LogoPath     string
	SubtitlePath string
	Duration     float64
}

// BuildArgs assembles the ffmpeg argument vector for a unified compilation.
// Each item is scaled with preserved aspect ratio and padded to the target
// box, video items optionally get a top-right logo overlay and a subtitle
// burn-in, image items are looped with silent stereo audio, and all segments
// are concatenated in order. Pure function of its inputs; the caller decides
// useGpu via GpuAvailable.
func BuildArgs(items []Item, outputPath string, enable4K, useGpu bool) []string {
	targetWidth, targetHeight := 1920, 1080
	if enable4K {
		targetWidth, targetHeight = 3840, 2160
	}

	var args []string
	var filters []string
	inputIndex := 0
	itemInputs := make([]int, len(items))

	for i, item := range items {
		if item.Type == store.ItemImage {
			args = append(args,
				"-loop", "1",
				"-t", formatDuration(imageDuration(item)),
				"-i", item.Path)
		} else {
			args = append(args, "-i", item.Path)
		}
		itemInputs[i] = inputIndex
		inputIndex++
	}

	scalePad := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
		targetWidth, targetHeight, targetWidth, targetHeight)

	for i, item := range items {
		idx := itemInputs[i]
		if item.Type == store.ItemImage {
			// Images become fixed-rate video with generated silence.
			filters = append(filters,
				fmt.Sprintf("[%d:v]%s,fps=30[v%d_scaled]", idx, scalePad, i),
				fmt.Sprintf("anullsrc=channel_layout=stereo:sample_rate=44100,atrim=duration=%s[a%d]",
					formatDuration(imageDuration(item)), i))
		} else {
			filters = append(filters,
				fmt.Sprintf("[%d:v]%s[v%d_scaled]", idx, scalePad, i))
		}
		stream := fmt.Sprintf("[v%d_scaled]", i)

		if item.Type == store.ItemVideo && item.LogoPath != "" {
			args = append(args, "-i", item.LogoPath)
			filters = append(filters,
				fmt.Sprintf("%s[%d:v]overlay=W-w-10:10[v%d_logo]", stream, inputIndex, i))
			stream = fmt.Sprintf("[v%d_logo]", i)
			inputIndex++
		}

		if item.Type == store.ItemVideo && item.SubtitlePath != "" {
			filters = append(filters,
				fmt.Sprintf("%ssubtitles=%s:force_style='Alignment=9,MarginR=40,MarginV=40'[v%d_text]",
					stream, item.SubtitlePath, i))
			stream = fmt.Sprintf("[v%d_text]", i)
		}

		filters = append(filters, fmt.Sprintf("%snull[v%d]", stream, i))
		if item.Type != store.ItemImage {
			filters = append(filters, fmt.Sprintf("[%d:a]anull[a%d]", idx, i))
		}
	}

	var concat strings.Builder
	for i := range items {
		fmt.Fprintf(&concat, "[v%d][a%d]", i, i)
	}
	filters = append(filters, fmt.Sprintf("%sconcat=n=%d:v=1:a=1[outv][outa]", concat.String(), len(items)))

	args = append(args, "-filter_complex", strings.Join(filters, ";"))
	args = append(args, "-map", "[outv]", "-map", "[outa]")
	args = append(args, encoderArgs(enable4K, useGpu)...)
	args = append(args,
		"-c:a", "aac",
		"-b:a", "320k",
		"-ar", "48000",
		"-ac", "2",
		"-movflags", "+faststart",
		"-y", outputPath)
	return args
}

func encoderArgs(enable4K, useGpu bool) []string {
	switch {
	case enable4K && useGpu:
		return []string{
			"-c:v", "h264_nvenc", "-preset", "p5", "-tune", "hq", "-rc", "vbr",
			"-b:v", "40M", "-maxrate", "50M", "-bufsize", "60M",
			"-profile:v", "high", "-level", "5.1", "-pix_fmt", "yuv420p",
			"-spatial-aq", "1", "-temporal-aq", "1",
		}
	case enable4K:
		return []string{
			"-c:v", "libx264", "-preset", "medium", "-crf", "18",
			"-profile:v", "high", "-level", "5.1", "-pix_fmt", "yuv420p",
		}
	case useGpu:
		return []string{
			"-c:v", "h264_nvenc", "-preset", "p5", "-tune", "hq", "-rc", "vbr",
			"-b:v", "16M", "-maxrate", "20M", "-bufsize", "24M",
			"-profile:v", "main", "-level", "4.1", "-pix_fmt", "yuv420p",
			"-spatial-aq", "1", "-temporal-aq", "1",
		}
	default:
		return []string{
			"-c:v", "libx264", "-preset", "medium", "-crf", "20",
			"-profile:v", "main", "-level", "4.1", "-pix_fmt", "yuv420p",
		}
	}
}

func imageDuration(item Item) float64 {
	if item.Duration <= 0 {
		return defaultImageDuration
	}
	return item.Duration
}

// formatDuration prints a duration the way ffmpeg expects, without a
// trailing ".000000" for whole seconds.
func formatDuration(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', -1, 64)
}
