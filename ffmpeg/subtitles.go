package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultLetterDelay     = 0.1
	defaultCycleDuration   = 20.0
	defaultVisibleDuration = 10.0
)

// Impact 50pt, yellow fill, black 4px border, alignment 9 (top right) with
// 40px margins. PlayRes is fixed at 1080p; the subtitles filter rescales.
const assHeader = `[Script Info]
Title: Animated Text
ScriptType: v4.00+
WrapStyle: 0
PlayResX: 1920
PlayResY: 1080

[V4+ Styles]
Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding
Style: Default,Impact,50,&H00FFFF,&H000000FF,&H00000000,&H80000000,-1,0,0,0,100,100,0,0,1,4,3,9,40,40,40,1

[Events]
Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text
`

// SubtitleOpts tunes the reveal animation. The zero value selects the
// defaults (0.1s per letter, 20s cycles, 10s fully visible).
type SubtitleOpts struct {
	LetterDelay     float64
	CycleDuration   float64
	VisibleDuration float64
}

func (o SubtitleOpts) withDefaults() SubtitleOpts {
	if o.LetterDelay <= 0 {
		o.LetterDelay = defaultLetterDelay
	}
	if o.CycleDuration <= 0 {
		o.CycleDuration = defaultCycleDuration
	}
	if o.VisibleDuration <= 0 {
		o.VisibleDuration = defaultVisibleDuration
	}
	return o
}

// SubtitleEvents builds the reveal timeline: the text appears letter by
// letter, stays fully visible, and the whole animation repeats each cycle
// until the video ends. All times are clamped to videoDuration.
func SubtitleEvents(text string, videoDuration float64, opts SubtitleOpts) string {
	opts = opts.withDefaults()
	letters := []rune(text)

	var sb strings.Builder
	numCycles := int(videoDuration/opts.CycleDuration) + 1
	for cycle := 0; cycle < numCycles; cycle++ {
		cycleStart := float64(cycle) * opts.CycleDuration
		for i := 1; i <= len(letters); i++ {
			start := cycleStart + float64(i-1)*opts.LetterDelay
			var end float64
			if i == len(letters) {
				// The full text holds until the visible window closes.
				end = cycleStart + opts.VisibleDuration
			} else {
				end = cycleStart + float64(i)*opts.LetterDelay
			}
			if start >= videoDuration {
				break
			}
			if end > videoDuration {
				end = videoDuration
			}
			fmt.Fprintf(&sb, "Dialogue: 0,%s,%s,Default,,0,0,0,,{\\fad(150,0)}%s\\N\n",
				assTime(start), assTime(end), string(letters[:i]))
		}
	}
	return sb.String()
}

// WriteSubtitleFile renders the full ASS document to path, creating parent
// directories as needed.
func WriteSubtitleFile(text string, videoDuration float64, path string, opts SubtitleOpts) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating subtitle dir: %w", err)
	}
	content := assHeader + SubtitleEvents(text, videoDuration, opts)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing subtitle file: %w", err)
	}
	return nil
}

// assTime renders seconds as the ASS H:MM:SS.cc timestamp.
func assTime(seconds float64) string {
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	s := seconds - float64(h*3600) - float64(m*60)
	return fmt.Sprintf("%d:%02d:%05.2f", h, m, s)
}
