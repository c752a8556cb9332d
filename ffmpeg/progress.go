package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ybhmedia/compilation-api/log"
)

const (
	cancelPollStep    = 5
	prefetchStep      = 20
	termGracePeriod   = 5 * time.Second
	cmdSidecarName    = "ffmpeg_cmd.txt"
	stderrSidecarName = "ffmpeg_stderr.txt"
)

var (
	timeRe  = regexp.MustCompile(`time=(\d+):(\d+):(\d+\.\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*(\d+\.?\d*)x`)
)

// Progress is what a single stderr line yielded. HasTime gates whether the
// line advances the job's progress at all.
type Progress struct {
	HasTime bool
	Seconds float64
	FPS     int
	Speed   float64
}

// ParseProgress extracts time/fps/speed from one ffmpeg stderr line.
func ParseProgress(line string) Progress {
	var p Progress
	if m := timeRe.FindStringSubmatch(line); m != nil {
		h, _ := strconv.Atoi(m[1])
		min, _ := strconv.Atoi(m[2])
		sec, _ := strconv.ParseFloat(m[3], 64)
		p.Seconds = float64(h)*3600 + float64(min)*60 + sec
		p.HasTime = true
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.Atoi(m[1])
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	return p
}

// RunOpts configures a monitored transcoder run.
type RunOpts struct {
	FFmpegPath string
	Args       []string
	JobID      string
	// TotalDuration is the expected output length; progress is computed
	// against it and capped at 99 until the process exits.
	TotalDuration float64
	// LogDir receives the ffmpeg_cmd.txt and ffmpeg_stderr.txt sidecars.
	LogDir string

	// OnProgress fires on every 1-point increase.
	OnProgress func(progress int)
	// IsCancelled is polled every 5 progress points.
	IsCancelled func(ctx context.Context) bool
	// OnPrefetch fires every 20 progress points.
	OnPrefetch func()
}

// Result is the structured outcome of a run. Cancelled runs carry the exit
// code of the killed process but must not be treated as failures.
type Result struct {
	ExitCode  int
	Cancelled bool
}

// Run launches ffmpeg and streams its stderr, translating time= lines into
// job progress. On a detected cancellation it sends SIGTERM, waits up to 5s,
// then SIGKILLs. The full stderr and the argument vector are persisted next
// to the job log regardless of outcome.
func Run(ctx context.Context, opts RunOpts) (Result, error) {
	if opts.TotalDuration <= 0 {
		return Result{}, fmt.Errorf("total duration must be positive, got %f", opts.TotalDuration)
	}

	cmdLine := opts.FFmpegPath + " " + strings.Join(opts.Args, " ")
	if err := writeSidecar(opts.LogDir, cmdSidecarName, []byte(cmdLine)); err != nil {
		log.LogError(opts.JobID, "error writing command sidecar", err)
	}

	cmd := exec.Command(opts.FFmpegPath, opts.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("error opening stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("error starting ffmpeg: %w", err)
	}
	log.Log(opts.JobID, "ffmpeg started", "pid", cmd.Process.Pid,
		"expected_duration", fmt.Sprintf("%.2fs", opts.TotalDuration))

	// Closed once the stderr stream is drained and the process reaped, so
	// the kill escalation below can tell whether SIGTERM was enough.
	exited := make(chan struct{})

	var stderrBuf bytes.Buffer
	var cancelled bool
	lastProgress := 0
	lastCancelPoll := 0
	lastPrefetch := 0

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := scanner.Text()
		stderrBuf.WriteString(line)
		stderrBuf.WriteByte('\n')

		parsed := ParseProgress(line)
		if !parsed.HasTime {
			continue
		}
		progress := int(parsed.Seconds / opts.TotalDuration * 100)
		if progress > 99 {
			progress = 99
		}
		if progress <= lastProgress {
			continue
		}
		lastProgress = progress
		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}

		if !cancelled && opts.IsCancelled != nil && progress-lastCancelPoll >= cancelPollStep {
			lastCancelPoll = progress
			if opts.IsCancelled(ctx) {
				cancelled = true
				log.Log(opts.JobID, "cancellation detected, stopping ffmpeg", "progress", progress)
				go terminate(cmd, exited, opts.JobID)
				// Keep draining stderr until the process dies.
				continue
			}
		}
		if !cancelled && opts.OnPrefetch != nil && progress-lastPrefetch >= prefetchStep {
			lastPrefetch = progress
			opts.OnPrefetch()
		}
	}

	waitErr := cmd.Wait()
	close(exited)

	if err := writeSidecar(opts.LogDir, stderrSidecarName, stderrBuf.Bytes()); err != nil {
		log.LogError(opts.JobID, "error writing stderr sidecar", err)
	}

	exitCode := 0
	if waitErr != nil {
		exitErr, ok := waitErr.(*exec.ExitError)
		if !ok {
			return Result{}, fmt.Errorf("error waiting for ffmpeg: %w", waitErr)
		}
		exitCode = exitErr.ExitCode()
	}
	if cancelled {
		return Result{ExitCode: exitCode, Cancelled: true}, nil
	}
	if exitCode != 0 {
		log.LogNoJobID("ffmpeg failed", "job_id", opts.JobID, "exit_code", exitCode,
			"stderr_tail", tail(stderrBuf.String(), 2000))
	}
	return Result{ExitCode: exitCode}, nil
}

// terminate asks the process to stop and escalates to SIGKILL if it is
// still alive after the grace period.
func terminate(cmd *exec.Cmd, exited <-chan struct{}, jobID string) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.LogError(jobID, "error sending SIGTERM to ffmpeg", err)
	}
	select {
	case <-exited:
	case <-time.After(termGracePeriod):
		log.Log(jobID, "ffmpeg ignored SIGTERM, killing")
		_ = cmd.Process.Kill()
	}
}

func writeSidecar(dir, name string, data []byte) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0644)
}

// scanCRLines splits on both \n and \r, since ffmpeg rewrites its stats
// line with bare carriage returns.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
