package video

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ybhmedia/compilation-api/log"
	"gopkg.in/vansante/go-ffprobe.v2"
)

// ErrMissing is returned when the source file does not exist on the share.
var ErrMissing = errors.New("file not found")

// Files are considered 4K at 3840x2160 and above.
const (
	min4KWidth  = 3840
	min4KHeight = 2160
)

// minProbeTimeout covers slow SMB mounts; large files get proportionally more.
const minProbeTimeout = 3 * time.Minute

type Info struct {
	Duration float64
	Width    int
	Height   int
	Is4K     bool
}

func (i Info) Resolution() string {
	return fmt.Sprintf("%dx%d", i.Width, i.Height)
}

type Prober interface {
	Probe(ctx context.Context, path string) (Info, error)
	ProbeAll(ctx context.Context, paths []string, workers int) map[string]*Info
}

// Probe shells out to ffprobe. The stat pre-check both wakes stale SMB
// handles and fails fast for missing files.
type Probe struct{}

func (p Probe) Probe(ctx context.Context, path string) (Info, error) {
	statStart := time.Now()
	fi, err := os.Stat(path)
	if elapsed := time.Since(statStart); elapsed > 2*time.Second {
		log.LogNoJobID("slow path check, network share may be degraded", "path", path, "elapsed", elapsed)
	}
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrMissing
		}
		return Info{}, fmt.Errorf("error checking path %s: %w", path, err)
	}

	var data *ffprobe.ProbeData
	operation := func() error {
		probeCtx, probeCancel := context.WithTimeout(ctx, probeTimeout(fi.Size()))
		defer probeCancel()
		data, err = ffprobe.ProbeURL(probeCtx, path, "-loglevel", "error")
		return err
	}
	if err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2)); err != nil {
		return Info{}, fmt.Errorf("error probing %s: %w", path, err)
	}
	return parseProbeData(data)
}

// ProbeAll probes paths with a bounded worker pool. Results are keyed by
// path; a nil entry means the file is missing or unreadable. Individual
// failures never abort the batch.
func (p Probe) ProbeAll(ctx context.Context, paths []string, workers int) map[string]*Info {
	if workers <= 0 {
		workers = 8
	}

	results := make(map[string]*Info, len(paths))
	var mu sync.Mutex
	var wg sync.WaitGroup
	queue := make(chan string)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range queue {
				info, err := p.Probe(ctx, path)
				mu.Lock()
				if err != nil {
					if !errors.Is(err, ErrMissing) {
						log.LogNoJobID("probe failed", "path", path, "err", err)
					}
					results[path] = nil
				} else {
					results[path] = &info
				}
				mu.Unlock()
			}
		}()
	}
	for _, path := range paths {
		queue <- path
	}
	close(queue)
	wg.Wait()

	return results
}

func probeTimeout(sizeBytes int64) time.Duration {
	d := time.Duration(sizeBytes/(1<<30)) * time.Minute
	if d < minProbeTimeout {
		return minProbeTimeout
	}
	return d
}

func parseProbeData(data *ffprobe.ProbeData) (Info, error) {
	videoStream := data.FirstVideoStream()
	if videoStream == nil {
		return Info{}, errors.New("no video stream found")
	}
	if data.Format == nil {
		return Info{}, errors.New("format information missing")
	}

	duration, err := strconv.ParseFloat(videoStream.Duration, 64)
	if err != nil {
		duration = data.Format.DurationSeconds
	}

	width, height := videoStream.Width, videoStream.Height
	if duration <= 0 || width == 0 || height == 0 {
		return Info{}, fmt.Errorf("incomplete video info: duration=%f resolution=%dx%d", duration, width, height)
	}

	return Info{
		Duration: duration,
		Width:    width,
		Height:   height,
		Is4K:     width >= min4KWidth && height >= min4KHeight,
	}, nil
}
