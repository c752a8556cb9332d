// Package copier moves source media from the SMB shares into per-job temp
// directories. Copies go through an ordered chain of methods, from the
// fastest network-aware tool down to a plain stream copy.
package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ybhmedia/compilation-api/log"
)

// ErrCancelled is returned by CopyAll when the cancellation hook fires.
var ErrCancelled = errors.New("copy cancelled")

const defaultBatchWorkers = 5

// Job names one file to copy into the destination directory.
type Job struct {
	SourcePath string
	DestName   string
}

// Hooks let the worker pipeline observe batch progress and request
// cancellation between files.
type Hooks struct {
	Progress    func(completed, total int)
	IsCancelled func() bool
}

// Engine selects the copy chain for the current host. Container hosts reach
// the shares through bind mounts and use rsync/cp; direct-access hosts use
// robocopy. Both fall back to a stream copy.
type Engine struct {
	Container bool
	Workers   int
}

// CopyOne copies src into destDir under destName (source basename when
// empty). If the destination already exists with the source's size the copy
// is skipped, which is what makes prefetched jobs start near-instantly.
func (e *Engine) CopyOne(ctx context.Context, src, destDir, destName string) (string, error) {
	if destName == "" {
		destName = filepath.Base(src)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("error creating destination dir: %w", err)
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("source file not found: %s: %w", src, err)
	}
	destPath := filepath.Join(destDir, destName)

	if destInfo, err := os.Stat(destPath); err == nil {
		if destInfo.Size() == srcInfo.Size() {
			log.LogNoJobID("copy skipped, destination already present", "dest", destPath)
			return destPath, nil
		}
		// Partial or stale file from an interrupted copy; redo it.
		_ = os.Remove(destPath)
	}

	if err := e.copyFile(ctx, src, destDir, destPath, srcInfo.Size()); err != nil {
		return "", err
	}

	// Some copiers name the destination after the source; fix that up.
	if _, err := os.Stat(destPath); err != nil {
		alt := filepath.Join(destDir, filepath.Base(src))
		if _, altErr := os.Stat(alt); altErr != nil {
			return "", fmt.Errorf("copy finished but destination %s missing", destPath)
		}
		if err := os.Rename(alt, destPath); err != nil {
			return "", fmt.Errorf("error renaming copied file: %w", err)
		}
	}
	return destPath, nil
}

// CopyAll copies jobs in parallel. The returned map holds destination name to
// destination path for every successful copy. A fired cancellation hook stops
// the batch with ErrCancelled; any copy failure is reported after the whole
// batch has drained.
func (e *Engine) CopyAll(ctx context.Context, jobs []Job, destDir string, hooks Hooks) (map[string]string, error) {
	workers := e.Workers
	if workers <= 0 {
		workers = defaultBatchWorkers
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		results   = make(map[string]string, len(jobs))
		failed    []string
		completed int
		cancelled bool
	)
	queue := make(chan Job)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if ctx.Err() != nil {
					continue
				}
				dest, err := e.CopyOne(ctx, job.SourcePath, destDir, job.DestName)

				mu.Lock()
				completed++
				if err != nil {
					log.LogNoJobID("copy failed", "source", job.SourcePath, "err", err)
					failed = append(failed, job.DestName)
				} else {
					results[job.DestName] = dest
				}
				done, total := completed, len(jobs)
				mu.Unlock()

				if hooks.Progress != nil {
					hooks.Progress(done, total)
				}
				if hooks.IsCancelled != nil && hooks.IsCancelled() {
					mu.Lock()
					cancelled = true
					mu.Unlock()
					cancel()
				}
			}
		}()
	}
	for _, job := range jobs {
		queue <- job
	}
	close(queue)
	wg.Wait()

	if cancelled {
		return results, ErrCancelled
	}
	if len(failed) > 0 {
		return results, fmt.Errorf("failed to copy %d files: %v", len(failed), failed)
	}
	return results, nil
}

func (e *Engine) copyFile(ctx context.Context, src, destDir, destPath string, size int64) error {
	if e.Container {
		if err := e.rsync(ctx, src, destDir, size); err == nil {
			return nil
		} else if !errors.Is(err, exec.ErrNotFound) {
			log.LogNoJobID("rsync failed, falling back to cp", "source", src, "err", err)
		}
		if err := e.cp(ctx, src, destPath); err == nil {
			return nil
		} else if !errors.Is(err, exec.ErrNotFound) {
			log.LogNoJobID("cp failed, falling back to stream copy", "source", src, "err", err)
		}
		return streamCopy(src, destPath)
	}

	if err := e.robocopy(ctx, src, destDir); err == nil {
		return nil
	} else if !errors.Is(err, exec.ErrNotFound) {
		log.LogNoJobID("robocopy failed, falling back to stream copy", "source", src, "err", err)
	}
	return streamCopy(src, destPath)
}

// rsyncTimeout scales the I/O timeout with file size: 120s per GB, clamped
// to [300s, 3600s].
func rsyncTimeout(size int64) time.Duration {
	secs := int64(float64(size) / (1 << 30) * 120)
	if secs < 300 {
		secs = 300
	}
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

func (e *Engine) rsync(ctx context.Context, src, destDir string, size int64) error {
	timeout := rsyncTimeout(size)
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "rsync", "-av", "--whole-file",
		fmt.Sprintf("--timeout=%d", int(timeout.Seconds())),
		"--contimeout=60",
		src, destDir+string(os.PathSeparator))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rsync: %w: %s", err, lastLine(out))
	}
	return nil
}

func (e *Engine) cp(ctx context.Context, src, destPath string) error {
	operation := func() error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(ctx, "cp", src, destPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			if errors.Is(err, exec.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("cp: %w: %s", err, lastLine(out))
		}
		return nil
	}
	return backoff.Retry(operation, backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 2))
}

func (e *Engine) robocopy(ctx context.Context, src, destDir string) error {
	ctx, cancel := context.WithTimeout(ctx, time.Hour)
	defer cancel()

	cmd := exec.CommandContext(ctx, "robocopy",
		filepath.Dir(src), destDir, filepath.Base(src),
		"/R:3", "/W:5", "/NP", "/NDL", "/NJH", "/NJS")
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		// Robocopy exit codes below 8 mean the copy succeeded.
		if errors.As(err, &exitErr) && exitErr.ExitCode() < 8 {
			return nil
		}
		return fmt.Errorf("robocopy: %w: %s", err, lastLine(out))
	}
	return nil
}

func streamCopy(src, destPath string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("error creating destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("error copying: %w", err)
	}
	return out.Close()
}

func lastLine(out []byte) string {
	s := string(out)
	if len(s) > 200 {
		s = s[len(s)-200:]
	}
	return s
}
