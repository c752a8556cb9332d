package copier

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeSource(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestCopyOneFallsBackToStreamCopy(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "video.mp4", "not really a video")

	// robocopy does not exist on this host, so the direct-access chain
	// must end up in the stream copy.
	e := &Engine{Container: false}
	dest, err := e.CopyOne(context.Background(), src, destDir, "video_1.mp4")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(destDir, "video_1.mp4"), dest)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "not really a video", string(contents))
}

func TestCopyOneDefaultsToSourceBasename(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "intro.mp4", "intro")

	e := &Engine{}
	dest, err := e.CopyOne(context.Background(), src, destDir, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(destDir, "intro.mp4"), dest)
}

func TestCopyOneSkipsWhenSizeMatches(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "video.mp4", "same size")

	e := &Engine{}
	dest, err := e.CopyOne(context.Background(), src, destDir, "video_1.mp4")
	require.NoError(t, err)

	stamp := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(dest, stamp, stamp))

	_, err = e.CopyOne(context.Background(), src, destDir, "video_1.mp4")
	require.NoError(t, err)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Equal(t, stamp, info.ModTime().UTC(), "skipped copy must not rewrite the file")
}

func TestCopyOneRecopiesOnSizeMismatch(t *testing.T) {
	srcDir, destDir := t.TempDir(), t.TempDir()
	src := writeSource(t, srcDir, "video.mp4", "full contents")
	writeSource(t, destDir, "video_1.mp4", "partial")

	e := &Engine{}
	dest, err := e.CopyOne(context.Background(), src, destDir, "video_1.mp4")
	require.NoError(t, err)

	contents, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, "full contents", string(contents))
}

func TestCopyOneMissingSource(t *testing.T) {
	e := &Engine{}
	_, err := e.CopyOne(context.Background(), filepath.Join(t.TempDir(), "nope.mp4"), t.TempDir(), "x.mp4")
	require.Error(t, err)
}

func TestCopyAllIsOrderIndependent(t *testing.T) {
	srcDir := t.TempDir()
	var jobs []Job
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("video_%d.mp4", i)
		writeSource(t, srcDir, name, fmt.Sprintf("contents %d", i))
		jobs = append(jobs, Job{SourcePath: filepath.Join(srcDir, name), DestName: name})
	}

	e := &Engine{Workers: 3}
	destA := t.TempDir()
	resultsA, err := e.CopyAll(context.Background(), jobs, destA, Hooks{})
	require.NoError(t, err)

	reversed := make([]Job, len(jobs))
	for i, j := range jobs {
		reversed[len(jobs)-1-i] = j
	}
	destB := t.TempDir()
	resultsB, err := e.CopyAll(context.Background(), reversed, destB, Hooks{})
	require.NoError(t, err)

	require.Len(t, resultsA, len(jobs))
	require.Len(t, resultsB, len(jobs))
	for name := range resultsA {
		require.Equal(t, filepath.Base(resultsA[name]), filepath.Base(resultsB[name]))
	}
}

func TestCopyAllReportsProgress(t *testing.T) {
	srcDir := t.TempDir()
	var jobs []Job
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("v%d.mp4", i)
		writeSource(t, srcDir, name, "x")
		jobs = append(jobs, Job{SourcePath: filepath.Join(srcDir, name), DestName: name})
	}

	var calls int
	e := &Engine{Workers: 1}
	_, err := e.CopyAll(context.Background(), jobs, t.TempDir(), Hooks{
		Progress: func(completed, total int) {
			calls++
			require.Equal(t, 4, total)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 4, calls)
}

func TestCopyAllCancellation(t *testing.T) {
	srcDir := t.TempDir()
	var jobs []Job
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("v%d.mp4", i)
		writeSource(t, srcDir, name, "x")
		jobs = append(jobs, Job{SourcePath: filepath.Join(srcDir, name), DestName: name})
	}

	var seen int
	e := &Engine{Workers: 1}
	_, err := e.CopyAll(context.Background(), jobs, t.TempDir(), Hooks{
		IsCancelled: func() bool {
			seen++
			return seen >= 3
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestCopyAllReportsFailures(t *testing.T) {
	srcDir := t.TempDir()
	good := writeSource(t, srcDir, "good.mp4", "ok")
	jobs := []Job{
		{SourcePath: good, DestName: "good.mp4"},
		{SourcePath: filepath.Join(srcDir, "missing.mp4"), DestName: "missing.mp4"},
	}

	e := &Engine{}
	results, err := e.CopyAll(context.Background(), jobs, t.TempDir(), Hooks{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing.mp4")
	require.Contains(t, results, "good.mp4")
}

func TestRsyncTimeoutClamp(t *testing.T) {
	require.Equal(t, 300*time.Second, rsyncTimeout(500<<20)) // 500 MB floor
	require.Equal(t, 3600*time.Second, rsyncTimeout(50<<30)) // 50 GB cap
	require.Equal(t, 1200*time.Second, rsyncTimeout(10<<30))
	require.Equal(t, 900*time.Second, rsyncTimeout(15<<29)) // fractional GB scales, no truncation
}
