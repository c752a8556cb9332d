// Package pipeline is the worker side of the service: it consumes tasks
// from the broker and drives a compilation end to end, from copying the
// sources off the shares to publishing the finished file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/copier"
	"github.com/ybhmedia/compilation-api/ffmpeg"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/share"
	"github.com/ybhmedia/compilation-api/store"
	"github.com/ybhmedia/compilation-api/video"
	"github.com/ybhmedia/compilation-api/warehouse"
)

type JobStore interface {
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	JobStatus(ctx context.Context, jobID string) (store.JobStatus, error)
	ListItems(ctx context.Context, jobID string) ([]store.Item, error)
	UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) error
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
	InsertHistory(ctx context.Context, h store.HistoryRow) error
}

type Resolver interface {
	ResolveVideos(ctx context.Context, ids []string) (map[string]warehouse.VideoInfo, error)
}

type TaskStates interface {
	SetTaskState(ctx context.Context, taskID string, state broker.TaskState) error
}

// Worker processes one compilation at a time. All collaborators are
// injected; the runner wires the real ones in main.
type Worker struct {
	Name       string
	Store      JobStore
	Resolver   Resolver
	Tasks      TaskStates
	Copier     *copier.Engine
	Prober     video.Prober
	Normalizer share.Normalizer
	Prefetch   *Prefetcher

	FFmpegPath string
	TempDir    string
	OutputRoot string
	LogDir     string

	// GpuAvailable is ffmpeg.GpuAvailable in production; injectable so
	// tests do not shell out.
	GpuAvailable func(ffmpegPath string) bool
}

// Process runs the full pipeline for one task. The returned error is for
// the runner's log only; job state is always settled before returning.
func (w *Worker) Process(ctx context.Context, task broker.Task) error {
	jobID := task.JobID
	_ = w.Tasks.SetTaskState(ctx, task.ID, broker.StateStarted)

	job, err := w.Store.GetJob(ctx, jobID)
	if err != nil {
		_ = w.Tasks.SetTaskState(ctx, task.ID, broker.StateFailure)
		log.LogNoJobID("job row missing for task", "job_id", jobID, "task_id", task.ID, "err", err)
		return fmt.Errorf("error loading job %s: %w", jobID, err)
	}

	username := job.UserID
	if profile, perr := w.Store.GetProfile(ctx, job.UserID); perr == nil && profile.Username != "" {
		username = profile.Username
	}

	jobLog, err := log.NewJobLogger(w.LogDir, username, job.ChannelName, jobID)
	if err != nil {
		log.LogError(jobID, "could not open job log", err)
	} else {
		defer jobLog.Close()
	}
	log.AddContext(jobID, "channel", job.ChannelName, "worker", w.Name)

	started := time.Now()
	tempDir := filepath.Join(w.TempDir, jobID)
	err = w.run(ctx, task, job, username, tempDir, jobLog)
	w.cleanup(jobID, tempDir)
	metrics.Metrics.JobDurationSec.Observe(time.Since(started).Seconds())

	if err != nil {
		w.settleFailure(ctx, task, jobID, err, jobLog)
		return err
	}
	metrics.Metrics.JobsCompletedCount.WithLabelValues(string(store.StatusCompleted)).Inc()
	return nil
}

var errCancelled = errors.New("job cancelled")

func (w *Worker) run(ctx context.Context, task broker.Task, job store.Job, username, tempDir string, jobLog *log.FileLogger) error {
	jobID := job.JobID

	// A cancel can land between dispatch and pickup; a settled row is
	// never reopened.
	if ctx.Err() != nil {
		return errCancelled
	}
	if status, err := w.Store.JobStatus(ctx, jobID); err == nil && status.Terminal() {
		logInfo(jobLog, "job already settled, dropping task", "status", string(status))
		if status == store.StatusCancelled {
			return errCancelled
		}
		return fmt.Errorf("job is already %s", status)
	}

	now := time.Now().UTC()
	processing := store.StatusProcessing
	starting := "Starting..."
	if err := w.Store.UpdateJob(ctx, jobID, store.JobPatch{
		Status:          &processing,
		StartedAt:       &now,
		WorkerID:        &w.Name,
		QueueName:       &task.Queue,
		ProgressMessage: &starting,
	}); err != nil {
		return fmt.Errorf("error transitioning job to processing: %w", err)
	}
	logInfo(jobLog, "processing started", "worker", w.Name, "queue", task.Queue)

	items, err := w.Store.ListItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("error loading job items: %w", err)
	}
	if len(items) == 0 {
		return fmt.Errorf("job has no items")
	}
	logFeatures(jobLog, job, items)

	// Step 0: see whether a follow-up job is already reserved and warm its
	// temp tree while this one encodes.
	if w.Prefetch != nil {
		w.Prefetch.Kick(ctx, w.Name)
	}

	if err := w.refreshVideoPaths(ctx, items); err != nil {
		return err
	}

	copyJobs := w.PlanCopies(items)
	logInfo(jobLog, "copying sources", "files", len(copyJobs))
	copyStart := time.Now()
	copied, err := w.Copier.CopyAll(ctx, copyJobs, tempDir, copier.Hooks{
		Progress: func(completed, total int) {
			msg := fmt.Sprintf("Copying files... (%d/%d)", completed, total)
			_ = w.Store.UpdateJob(ctx, jobID, store.JobPatch{ProgressMessage: &msg})
		},
		IsCancelled: func() bool { return w.isCancelled(ctx, jobID) },
	})
	if errors.Is(err, copier.ErrCancelled) {
		logInfo(jobLog, "cancelled during copy")
		return errCancelled
	}
	if err != nil {
		return fmt.Errorf("error copying sources: %w", err)
	}
	metrics.Metrics.SourceCopyDurationSec.Observe(time.Since(copyStart).Seconds())

	segments, totalDuration, err := w.buildSegments(ctx, items, copied, tempDir, jobLog)
	if err != nil {
		return err
	}

	outputName := fmt.Sprintf("%s_%s.mp4", job.ChannelName, jobID)
	tempOutput := filepath.Join(tempDir, outputName)
	args := ffmpeg.BuildArgs(segments, tempOutput, job.Enable4K, w.gpu())
	encoding := "Encoding..."
	_ = w.Store.UpdateJob(ctx, jobID, store.JobPatch{ProgressMessage: &encoding})

	result, err := ffmpeg.Run(ctx, ffmpeg.RunOpts{
		FFmpegPath:    w.FFmpegPath,
		Args:          args,
		JobID:         jobID,
		TotalDuration: totalDuration,
		LogDir:        logDirOf(jobLog),
		OnProgress: func(progress int) {
			_ = w.Store.UpdateJob(ctx, jobID, store.JobPatch{Progress: &progress})
		},
		IsCancelled: func(ctx context.Context) bool { return w.isCancelled(ctx, jobID) },
		OnPrefetch: func() {
			if w.Prefetch != nil {
				w.Prefetch.Kick(ctx, w.Name)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("error running ffmpeg: %w", err)
	}
	if result.Cancelled {
		logInfo(jobLog, "cancelled during encode")
		return errCancelled
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("FFmpeg failed with return code %d", result.ExitCode)
	}

	publishDir := filepath.Join(w.OutputRoot, username)
	logInfo(jobLog, "publishing output", "dir", publishDir)
	outputPath, err := w.Copier.CopyOne(ctx, tempOutput, publishDir, outputName)
	if err != nil {
		return fmt.Errorf("error publishing output: %w", err)
	}

	completed := store.StatusCompleted
	full := 100
	doneMsg := "Completed"
	completedAt := time.Now().UTC()
	if err := w.Store.UpdateJob(ctx, jobID, store.JobPatch{
		Status:          &completed,
		Progress:        &full,
		ProgressMessage: &doneMsg,
		OutputPath:      &outputPath,
		FinalDuration:   &totalDuration,
		CompletedAt:     &completedAt,
	}); err != nil {
		return fmt.Errorf("error marking job completed: %w", err)
	}
	_ = w.Tasks.SetTaskState(ctx, task.ID, broker.StateSuccess)
	logInfo(jobLog, "job completed", "output", outputPath, "duration", fmt.Sprintf("%.2fs", totalDuration))

	w.reportHistory(ctx, job, items, totalDuration, outputName)
	return nil
}

// refreshVideoPaths re-resolves catalog ids in one batch so a job picks up
// path corrections made in the warehouse since submission. Items whose id
// no longer resolves keep their stored path.
func (w *Worker) refreshVideoPaths(ctx context.Context, items []store.Item) error {
	var ids []string
	for _, item := range items {
		if item.ItemType == store.ItemVideo && item.VideoID != "" {
			ids = append(ids, item.VideoID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	resolved, err := w.Resolver.ResolveVideos(ctx, ids)
	if err != nil {
		return fmt.Errorf("error resolving videos: %w", err)
	}
	for i := range items {
		if info, ok := resolved[items[i].VideoID]; ok && info.Path != "" {
			items[i].Path = info.Path
		}
	}
	return nil
}

// PlanCopies turns the item list into the flat copy set: one entry per item
// plus one per attached logo, all with deterministic destination names so a
// prefetch and the real run agree byte for byte.
func (w *Worker) PlanCopies(items []store.Item) []copier.Job {
	var jobs []copier.Job
	for _, item := range items {
		src := w.Normalizer.Normalize(item.Path)
		jobs = append(jobs, copier.Job{
			SourcePath: src,
			DestName:   fmt.Sprintf("%s_%d%s", item.ItemType, item.Position, sourceExt(src)),
		})
		if item.ItemType == store.ItemVideo && item.LogoPath != "" {
			jobs = append(jobs, copier.Job{
				SourcePath: w.Normalizer.Normalize(item.LogoPath),
				DestName:   fmt.Sprintf("logo_%d.png", item.Position),
			})
		}
	}
	return jobs
}

// buildSegments probes the copied files, synthesizes subtitle files and
// assembles the encoder's item list in position order.
func (w *Worker) buildSegments(ctx context.Context, items []store.Item, copied map[string]string, tempDir string, jobLog *log.FileLogger) ([]ffmpeg.Item, float64, error) {
	var probePaths []string
	for _, item := range items {
		if item.ItemType == store.ItemImage {
			continue
		}
		if path, ok := copied[fmt.Sprintf("%s_%d%s", item.ItemType, item.Position, sourceExt(w.Normalizer.Normalize(item.Path)))]; ok {
			probePaths = append(probePaths, path)
		}
	}
	probed := w.Prober.ProbeAll(ctx, probePaths, 0)

	segments := make([]ffmpeg.Item, 0, len(items))
	var totalDuration float64
	for _, item := range items {
		destName := fmt.Sprintf("%s_%d%s", item.ItemType, item.Position, sourceExt(w.Normalizer.Normalize(item.Path)))
		localPath, ok := copied[destName]
		if !ok {
			return nil, 0, fmt.Errorf("copied file missing for item %d (%s)", item.Position, destName)
		}

		segment := ffmpeg.Item{
			Type:     item.ItemType,
			Position: item.Position,
			Path:     localPath,
			Duration: item.Duration,
		}
		if item.ItemType != store.ItemImage {
			info := probed[localPath]
			if info == nil {
				return nil, 0, fmt.Errorf("could not probe copied file for item %d: %s", item.Position, destName)
			}
			segment.Duration = info.Duration
		}
		if item.ItemType == store.ItemVideo && item.LogoPath != "" {
			if logoPath, ok := copied[fmt.Sprintf("logo_%d.png", item.Position)]; ok {
				segment.LogoPath = logoPath
			}
		}
		if item.ItemType == store.ItemVideo && item.TextAnimation != "" {
			assPath := filepath.Join(tempDir, fmt.Sprintf("text_%d.ass", item.Position))
			if err := ffmpeg.WriteSubtitleFile(item.TextAnimation, segment.Duration, assPath, ffmpeg.SubtitleOpts{}); err != nil {
				return nil, 0, fmt.Errorf("error writing subtitles for item %d: %w", item.Position, err)
			}
			segment.SubtitlePath = assPath
			logInfo(jobLog, "subtitle file synthesized", "position", item.Position)
		}

		if segment.Duration <= 0 && item.ItemType == store.ItemImage {
			segment.Duration = 5
		}
		totalDuration += segment.Duration
		segments = append(segments, segment)
	}
	return segments, totalDuration, nil
}

func (w *Worker) isCancelled(ctx context.Context, jobID string) bool {
	// A revoked task has its context cancelled by the runner.
	if ctx.Err() != nil {
		return true
	}
	status, err := w.Store.JobStatus(ctx, jobID)
	if err != nil {
		return false
	}
	return status == store.StatusCancelled
}

// settleFailure marks the job failed unless a cancellation already made it
// terminal; a cancelled status always wins over failed.
func (w *Worker) settleFailure(ctx context.Context, task broker.Task, jobID string, cause error, jobLog *log.FileLogger) {
	if ctx.Err() != nil {
		// The task context died with the revocation; settle on a fresh one.
		ctx = context.Background()
	}
	_ = w.Tasks.SetTaskState(ctx, task.ID, broker.StateFailure)
	if errors.Is(cause, errCancelled) {
		metrics.Metrics.JobsCompletedCount.WithLabelValues(string(store.StatusCancelled)).Inc()
		return
	}
	if status, err := w.Store.JobStatus(ctx, jobID); err == nil && status.Terminal() {
		if status == store.StatusCancelled {
			metrics.Metrics.JobsCompletedCount.WithLabelValues(string(store.StatusCancelled)).Inc()
		}
		return
	}
	metrics.Metrics.JobsCompletedCount.WithLabelValues(string(store.StatusFailed)).Inc()

	failed := store.StatusFailed
	msg := cause.Error()
	completedAt := time.Now().UTC()
	if err := w.Store.UpdateJob(ctx, jobID, store.JobPatch{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &completedAt,
	}); err != nil {
		log.LogError(jobID, "error marking job failed", err)
	}
	if jobLog != nil {
		jobLog.Error("job failed", cause)
	}
	log.LogError(jobID, "job failed", cause)
}

func (w *Worker) cleanup(jobID, tempDir string) {
	if w.Prefetch != nil {
		w.Prefetch.Forget(jobID)
	}
	if err := os.RemoveAll(tempDir); err != nil {
		log.LogError(jobID, "error removing temp tree", err)
	}
}

func (w *Worker) reportHistory(ctx context.Context, job store.Job, items []store.Item, totalDuration float64, outputName string) {
	videos := 0
	for _, item := range items {
		if item.ItemType == store.ItemVideo {
			videos++
		}
	}
	err := w.Store.InsertHistory(ctx, store.HistoryRow{
		JobID:          job.JobID,
		UserID:         job.UserID,
		ChannelName:    job.ChannelName,
		VideoCount:     videos,
		TotalDuration:  totalDuration,
		OutputFilename: outputName,
	})
	if err != nil {
		log.LogError(job.JobID, "error recording compilation history", err)
	}
}

func (w *Worker) gpu() bool {
	probe := w.GpuAvailable
	if probe == nil {
		probe = ffmpeg.GpuAvailable
	}
	return probe(w.FFmpegPath)
}

func logFeatures(jobLog *log.FileLogger, job store.Job, items []store.Item) {
	var hasText, hasLogos bool
	for _, item := range items {
		if item.TextAnimation != "" {
			hasText = true
		}
		if item.LogoPath != "" {
			hasLogos = true
		}
	}
	logInfo(jobLog, "job features", "items", len(items), "4k", job.Enable4K,
		"logos", hasLogos, "text_animation", hasText)
}

func logInfo(jobLog *log.FileLogger, message string, keyvals ...interface{}) {
	if jobLog != nil {
		jobLog.Info(message, keyvals...)
	}
}

func logDirOf(jobLog *log.FileLogger) string {
	if jobLog == nil {
		return ""
	}
	return jobLog.Dir()
}

func sourceExt(path string) string {
	return filepath.Ext(strings.ReplaceAll(path, `\`, "/"))
}
