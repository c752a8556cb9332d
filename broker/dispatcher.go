package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ybhmedia/compilation-api/config"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/store"
)

const (
	submitAttempts = 3
	submitBackoff  = time.Second
)

// TaskSubmitter is the slice of the broker client the dispatcher needs.
type TaskSubmitter interface {
	Submit(ctx context.Context, queue string, kind TaskKind, jobID string) (string, error)
}

// JobUpdater is the slice of the job store the dispatcher needs.
type JobUpdater interface {
	UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) error
}

// Dispatcher routes jobs onto the right queue and records the resulting
// task id, or marks the job failed when the broker will not take it.
type Dispatcher struct {
	Tasks TaskSubmitter
	Jobs  JobUpdater
}

// Classify picks the queue for a job. Rules are checked in order and the
// first match wins:
//
//	4K with more than 20 videos, or non-4K with more than 40 -> 4k_queue
//	any text animation, or 4K with 20 or fewer videos        -> gpu_queue
//	everything else                                           -> default_queue
func Classify(enable4K bool, videoCount int, hasTextAnimation bool) (string, TaskKind) {
	switch {
	case (enable4K && videoCount > 20) || (!enable4K && videoCount > 40):
		return config.Queue4K, KindFourK
	case hasTextAnimation || enable4K:
		return config.QueueGpu, KindGpu
	default:
		return config.QueueDefault, KindStandard
	}
}

// ClassifyJob derives the classification inputs from the job's items.
func ClassifyJob(job store.Job, items []store.Item) (string, TaskKind) {
	var videos int
	var hasText bool
	for _, item := range items {
		if item.ItemType == store.ItemVideo {
			videos++
		}
		if item.TextAnimation != "" {
			hasText = true
		}
	}
	return Classify(job.Enable4K, videos, hasText)
}

// Dispatch submits the job's task, retrying a few times before giving up.
// On success the task id is written back to the job row; on exhaustion the
// job is marked failed so it does not sit queued forever.
func (d *Dispatcher) Dispatch(ctx context.Context, job store.Job, items []store.Item) (string, error) {
	queue, kind := ClassifyJob(job, items)

	var taskID string
	submit := func() error {
		var err error
		taskID, err = d.Tasks.Submit(ctx, queue, kind, job.JobID)
		if err != nil {
			log.LogError(job.JobID, "task submission failed", err, "queue", queue)
		}
		return err
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(submitBackoff), submitAttempts-1)
	if err := backoff.Retry(submit, backoff.WithContext(policy, ctx)); err != nil {
		failed := store.StatusFailed
		msg := fmt.Sprintf("Failed to submit job to queue %s: %s", queue, err)
		now := time.Now().UTC()
		if uerr := d.Jobs.UpdateJob(ctx, job.JobID, store.JobPatch{
			Status:       &failed,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); uerr != nil {
			log.LogError(job.JobID, "error marking job failed after dispatch failure", uerr)
		}
		return "", fmt.Errorf("error dispatching job to %s: %w", queue, err)
	}

	metrics.Metrics.SubmitRequestCount.WithLabelValues(queue).Inc()
	if err := d.Jobs.UpdateJob(ctx, job.JobID, store.JobPatch{TaskID: &taskID}); err != nil {
		log.LogError(job.JobID, "error recording task id", err)
	}
	log.AddContext(job.JobID, "task_id", taskID, "queue", queue)
	log.Log(job.JobID, "job dispatched", "queue", queue, "kind", kind)
	return taskID, nil
}
