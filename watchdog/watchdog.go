// Package watchdog runs the API node's background loops: re-dispatching
// jobs the broker lost, and keeping network share mounts warm.
package watchdog

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/store"
)

const (
	staleInterval = time.Minute
	// A job still unclaimed five minutes after dispatch has almost
	// certainly been dropped by the broker.
	staleAge = 5 * time.Minute

	keepAliveInterval = 5 * time.Second
)

type JobLister interface {
	ListStaleQueued(ctx context.Context, age time.Duration) ([]store.Job, error)
	ListItems(ctx context.Context, jobID string) ([]store.Item, error)
}

type TaskInspector interface {
	TaskState(ctx context.Context, taskID string) (broker.TaskState, error)
}

type Redispatcher interface {
	Dispatch(ctx context.Context, job store.Job, items []store.Item) (string, error)
}

// StaleDetector periodically sweeps for queued jobs no worker has claimed
// and resubmits the ones whose broker task is dead.
type StaleDetector struct {
	Jobs       JobLister
	Tasks      TaskInspector
	Dispatcher Redispatcher
}

func (d *StaleDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(staleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *StaleDetector) sweep(ctx context.Context) {
	jobs, err := d.Jobs.ListStaleQueued(ctx, staleAge)
	if err != nil {
		log.LogNoJobID("stale sweep failed to list jobs", "err", err)
		return
	}
	for _, job := range jobs {
		if !d.taskLost(ctx, job) {
			continue
		}
		items, err := d.Jobs.ListItems(ctx, job.JobID)
		if err != nil {
			log.LogError(job.JobID, "stale sweep failed to load items", err)
			continue
		}
		log.Log(job.JobID, "re-dispatching stale job", "old_task_id", job.TaskID,
			"age", time.Since(job.CreatedAt).Round(time.Second))
		if _, err := d.Dispatcher.Dispatch(ctx, job, items); err != nil {
			log.LogError(job.JobID, "stale re-dispatch failed", err)
			continue
		}
		metrics.Metrics.StaleJobsRedispatched.Inc()
	}
}

// taskLost reports whether the job's broker task is dead. A PENDING task is
// assumed to still be waiting its turn on a busy queue; only an explicit
// failure or a missing record triggers re-dispatch.
func (d *StaleDetector) taskLost(ctx context.Context, job store.Job) bool {
	if job.TaskID == "" {
		return true
	}
	state, err := d.Tasks.TaskState(ctx, job.TaskID)
	if err != nil {
		log.LogError(job.JobID, "stale sweep failed to read task state", err)
		return false
	}
	return state == broker.StateFailure || state == broker.StateUnknown
}

// KeepAlive lists each mount on a short interval so the OS does not let the
// SMB sessions idle out. Listing failures are logged and otherwise ignored;
// a mount that is briefly unreachable will be retried on the next tick.
type KeepAlive struct {
	Mounts []string
}

func (k *KeepAlive) Run(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.touchAll(ctx)
		}
	}
}

func (k *KeepAlive) touchAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, mount := range k.Mounts {
		mount := mount
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := os.ReadDir(mount); err != nil {
				log.LogNoJobID("share keep-alive failed", "mount", mount, "err", err)
			}
		}()
	}
	wg.Wait()
}
