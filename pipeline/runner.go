package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/log"
)

const (
	// One active compilation per worker, but up to one more task is pulled
	// off the queues early so its sources can be prefetched.
	reserveAhead = 2

	reserveWait       = 5 * time.Second
	heartbeatInterval = 5 * time.Second
	idleWait          = time.Second
)

// TaskSource is the broker surface the runner consumes tasks through.
type TaskSource interface {
	Reserve(ctx context.Context, worker string, queues []string, wait time.Duration) (*broker.Task, error)
	Reserved(ctx context.Context, worker string) ([]broker.Task, error)
	FinishReserved(ctx context.Context, worker, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
	SetTaskState(ctx context.Context, taskID string, state broker.TaskState) error
	Heartbeat(ctx context.Context, worker string) error
	SubscribeRevocations(ctx context.Context) (<-chan broker.Revocation, func())
}

// Runner owns the worker's consume loop: it keeps the reserved list topped
// up, heartbeats, listens for revocations, and feeds tasks to the pipeline
// one at a time.
type Runner struct {
	Name   string
	Queues []string
	Broker TaskSource
	Worker *Worker

	mu            sync.Mutex
	currentTask   string
	cancelCurrent context.CancelFunc
}

func (r *Runner) Run(ctx context.Context) error {
	log.LogNoJobID("worker starting", "worker", r.Name, "queues", len(r.Queues))
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return r.heartbeatLoop(ctx) })
	group.Go(func() error { return r.reserveLoop(ctx) })
	group.Go(func() error { return r.processLoop(ctx) })
	group.Go(func() error { return r.revokeLoop(ctx) })
	return group.Wait()
}

// revokeLoop interrupts the in-flight task as soon as its revocation is
// published, instead of waiting for the next cancellation poll.
func (r *Runner) revokeLoop(ctx context.Context) error {
	revocations, stop := r.Broker.SubscribeRevocations(ctx)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rev, ok := <-revocations:
			if !ok {
				return nil
			}
			r.mu.Lock()
			if rev.TaskID == r.currentTask && r.cancelCurrent != nil {
				log.LogNoJobID("revocation received for running task",
					"task_id", rev.TaskID, "signal", rev.Signal)
				r.cancelCurrent()
			}
			r.mu.Unlock()
		}
	}
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := r.Broker.Heartbeat(ctx, r.Name); err != nil && ctx.Err() == nil {
			log.LogNoJobID("heartbeat failed", "worker", r.Name, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// reserveLoop pulls tasks off the queues whenever the worker holds fewer
// than reserveAhead, so the prefetcher always has a "next job" to look at.
func (r *Runner) reserveLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reserved, err := r.Broker.Reserved(ctx, r.Name)
		if err != nil {
			log.LogNoJobID("error listing reserved tasks", "worker", r.Name, "err", err)
			sleep(ctx, idleWait)
			continue
		}
		if len(reserved) >= reserveAhead {
			sleep(ctx, idleWait)
			continue
		}
		task, err := r.Broker.Reserve(ctx, r.Name, r.Queues, reserveWait)
		if err != nil {
			if ctx.Err() == nil {
				log.LogNoJobID("error reserving task", "worker", r.Name, "err", err)
				sleep(ctx, idleWait)
			}
			continue
		}
		if task != nil {
			log.Log(task.JobID, "task reserved", "task_id", task.ID, "queue", task.Queue)
		}
	}
}

func (r *Runner) processLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reserved, err := r.Broker.Reserved(ctx, r.Name)
		if err != nil || len(reserved) == 0 {
			sleep(ctx, idleWait)
			continue
		}
		task := reserved[0]
		r.runOne(ctx, task)
		if err := r.Broker.FinishReserved(ctx, r.Name, task.ID); err != nil {
			log.LogError(task.JobID, "error releasing reserved task", err)
		}
	}
}

func (r *Runner) runOne(ctx context.Context, task broker.Task) {
	// A task revoked while it sat reserved is dropped without processing;
	// the API already settled the job row.
	if revoked, err := r.Broker.IsRevoked(ctx, task.ID); err == nil && revoked {
		log.Log(task.JobID, "skipping revoked task", "task_id", task.ID)
		_ = r.Broker.SetTaskState(ctx, task.ID, broker.StateFailure)
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.currentTask = task.ID
	r.cancelCurrent = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.currentTask = ""
		r.cancelCurrent = nil
		r.mu.Unlock()
		cancel()
	}()

	if err := r.Worker.Process(taskCtx, task); err != nil {
		log.LogError(task.JobID, "task finished with error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
