// Package broker implements the task queue on Redis: three named queues,
// task-state keys, per-worker reserved lists, revocation pub/sub and worker
// heartbeats. Tasks carry only the job id; everything else lives in the
// job store.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TaskKind tags which compilation variant a task runs.
type TaskKind string

const (
	KindStandard TaskKind = "standard"
	KindGpu      TaskKind = "gpu"
	KindFourK    TaskKind = "4k"
)

// TaskState mirrors the broker's view of a task.
type TaskState string

const (
	StatePending TaskState = "PENDING"
	StateStarted TaskState = "STARTED"
	StateSuccess TaskState = "SUCCESS"
	StateFailure TaskState = "FAILURE"
	// StateUnknown means the broker has no record of the task, e.g. after
	// a restart that dropped the queue.
	StateUnknown TaskState = "UNKNOWN"
)

type Task struct {
	ID       string    `json:"task_id"`
	JobID    string    `json:"job_id"`
	Kind     TaskKind  `json:"kind"`
	Queue    string    `json:"queue"`
	QueuedAt time.Time `json:"queued_at"`
}

type Revocation struct {
	TaskID string `json:"task_id"`
	Signal string `json:"signal"`
}

// Task records outlive the queues so the stale-job detector can tell a lost
// task (no record) from one that is merely waiting.
const taskStateTTL = 24 * time.Hour

const (
	keyPrefix     = "compile:"
	revokeChannel = keyPrefix + "revoked"
)

func queueKey(queue string) string     { return keyPrefix + "queue:" + queue }
func taskKey(taskID string) string     { return keyPrefix + "task:" + taskID }
func revokeKey(taskID string) string   { return keyPrefix + "revoke:" + taskID }
func reservedKey(worker string) string { return keyPrefix + "reserved:" + worker }
func workerKey(worker string) string   { return keyPrefix + "worker:" + worker }

type Client struct {
	rdb *redis.Client
}

func NewClient(brokerURL string) (*Client, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing broker url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts)}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Submit enqueues a task and confirms delivery with a broker round-trip
// before reporting success. Returns the broker-assigned task id.
func (c *Client) Submit(ctx context.Context, queue string, kind TaskKind, jobID string) (string, error) {
	task := Task{
		ID:       uuid.New().String(),
		JobID:    jobID,
		Kind:     kind,
		Queue:    queue,
		QueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("error encoding task: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, queueKey(queue), payload)
	pipe.Set(ctx, taskKey(task.ID), string(StatePending), taskStateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("error enqueueing task: %w", err)
	}

	// Force a round-trip so a dead connection surfaces here, not later.
	if err := c.Ping(ctx); err != nil {
		return "", fmt.Errorf("broker did not confirm delivery: %w", err)
	}
	return task.ID, nil
}

// TaskState reports the broker's record of a task. A missing record is
// StateUnknown, never an error.
func (c *Client) TaskState(ctx context.Context, taskID string) (TaskState, error) {
	state, err := c.rdb.Get(ctx, taskKey(taskID)).Result()
	if err == redis.Nil {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, fmt.Errorf("error reading task state: %w", err)
	}
	return TaskState(state), nil
}

func (c *Client) SetTaskState(ctx context.Context, taskID string, state TaskState) error {
	return c.rdb.Set(ctx, taskKey(taskID), string(state), taskStateTTL).Err()
}

// Reserve blocks for up to wait on the given queues and moves the popped
// task onto the worker's reserved list. Returns nil when the wait expires.
func (c *Client) Reserve(ctx context.Context, worker string, queues []string, wait time.Duration) (*Task, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}
	res, err := c.rdb.BRPop(ctx, wait, keys...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error popping task: %w", err)
	}

	payload := res[1]
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("error decoding task payload: %w", err)
	}
	if err := c.rdb.RPush(ctx, reservedKey(worker), payload).Err(); err != nil {
		return nil, fmt.Errorf("error recording reserved task: %w", err)
	}
	return &task, nil
}

// Reserved lists the tasks a worker holds, current first.
func (c *Client) Reserved(ctx context.Context, worker string) ([]Task, error) {
	raw, err := c.rdb.LRange(ctx, reservedKey(worker), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing reserved tasks: %w", err)
	}
	tasks := make([]Task, 0, len(raw))
	for _, payload := range raw {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// FinishReserved drops a task from the worker's reserved list.
func (c *Client) FinishReserved(ctx context.Context, worker, taskID string) error {
	raw, err := c.rdb.LRange(ctx, reservedKey(worker), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("error listing reserved tasks: %w", err)
	}
	for _, payload := range raw {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		if task.ID == taskID {
			return c.rdb.LRem(ctx, reservedKey(worker), 1, payload).Err()
		}
	}
	return nil
}

// Revoke publishes a revocation carrying the signal to deliver to the task's
// process, and leaves a marker for workers that pick the task up later.
func (c *Client) Revoke(ctx context.Context, taskID, signal string) error {
	payload, err := json.Marshal(Revocation{TaskID: taskID, Signal: signal})
	if err != nil {
		return fmt.Errorf("error encoding revocation: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, revokeKey(taskID), signal, taskStateTTL)
	pipe.Publish(ctx, revokeChannel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *Client) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	_, err := c.rdb.Get(ctx, revokeKey(taskID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking revocation: %w", err)
	}
	return true, nil
}

// SubscribeRevocations delivers revocations until ctx is cancelled.
func (c *Client) SubscribeRevocations(ctx context.Context) (<-chan Revocation, func()) {
	sub := c.rdb.Subscribe(ctx, revokeChannel)
	out := make(chan Revocation)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var rev Revocation
			if err := json.Unmarshal([]byte(msg.Payload), &rev); err != nil {
				continue
			}
			select {
			case out <- rev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() { _ = sub.Close() }
}

// Heartbeat refreshes the worker's liveness key. Workers call this every 5s;
// the key expires after 15s so crashed workers drop out of the count.
func (c *Client) Heartbeat(ctx context.Context, worker string) error {
	return c.rdb.Set(ctx, workerKey(worker), "1", 15*time.Second).Err()
}

// ActiveWorkers counts workers with a live heartbeat.
func (c *Client) ActiveWorkers(ctx context.Context) (int, error) {
	var count int
	iter := c.rdb.Scan(ctx, 0, workerKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("error scanning worker keys: %w", err)
	}
	return count, nil
}
