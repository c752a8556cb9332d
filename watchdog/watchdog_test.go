package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ybhmedia/compilation-api/broker"
	"github.com/ybhmedia/compilation-api/store"
)

type fakeJobs struct {
	stale []store.Job
	items map[string][]store.Item
}

func (f *fakeJobs) ListStaleQueued(ctx context.Context, age time.Duration) ([]store.Job, error) {
	return f.stale, nil
}

func (f *fakeJobs) ListItems(ctx context.Context, jobID string) ([]store.Item, error) {
	return f.items[jobID], nil
}

type fakeTasks struct {
	states map[string]broker.TaskState
}

func (f *fakeTasks) TaskState(ctx context.Context, taskID string) (broker.TaskState, error) {
	if state, ok := f.states[taskID]; ok {
		return state, nil
	}
	return broker.StateUnknown, nil
}

type fakeDispatcher struct {
	dispatched []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job store.Job, items []store.Item) (string, error) {
	f.dispatched = append(f.dispatched, job.JobID)
	return "task-new", nil
}

func TestSweepRedispatchesLostTasks(t *testing.T) {
	jobs := &fakeJobs{
		stale: []store.Job{
			{JobID: "lost", TaskID: "task-lost", CreatedAt: time.Now().Add(-10 * time.Minute)},
			{JobID: "failed", TaskID: "task-failed", CreatedAt: time.Now().Add(-10 * time.Minute)},
			{JobID: "waiting", TaskID: "task-waiting", CreatedAt: time.Now().Add(-10 * time.Minute)},
			{JobID: "never-submitted", CreatedAt: time.Now().Add(-10 * time.Minute)},
		},
		items: map[string][]store.Item{},
	}
	tasks := &fakeTasks{states: map[string]broker.TaskState{
		"task-failed":  broker.StateFailure,
		"task-waiting": broker.StatePending,
	}}
	dispatcher := &fakeDispatcher{}

	d := StaleDetector{Jobs: jobs, Tasks: tasks, Dispatcher: dispatcher}
	d.sweep(context.Background())

	// A PENDING task is still on the queue and must be left alone.
	require.ElementsMatch(t, []string{"lost", "failed", "never-submitted"}, dispatcher.dispatched)
}

func TestSweepDoesNothingWhenQuiet(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	d := StaleDetector{
		Jobs:       &fakeJobs{},
		Tasks:      &fakeTasks{},
		Dispatcher: dispatcher,
	}
	d.sweep(context.Background())
	require.Empty(t, dispatcher.dispatched)
}

func TestKeepAliveTouchesAllMounts(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()
	k := KeepAlive{Mounts: []string{dir1, dir2, "/definitely/not/a/mount"}}

	// Missing mounts must not panic or abort the others.
	k.touchAll(context.Background())
}

func TestStaleDetectorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := StaleDetector{Jobs: &fakeJobs{}, Tasks: &fakeTasks{}, Dispatcher: &fakeDispatcher{}}

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detector did not stop on context cancel")
	}
}
