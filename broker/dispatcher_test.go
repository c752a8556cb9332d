package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ybhmedia/compilation-api/config"
	"github.com/ybhmedia/compilation-api/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		enable4K  bool
		videos    int
		hasText   bool
		wantQueue string
		wantKind  TaskKind
	}{
		{"small standard job", false, 5, false, config.QueueDefault, KindStandard},
		{"forty videos stays default", false, 40, false, config.QueueDefault, KindStandard},
		{"forty-one videos goes heavy", false, 41, false, config.Queue4K, KindFourK},
		{"small 4k job uses gpu", true, 20, false, config.QueueGpu, KindGpu},
		{"large 4k job goes heavy", true, 21, false, config.Queue4K, KindFourK},
		{"text animation uses gpu", false, 10, true, config.QueueGpu, KindGpu},
		{"heavy wins over text", false, 41, true, config.Queue4K, KindFourK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, kind := Classify(tt.enable4K, tt.videos, tt.hasText)
			require.Equal(t, tt.wantQueue, queue)
			require.Equal(t, tt.wantKind, kind)
		})
	}
}

func TestClassifyJobCountsOnlyVideos(t *testing.T) {
	job := store.Job{JobID: "job-1"}
	items := []store.Item{
		{ItemType: store.ItemIntro},
		{ItemType: store.ItemVideo},
		{ItemType: store.ItemTransition},
		{ItemType: store.ItemVideo, TextAnimation: "HELLO"},
		{ItemType: store.ItemOutro},
	}
	queue, kind := ClassifyJob(job, items)
	require.Equal(t, config.QueueGpu, queue)
	require.Equal(t, KindGpu, kind)
}

type fakeSubmitter struct {
	failures int
	calls    int
	queue    string
}

func (f *fakeSubmitter) Submit(ctx context.Context, queue string, kind TaskKind, jobID string) (string, error) {
	f.calls++
	f.queue = queue
	if f.calls <= f.failures {
		return "", errors.New("broker unreachable")
	}
	return "task-123", nil
}

type fakeUpdater struct {
	patches []store.JobPatch
}

func (f *fakeUpdater) UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) error {
	f.patches = append(f.patches, patch)
	return nil
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	submitter := &fakeSubmitter{failures: 2}
	updater := &fakeUpdater{}
	d := Dispatcher{Tasks: submitter, Jobs: updater}

	taskID, err := d.Dispatch(context.Background(), store.Job{JobID: "job-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "task-123", taskID)
	require.Equal(t, 3, submitter.calls)
	require.Equal(t, config.QueueDefault, submitter.queue)

	require.Len(t, updater.patches, 1)
	require.NotNil(t, updater.patches[0].TaskID)
	require.Equal(t, "task-123", *updater.patches[0].TaskID)
}

func TestDispatchMarksJobFailedOnExhaustion(t *testing.T) {
	submitter := &fakeSubmitter{failures: 10}
	updater := &fakeUpdater{}
	d := Dispatcher{Tasks: submitter, Jobs: updater}

	_, err := d.Dispatch(context.Background(), store.Job{JobID: "job-1"}, nil)
	require.Error(t, err)
	require.Equal(t, 3, submitter.calls)

	require.Len(t, updater.patches, 1)
	patch := updater.patches[0]
	require.NotNil(t, patch.Status)
	require.Equal(t, store.StatusFailed, *patch.Status)
	require.NotNil(t, patch.ErrorMessage)
	require.Contains(t, *patch.ErrorMessage, "Failed to submit job")
	require.NotNil(t, patch.CompletedAt)
}
