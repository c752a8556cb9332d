package handlers

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/ybhmedia/compilation-api/copier"
	"github.com/ybhmedia/compilation-api/store"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"extension dropped", "Best Of 2024.mp4", "best_of_2024"},
		{"accents stripped", "Café Olé.mp4", "cafe_ole"},
		{"punctuation removed", "what?! really: yes.mp4", "what_really_yes"},
		{"dashes and spaces collapse", "one -- two   three.mp4", "one_two_three"},
		{"non-ascii dropped", "видео mix.mp4", "mix"},
		{"already clean", "plain_name.mp4", "plain_name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, sanitizeFilename(tc.in))
		})
	}
}

func TestProductionPath(t *testing.T) {
	now := time.Date(2026, time.March, 7, 12, 0, 0, 0, time.UTC)
	got := productionPath("/mnt/production/YBH", "Final Cut!.mp4", now)
	require.Equal(t, filepath.Join("/mnt/production/YBH", "2026", "mar", "final_cut.mp4"), got)
}

func TestMoveToProduction(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "YBH_job-1.mp4")
	writeFile(t, src, "finished output")

	prodRoot := t.TempDir()
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{
		JobID:       "job-1",
		ChannelName: "YBH",
		Status:      store.StatusCompleted,
		OutputPath:  src,
	}
	c, _, _ := newCollection(st)
	c.Warehouse = &fakeGateway{productionRoot: prodRoot}
	c.Copier = &copier.Engine{}

	rr := postJSON(t, c.MoveToProduction(), "/jobs/job-1/move-to-production",
		map[string]string{}, httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	decodeResponse(t, rr, &resp)
	require.Equal(t, "moving", resp["status"])
	require.Contains(t, resp["production_path"], prodRoot)

	// The copy runs detached; wait for the row to be patched.
	require.Eventually(t, func() bool {
		return st.job("job-1").MovedToProduction
	}, 5*time.Second, 10*time.Millisecond)
	require.FileExists(t, st.job("job-1").ProductionPath)
}

func TestMoveToProductionRequiresCompletedJob(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{JobID: "job-1", Status: store.StatusProcessing}
	c, _, _ := newCollection(st)

	rr := postJSON(t, c.MoveToProduction(), "/jobs/job-1/move-to-production",
		map[string]string{}, httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMoveToProductionUnknownChannelRoot(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{
		JobID:       "job-1",
		ChannelName: "unmapped",
		Status:      store.StatusCompleted,
		OutputPath:  "/tmp/out.mp4",
	}
	c, _, _ := newCollection(st)
	c.Warehouse = &fakeGateway{}

	rr := postJSON(t, c.MoveToProduction(), "/jobs/job-1/move-to-production",
		map[string]string{}, httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.False(t, st.job("job-1").MovedToProduction)
}

func TestMoveToProductionRejectsSecondMove(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{
		JobID:             "job-1",
		Status:            store.StatusCompleted,
		OutputPath:        "/tmp/out.mp4",
		MovedToProduction: true,
	}
	c, _, _ := newCollection(st)

	rr := postJSON(t, c.MoveToProduction(), "/jobs/job-1/move-to-production",
		map[string]string{}, httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
