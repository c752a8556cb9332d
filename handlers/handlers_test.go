package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/ybhmedia/compilation-api/store"
	"github.com/ybhmedia/compilation-api/verification"
	"github.com/ybhmedia/compilation-api/warehouse"
)

type fakeJobStore struct {
	mu      sync.Mutex
	jobs    map[string]store.Job
	items   map[string][]store.Item
	active  []store.Job
	patches map[string][]store.JobPatch
	created []store.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:    map[string]store.Job{},
		items:   map[string][]store.Item{},
		patches: map[string][]store.JobPatch{},
	}
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job store.Job, items []store.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.JobID] = job
	f.items[job.JobID] = items
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, jobID string) (store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return store.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) job(jobID string) store.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[jobID]
}

func (f *fakeJobStore) ListItems(ctx context.Context, jobID string) ([]store.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[jobID], nil
}

func (f *fakeJobStore) UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches[jobID] = append(f.patches[jobID], patch)
	job := f.jobs[jobID]
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.ProductionPath != nil {
		job.ProductionPath = *patch.ProductionPath
	}
	if patch.MovedToProduction != nil {
		job.MovedToProduction = *patch.MovedToProduction
	}
	f.jobs[jobID] = job
	return nil
}

func (f *fakeJobStore) ListActiveJobs(ctx context.Context) ([]store.Job, error) {
	return f.active, nil
}

func (f *fakeJobStore) GetProfile(ctx context.Context, userID string) (store.Profile, error) {
	return store.Profile{ID: userID, Username: "tester"}, nil
}

type fakeGateway struct {
	warehouse.Gateway
	productionRoot string
	channels       []string
	upserts        []warehouse.VideoRow
}

func (f *fakeGateway) ProductionRoot(ctx context.Context, channel string) (string, error) {
	return f.productionRoot, nil
}

func (f *fakeGateway) AllChannels(ctx context.Context) ([]string, error) {
	return f.channels, nil
}

func (f *fakeGateway) UpsertVideos(ctx context.Context, rows []warehouse.VideoRow) ([]warehouse.UpsertResult, error) {
	f.upserts = rows
	out := make([]warehouse.UpsertResult, len(rows))
	for i, r := range rows {
		out[i] = warehouse.UpsertResult{VideoID: r.VideoID, Saved: true}
	}
	return out, nil
}

type fakeDispatch struct {
	dispatched []store.Job
	taskID     string
}

func (f *fakeDispatch) Dispatch(ctx context.Context, job store.Job, items []store.Item) (string, error) {
	f.dispatched = append(f.dispatched, job)
	return f.taskID, nil
}

type fakeBroker struct {
	revoked []string
	workers int
}

func (f *fakeBroker) Revoke(ctx context.Context, taskID, signal string) error {
	f.revoked = append(f.revoked, taskID)
	return nil
}

func (f *fakeBroker) ActiveWorkers(ctx context.Context) (int, error) {
	return f.workers, nil
}

type fakeVerifier struct {
	result verification.Result
}

func (f *fakeVerifier) Verify(ctx context.Context, req verification.Request) (verification.Result, error) {
	return f.result, nil
}

func (f *fakeVerifier) VerifyPath(ctx context.Context, path string) verification.Item {
	return verification.Item{Position: 1, ItemType: "transition", Path: path, PathAvailable: true}
}

func (f *fakeVerifier) Revalidate(ctx context.Context, items []verification.Item, logo string) verification.Result {
	return verification.Result{Items: items, DefaultLogoPath: logo}
}

func newCollection(st *fakeJobStore) (*APIHandlersCollection, *fakeDispatch, *fakeBroker) {
	dispatch := &fakeDispatch{taskID: "task-1"}
	brk := &fakeBroker{workers: 2}
	c := &APIHandlersCollection{
		Store:      st,
		Warehouse:  &fakeGateway{},
		Dispatcher: dispatch,
		Broker:     brk,
		Verifier:   &fakeVerifier{},
	}
	return c, dispatch, brk
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dest))
}

func postJSON(t *testing.T, handle httprouter.Handle, target string, body interface{}, ps httprouter.Params) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handle(rr, req, ps)
	return rr
}

func TestOk(t *testing.T) {
	c, _, _ := newCollection(newFakeJobStore())
	rr := httptest.NewRecorder()
	c.Ok()(rr, httptest.NewRequest(http.MethodGet, "/ok", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "OK", rr.Body.String())
}

func TestGetJob(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{JobID: "job-1", Status: store.StatusProcessing, Progress: 42}
	c, _, _ := newCollection(st)

	rr := httptest.NewRecorder()
	c.GetJob()(rr, httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil),
		httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, "processing", resp["status"])
	require.EqualValues(t, 42, resp["progress"])
}

func TestGetJobNotFound(t *testing.T) {
	c, _, _ := newCollection(newFakeJobStore())
	rr := httptest.NewRecorder()
	c.GetJob()(rr, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil),
		httprouter.Params{{Key: "id", Value: "nope"}})
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSubmitJob(t *testing.T) {
	st := newFakeJobStore()
	c, dispatch, _ := newCollection(st)

	body := map[string]interface{}{
		"user_id":      "user-1",
		"channel_name": "YBH",
		"enable_4k":    true,
		"items": []map[string]interface{}{
			{"item_type": "intro", "path": `\\host\Share\intro.mp4`, "path_available": true, "duration": 5},
			{"item_type": "video", "video_id": "vid-a", "path": `\\host\Share\a.mp4`, "path_available": true, "duration": 60},
		},
	}
	rr := postJSON(t, c.SubmitJob(), "/jobs/submit", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	require.Equal(t, "queued", resp["status"])

	require.Len(t, st.created, 1)
	require.True(t, st.created[0].Enable4K)
	require.Len(t, st.items[resp["job_id"]], 2)
	require.Equal(t, 1, st.items[resp["job_id"]][0].Position)
	require.Len(t, dispatch.dispatched, 1)
}

func TestSubmitJobRejectsUnavailableItems(t *testing.T) {
	c, dispatch, _ := newCollection(newFakeJobStore())

	body := map[string]interface{}{
		"user_id":      "user-1",
		"channel_name": "YBH",
		"items": []map[string]interface{}{
			{"item_type": "intro", "path": `\\host\Share\intro.mp4`, "path_available": true},
			{"item_type": "video", "path": `\\host\Share\gone.mp4`, "path_available": false},
		},
	}
	rr := postJSON(t, c.SubmitJob(), "/jobs/submit", body, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	// The response names which positions are unavailable.
	require.Contains(t, rr.Body.String(), "positions [2]")
	require.Empty(t, dispatch.dispatched)
}

func TestSubmitJobRequiresJSONContentType(t *testing.T) {
	c, _, _ := newCollection(newFakeJobStore())
	req := httptest.NewRequest(http.MethodPost, "/jobs/submit", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	c.SubmitJob()(rr, req, nil)
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestSubmitJobSchemaValidation(t *testing.T) {
	c, _, _ := newCollection(newFakeJobStore())
	// Missing channel_name and items.
	rr := postJSON(t, c.SubmitJob(), "/jobs/submit", map[string]interface{}{"user_id": "u"}, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelJob(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{JobID: "job-1", Status: store.StatusProcessing, TaskID: "task-9"}
	c, _, brk := newCollection(st)

	rr := postJSON(t, c.CancelJob(), "/jobs/job-1/cancel", map[string]string{},
		httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusOK, rr.Code)

	require.Equal(t, store.StatusCancelled, st.jobs["job-1"].Status)
	require.Equal(t, []string{"task-9"}, brk.revoked)

	patches := st.patches["job-1"]
	require.Len(t, patches, 1)
	require.NotNil(t, patches[0].CompletedAt)
	require.Equal(t, "Cancelled by user", *patches[0].ErrorMessage)
}

func TestCancelJobAlreadyTerminal(t *testing.T) {
	st := newFakeJobStore()
	st.jobs["job-1"] = store.Job{JobID: "job-1", Status: store.StatusCompleted}
	c, _, brk := newCollection(st)

	rr := postJSON(t, c.CancelJob(), "/jobs/job-1/cancel", map[string]string{},
		httprouter.Params{{Key: "id", Value: "job-1"}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Empty(t, brk.revoked)
}

func TestQueueStats(t *testing.T) {
	st := newFakeJobStore()
	now := time.Now()
	st.active = []store.Job{
		{JobID: "j1", UserID: "other", Status: store.StatusProcessing, CreatedAt: now.Add(-3 * time.Minute)},
		{JobID: "j2", UserID: "user-1", Status: store.StatusQueued, CreatedAt: now.Add(-2 * time.Minute)},
		{JobID: "j3", UserID: "user-1", Status: store.StatusQueued, CreatedAt: now.Add(-time.Minute)},
	}
	c, _, _ := newCollection(st)

	rr := httptest.NewRecorder()
	c.QueueStats()(rr, httptest.NewRequest(http.MethodGet, "/jobs/queue/stats?user_id=user-1", nil), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		TotalInQueue   int              `json:"total_in_queue"`
		ActiveWorkers  int              `json:"active_workers"`
		AvailableSlots int              `json:"available_slots"`
		UserJobs       []userQueueEntry `json:"user_jobs"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.TotalInQueue)
	require.Equal(t, 2, resp.ActiveWorkers)
	require.Equal(t, 1, resp.AvailableSlots)
	require.Len(t, resp.UserJobs, 2)
	require.Equal(t, 2, resp.UserJobs[0].Position)
	require.Equal(t, 1, resp.UserJobs[0].WaitingCount)
	require.False(t, resp.UserJobs[0].IsProcessing)
}

func TestVerifyPathEndpoint(t *testing.T) {
	c, _, _ := newCollection(newFakeJobStore())
	rr := postJSON(t, c.VerifyPath(), "/jobs/verify-path",
		map[string]string{"path": `\\host\Share\x.mp4`}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var item verification.Item
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &item))
	require.True(t, item.PathAvailable)
}

func TestUpsertVideosEndpoint(t *testing.T) {
	st := newFakeJobStore()
	c, _, _ := newCollection(st)
	gw := &fakeGateway{}
	c.Warehouse = gw

	body := map[string]interface{}{
		"videos": []map[string]string{
			{"video_id": "vid-a", "path": `\\host\Share\a.mp4`, "title": "A"},
		},
	}
	rr := postJSON(t, c.UpsertVideos(), "/jobs/videos", body, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, gw.upserts, 1)

	var resp struct {
		Results []warehouse.UpsertResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.True(t, resp.Results[0].Saved)
}
