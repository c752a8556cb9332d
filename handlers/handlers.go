// Package handlers implements the public JSON API: sequence verification,
// job admission and lifecycle, warehouse maintenance and queue introspection.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ybhmedia/compilation-api/copier"
	"github.com/ybhmedia/compilation-api/errors"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/store"
	"github.com/ybhmedia/compilation-api/verification"
	"github.com/ybhmedia/compilation-api/warehouse"
)

type JobStore interface {
	CreateJob(ctx context.Context, job store.Job, items []store.Item) error
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	ListItems(ctx context.Context, jobID string) ([]store.Item, error)
	UpdateJob(ctx context.Context, jobID string, patch store.JobPatch) error
	ListActiveJobs(ctx context.Context) ([]store.Job, error)
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job store.Job, items []store.Item) (string, error)
}

type BrokerControl interface {
	Revoke(ctx context.Context, taskID, signal string) error
	ActiveWorkers(ctx context.Context) (int, error)
}

type Verifier interface {
	Verify(ctx context.Context, req verification.Request) (verification.Result, error)
	VerifyPath(ctx context.Context, path string) verification.Item
	Revalidate(ctx context.Context, items []verification.Item, defaultLogo string) verification.Result
}

type APIHandlersCollection struct {
	Store      JobStore
	Warehouse  warehouse.Gateway
	Dispatcher Dispatcher
	Broker     BrokerControl
	Verifier   Verifier
	Copier     *copier.Engine

	LogDir  string
	TempDir string
}

func (c *APIHandlersCollection) Ok() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		io.WriteString(w, "OK")
	}
}

type jobResponse struct {
	JobID             string     `json:"job_id"`
	UserID            string     `json:"user_id"`
	ChannelName       string     `json:"channel_name"`
	Status            string     `json:"status"`
	Progress          int        `json:"progress"`
	ProgressMessage   string     `json:"progress_message,omitempty"`
	Enable4K          bool       `json:"enable_4k"`
	DefaultLogoPath   string     `json:"default_logo_path,omitempty"`
	OutputPath        string     `json:"output_path,omitempty"`
	ProductionPath    string     `json:"production_path,omitempty"`
	MovedToProduction bool       `json:"moved_to_production"`
	ProductionMovedAt *time.Time `json:"production_moved_at,omitempty"`
	FinalDuration     float64    `json:"final_duration,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	WorkerID          string     `json:"worker_id,omitempty"`
	QueueName         string     `json:"queue_name,omitempty"`
	TaskID            string     `json:"task_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job store.Job) jobResponse {
	return jobResponse{
		JobID:             job.JobID,
		UserID:            job.UserID,
		ChannelName:       job.ChannelName,
		Status:            string(job.Status),
		Progress:          job.Progress,
		ProgressMessage:   job.ProgressMessage,
		Enable4K:          job.Enable4K,
		DefaultLogoPath:   job.DefaultLogoPath,
		OutputPath:        job.OutputPath,
		ProductionPath:    job.ProductionPath,
		MovedToProduction: job.MovedToProduction,
		ProductionMovedAt: job.ProductionMovedAt,
		FinalDuration:     job.FinalDuration,
		ErrorMessage:      job.ErrorMessage,
		WorkerID:          job.WorkerID,
		QueueName:         job.QueueName,
		TaskID:            job.TaskID,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
	}
}

type itemResponse struct {
	Position      int     `json:"position"`
	ItemType      string  `json:"item_type"`
	VideoID       string  `json:"video_id,omitempty"`
	Title         string  `json:"title,omitempty"`
	Path          string  `json:"path"`
	LogoPath      string  `json:"logo_path,omitempty"`
	Duration      float64 `json:"duration"`
	Resolution    string  `json:"resolution,omitempty"`
	Is4K          bool    `json:"is_4k"`
	TextAnimation string  `json:"text_animation_text,omitempty"`
}

func (c *APIHandlersCollection) GetJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		job, err := c.Store.GetJob(req.Context(), ps.ByName("id"))
		if err == store.ErrNotFound {
			errors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job", err)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

func (c *APIHandlersCollection) GetJobItems() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("id")
		if _, err := c.Store.GetJob(req.Context(), jobID); err == store.ErrNotFound {
			errors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		} else if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job", err)
			return
		}
		items, err := c.Store.ListItems(req.Context(), jobID)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job items", err)
			return
		}
		out := make([]itemResponse, 0, len(items))
		for _, item := range items {
			out = append(out, itemResponse{
				Position:      item.Position,
				ItemType:      string(item.ItemType),
				VideoID:       item.VideoID,
				Title:         item.Title,
				Path:          item.Path,
				LogoPath:      item.LogoPath,
				Duration:      item.Duration,
				Resolution:    item.Resolution,
				Is4K:          item.Is4K,
				TextAnimation: item.TextAnimation,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "items": out})
	}
}

// CancelJob settles the row first so the worker's next poll sees it, then
// tells the broker to revoke the task and clears any temp state the job
// already produced.
func (c *APIHandlersCollection) CancelJob() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		jobID := ps.ByName("id")
		job, err := c.Store.GetJob(req.Context(), jobID)
		if err == store.ErrNotFound {
			errors.WriteHTTPNotFound(w, "Job not found", nil)
			return
		}
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot load job", err)
			return
		}
		if job.Status.Terminal() {
			errors.WriteHTTPBadRequest(w, "Job is already "+string(job.Status), nil)
			return
		}

		cancelled := store.StatusCancelled
		msg := "Cancelled by user"
		now := time.Now().UTC()
		if err := c.Store.UpdateJob(req.Context(), jobID, store.JobPatch{
			Status:       &cancelled,
			ErrorMessage: &msg,
			CompletedAt:  &now,
		}); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot cancel job", err)
			return
		}
		metrics.Metrics.CancelRequestCount.Inc()

		if job.TaskID != "" {
			if err := c.Broker.Revoke(req.Context(), job.TaskID, "SIGTERM"); err != nil {
				log.LogError(jobID, "error revoking task on cancel", err)
			}
		}
		if c.TempDir != "" {
			if err := os.RemoveAll(filepath.Join(c.TempDir, jobID)); err != nil {
				log.LogError(jobID, "error removing temp tree on cancel", err)
			}
		}

		log.Log(jobID, "job cancelled by user")
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(cancelled)})
	}
}

type userQueueEntry struct {
	JobID        string `json:"job_id"`
	Position     int    `json:"position"`
	IsProcessing bool   `json:"is_processing"`
	WaitingCount int    `json:"waiting_count"`
}

// QueueStats orders every non-terminal job by creation time and reports
// where the requesting user's jobs sit in that line.
func (c *APIHandlersCollection) QueueStats() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		userID := req.URL.Query().Get("user_id")

		active, err := c.Store.ListActiveJobs(req.Context())
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot list queue", err)
			return
		}
		workers, err := c.Broker.ActiveWorkers(req.Context())
		if err != nil {
			log.LogNoJobID("error counting active workers", "err", err)
			workers = 0
		}

		processing := 0
		userJobs := []userQueueEntry{}
		for i, job := range active {
			if job.Status == store.StatusProcessing {
				processing++
			}
			if userID != "" && job.UserID == userID {
				userJobs = append(userJobs, userQueueEntry{
					JobID:        job.JobID,
					Position:     i + 1,
					IsProcessing: job.Status == store.StatusProcessing,
					WaitingCount: i,
				})
			}
		}
		slots := workers - processing
		if slots < 0 {
			slots = 0
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_in_queue":  len(active),
			"active_workers":  workers,
			"user_jobs":       userJobs,
			"available_slots": slots,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.LogNoJobID("error writing response", "err", err)
	}
}

func HasContentType(r *http.Request, mimetype string) bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return mimetype == "application/octet-stream"
	}

	for _, v := range strings.Split(contentType, ",") {
		t, _, err := mime.ParseMediaType(v)
		if err != nil {
			break
		}
		if t == mimetype {
			return true
		}
	}
	return false
}
