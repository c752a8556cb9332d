package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"github.com/xeipuuv/gojsonschema"

	"github.com/ybhmedia/compilation-api/errors"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/metrics"
	"github.com/ybhmedia/compilation-api/store"
	"github.com/ybhmedia/compilation-api/verification"
)

func (c *APIHandlersCollection) VerifySequence() httprouter.Handle {
	schema := inputSchemasCompiled["VerifySequence"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		start := time.Now()
		var verifyReq verification.Request
		if !decodeBody(w, req, schema, &verifyReq) {
			return
		}

		result, err := c.Verifier.Verify(req.Context(), verifyReq)
		if err != nil {
			metrics.Metrics.VerifyRequestDurationSec.WithLabelValues("false").Observe(time.Since(start).Seconds())
			errors.WriteHTTPInternalServerError(w, "Verification failed", err)
			return
		}
		metrics.Metrics.VerifyRequestDurationSec.WithLabelValues("true").Observe(time.Since(start).Seconds())

		c.logVerification(req.URL.Query().Get("user_id"), verifyReq, result)
		writeJSON(w, http.StatusOK, result)
	}
}

func (c *APIHandlersCollection) VerifyPath() httprouter.Handle {
	schema := inputSchemasCompiled["VerifyPath"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body struct {
			Path string `json:"path"`
		}
		if !decodeBody(w, req, schema, &body) {
			return
		}
		writeJSON(w, http.StatusOK, c.Verifier.VerifyPath(req.Context(), body.Path))
	}
}

func (c *APIHandlersCollection) Revalidate() httprouter.Handle {
	schema := inputSchemasCompiled["Revalidate"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body struct {
			DefaultLogoPath string              `json:"default_logo_path"`
			Items           []verification.Item `json:"items"`
		}
		if !decodeBody(w, req, schema, &body) {
			return
		}
		writeJSON(w, http.StatusOK, c.Verifier.Revalidate(req.Context(), body.Items, body.DefaultLogoPath))
	}
}

type submitRequest struct {
	UserID          string              `json:"user_id"`
	ChannelName     string              `json:"channel_name"`
	Enable4K        bool                `json:"enable_4k"`
	DefaultLogoPath string              `json:"default_logo_path"`
	Items           []verification.Item `json:"items"`
}

// SubmitJob admits a verified sequence: every item must be available,
// the job and its items are persisted, and the task is dispatched.
func (c *APIHandlersCollection) SubmitJob() httprouter.Handle {
	schema := inputSchemasCompiled["SubmitJob"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var submit submitRequest
		if !decodeBody(w, req, schema, &submit) {
			return
		}
		var unavailable []string
		for i, item := range submit.Items {
			if !item.PathAvailable {
				unavailable = append(unavailable, strconv.Itoa(i+1))
			}
		}
		if len(unavailable) > 0 {
			errors.WriteHTTPBadRequest(w, fmt.Sprintf(
				"All items must be available before submission: positions [%s]",
				strings.Join(unavailable, ", ")), nil)
			return
		}

		job := store.Job{
			JobID:           uuid.New().String(),
			UserID:          submit.UserID,
			ChannelName:     submit.ChannelName,
			Status:          store.StatusQueued,
			ProgressMessage: "Job queued",
			Enable4K:        submit.Enable4K,
			DefaultLogoPath: submit.DefaultLogoPath,
			CreatedAt:       time.Now().UTC(),
		}
		items := make([]store.Item, 0, len(submit.Items))
		for i, item := range submit.Items {
			items = append(items, store.Item{
				JobID:         job.JobID,
				Position:      i + 1,
				ItemType:      store.ItemType(item.ItemType),
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
		if err := c.Store.CreateJob(req.Context(), job, items); err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot persist job", err)
			return
		}
		log.AddContext(job.JobID, "user_id", job.UserID, "channel", job.ChannelName)
		log.Log(job.JobID, "job submitted", "items", len(items), "4k", job.Enable4K)

		taskID, err := c.Dispatcher.Dispatch(req.Context(), job, items)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot dispatch job", err)
			return
		}
		_ = taskID

		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": job.JobID,
			"status": string(store.StatusQueued),
		})
	}
}

// decodeBody enforces content type, validates against the endpoint schema
// and unmarshals into dest. Writes the error response itself on failure.
func decodeBody(w http.ResponseWriter, req *http.Request, schema *gojsonschema.Schema, dest interface{}) bool {
	if !HasContentType(req, "application/json") {
		errors.WriteHTTPUnsupportedMediaType(w, "Requires application/json content type", nil)
		return false
	}
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		errors.WriteHTTPInternalServerError(w, "Cannot read body", err)
		return false
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	if !result.Valid() {
		errors.WriteHTTPBadBodySchema("request", w, result.Errors())
		return false
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		errors.WriteHTTPBadRequest(w, "Invalid request payload", err)
		return false
	}
	return true
}

// logVerification writes a per-request verification log for support, under
// the user's daily log directory. Best-effort.
func (c *APIHandlersCollection) logVerification(userID string, req verification.Request, result verification.Result) {
	if c.LogDir == "" || userID == "" {
		return
	}
	user := userID
	if profile, err := c.Store.GetProfile(context.Background(), userID); err == nil && profile.Username != "" {
		user = profile.Username
	}
	logger, err := log.NewVerifyLogger(c.LogDir, user)
	if err != nil {
		log.LogNoJobID("could not open verify log", "err", err)
		return
	}
	defer logger.Close()

	available := 0
	for _, item := range result.Items {
		if item.PathAvailable {
			available++
		}
	}
	logger.Info("sequence verified",
		"channel", req.ChannelName,
		"videos", len(req.VideoIDs),
		"manual_paths", len(req.ManualPaths),
		"items", len(result.Items),
		"available", available,
		"total_duration", result.TotalDuration,
	)
}
