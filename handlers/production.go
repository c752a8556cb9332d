package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/text/unicode/norm"

	"github.com/ybhmedia/compilation-api/errors"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/store"
)

var (
	nonWordRe   = regexp.MustCompile(`[^\w\s-]`)
	separatorRe = regexp.MustCompile(`[-\s]+`)
)

// sanitizeFilename makes a name safe for the production archive: the
// extension is dropped, accents are decomposed and stripped along with all
// other non-ASCII, punctuation is removed, runs of spaces and dashes become
// a single underscore and the result is lowercased.
func sanitizeFilename(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))

	decomposed := norm.NFKD.String(name)
	var ascii strings.Builder
	for _, r := range decomposed {
		if r < unicode.MaxASCII {
			ascii.WriteRune(r)
		}
	}

	name = nonWordRe.ReplaceAllString(ascii.String(), "")
	name = separatorRe.ReplaceAllString(strings.TrimSpace(name), "_")
	return strings.ToLower(name)
}

// productionPath lays the archive out by year and lowercase month name.
func productionPath(root, filename string, now time.Time) string {
	return filepath.Join(root,
		fmt.Sprintf("%d", now.Year()),
		strings.ToLower(now.Format("Jan")),
		sanitizeFilename(filename)+".mp4")
}

// MoveToProduction starts a background copy of the finished output into the
// channel's production archive and returns immediately; the job row is
// updated when the copy lands.
func (c *APIHandlersCollection) MoveToProduction() httprouter.Handle {
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
		if job.Status != store.StatusCompleted || job.OutputPath == "" {
			errors.WriteHTTPBadRequest(w, "Job has no finished output to move", nil)
			return
		}
		if job.MovedToProduction {
			errors.WriteHTTPBadRequest(w, "Job output was already moved to production", nil)
			return
		}

		root, err := c.Warehouse.ProductionRoot(req.Context(), job.ChannelName)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot resolve production root", err)
			return
		}
		if root == "" {
			errors.WriteHTTPNotFound(w, "Channel has no production root configured", nil)
			return
		}

		dest := productionPath(root, filepath.Base(job.OutputPath), time.Now())
		go c.copyToProduction(job, dest)

		writeJSON(w, http.StatusOK, map[string]string{
			"job_id":          jobID,
			"status":          "moving",
			"production_path": dest,
		})
	}
}

func (c *APIHandlersCollection) copyToProduction(job store.Job, dest string) {
	// Detached from the request on purpose; production copies of long
	// compilations outlive any sane HTTP timeout.
	ctx := context.Background()

	log.Log(job.JobID, "moving output to production", "dest", dest)
	destPath, err := c.Copier.CopyOne(ctx, job.OutputPath, filepath.Dir(dest), filepath.Base(dest))
	if err != nil {
		log.LogError(job.JobID, "production copy failed", err)
		return
	}

	moved := true
	movedAt := time.Now().UTC()
	if err := c.Store.UpdateJob(ctx, job.JobID, store.JobPatch{
		ProductionPath:    &destPath,
		MovedToProduction: &moved,
		ProductionMovedAt: &movedAt,
	}); err != nil {
		log.LogError(job.JobID, "error recording production move", err)
		return
	}
	log.Log(job.JobID, "output moved to production", "dest", destPath)
}
