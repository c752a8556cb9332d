package handlers

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ybhmedia/compilation-api/errors"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/warehouse"
)

type upsertVideosRequest struct {
	Videos []struct {
		VideoID string `json:"video_id"`
		Path    string `json:"path"`
		Title   string `json:"title"`
	} `json:"videos"`
}

// UpsertVideos bulk-writes catalog rows into the warehouse path table and
// reports the outcome per row.
func (c *APIHandlersCollection) UpsertVideos() httprouter.Handle {
	schema := inputSchemasCompiled["UpsertVideos"]
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		var body upsertVideosRequest
		if !decodeBody(w, req, schema, &body) {
			return
		}

		rows := make([]warehouse.VideoRow, 0, len(body.Videos))
		for _, v := range body.Videos {
			rows = append(rows, warehouse.VideoRow{VideoID: v.VideoID, Path: v.Path, Title: v.Title})
		}
		results, err := c.Warehouse.UpsertVideos(req.Context(), rows)
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Upsert failed", err)
			return
		}

		saved, updated := 0, 0
		for _, r := range results {
			if r.Saved {
				saved++
			}
			if r.Updated {
				updated++
			}
		}
		log.LogNoJobID("video catalog upsert", "rows", len(rows), "saved", saved, "updated", updated)
		writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
	}
}
