package handlers

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/ybhmedia/compilation-api/errors"
)

func (c *APIHandlersCollection) ListChannels() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		channels, err := c.Warehouse.AllChannels(req.Context())
		if err != nil {
			errors.WriteHTTPInternalServerError(w, "Cannot list channels", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"channels": channels})
	}
}

func (c *APIHandlersCollection) ChannelCacheStatus() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		status := c.Warehouse.ChannelCacheStatus()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"cached":         status.Cached,
			"channels_count": status.Count,
			"age_seconds":    int(status.Age.Seconds()),
			"ttl_remaining":  int(status.Remaining.Seconds()),
			"is_expired":     status.Expired,
		})
	}
}

func (c *APIHandlersCollection) InvalidateChannelCache() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		c.Warehouse.InvalidateChannels()
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
	}
}
