package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/ybhmedia/compilation-api/config"
	"github.com/ybhmedia/compilation-api/handlers"
	"github.com/ybhmedia/compilation-api/log"
	"github.com/ybhmedia/compilation-api/middleware"
)

func ListenAndServe(ctx context.Context, addr string, corsOrigins []string, apiHandlers *handlers.APIHandlersCollection) error {
	router := NewCompilationAPIRouter(apiHandlers, corsOrigins)
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoJobID(
		"Starting Compilation API!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewCompilationAPIRouter(apiHandlers *handlers.APIHandlersCollection, corsOrigins []string) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest(config.Logger)
	withCORS := middleware.AllowCORS(corsOrigins)

	wrap := func(h httprouter.Handle) httprouter.Handle {
		return withCORS(withLogging(h))
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", wrap(apiHandlers.Ok()))

	// Sequence verification
	router.POST("/api/verify", wrap(apiHandlers.VerifySequence()))
	router.POST("/api/verify-path", wrap(apiHandlers.VerifyPath()))
	router.POST("/api/revalidate", wrap(apiHandlers.Revalidate()))

	// Job lifecycle
	router.POST("/api/jobs", wrap(apiHandlers.SubmitJob()))
	router.GET("/api/queue/stats", wrap(apiHandlers.QueueStats()))
	router.GET("/api/jobs/:id", wrap(apiHandlers.GetJob()))
	router.GET("/api/jobs/:id/items", wrap(apiHandlers.GetJobItems()))
	router.POST("/api/jobs/:id/cancel", wrap(apiHandlers.CancelJob()))
	router.POST("/api/jobs/:id/move-to-production", wrap(apiHandlers.MoveToProduction()))

	// Video catalog maintenance
	router.POST("/api/videos", wrap(apiHandlers.UpsertVideos()))

	// Channel cache administration
	router.GET("/api/channels", wrap(apiHandlers.ListChannels()))
	router.GET("/api/admin/cache/channels", wrap(apiHandlers.ChannelCacheStatus()))
	router.POST("/api/admin/cache/channels/invalidate", wrap(apiHandlers.InvalidateChannelCache()))

	// Preflight for every API route.
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		withCORS(func(http.ResponseWriter, *http.Request, httprouter.Params) {})(w, r, nil)
	})

	return router
}
