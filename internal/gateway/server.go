// Package gateway exposes the runtime over HTTP: a JSON API for
// triggering and steering graphs, session management, webhook ingress,
// and a websocket event stream with journal catchup.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/logger"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/events/journal"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/runtime"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tracing"
)

// Server is the HTTP gateway. Construct with New, mount with Router.
type Server struct {
	rt      *runtime.Runtime
	bus     *bus.Bus
	store   *session.Store
	journal *journal.Journal
	log     *logger.Logger

	httpSrv *http.Server
}

// New creates a gateway. journal may be nil; the websocket then starts
// live-only with no catchup.
func New(rt *runtime.Runtime, b *bus.Bus, store *session.Store, j *journal.Journal, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		rt:      rt,
		bus:     b,
		store:   store,
		journal: j,
		log:     log.WithFields(zap.String("component", "gateway")),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), tracing.GinMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/graphs", s.listGraphs)
		api.POST("/graphs/load", s.loadGraph)
		api.DELETE("/graphs/:id", s.removeGraph)
		api.POST("/graphs/:id/activate", s.activateGraph)
		api.POST("/graphs/:id/trigger", s.triggerGraph)
		api.POST("/graphs/:id/input", s.injectInput)
		api.POST("/graphs/:id/stop", s.stopGraph)
		api.POST("/graphs/:id/resume", s.resumeGraph)
		api.POST("/chat", s.chat)

		api.GET("/sessions", s.listSessions)
		api.GET("/sessions/:id", s.getSession)
		api.DELETE("/sessions/:id", s.deleteSession)
		api.GET("/sessions/:id/checkpoints", s.listCheckpoints)
		api.POST("/sessions/:id/checkpoints", s.createCheckpoint)
		api.POST("/sessions/:id/checkpoints/:name/restore", s.restoreCheckpoint)
	}

	r.POST("/hooks/:source", s.webhook)
	r.GET("/ws", s.websocket)
	return r
}

// Start serves the API on addr until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("Gateway listening", zap.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// fail maps runtime errors onto HTTP statuses.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, runtime.ErrGraphNotFound),
		errors.Is(err, runtime.ErrEntryPointNotFound),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrCheckpointNotFound):
		status = http.StatusNotFound
	case errors.Is(err, runtime.ErrStreamBusy):
		status = http.StatusConflict
	case errors.Is(err, runtime.ErrNoInputWaiter),
		errors.Is(err, runtime.ErrNoPrimaryGraph):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrStateLockTimeout):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// webhookEntryPoint finds the webhook entry point registered for a
// source path, across all graphs.
func (s *Server) webhookEntryPoint(source string) (*graph.EntryPointSpec, bool) {
	for _, id := range s.rt.Graphs() {
		pkg, err := s.rt.Package(id)
		if err != nil {
			continue
		}
		for _, ep := range pkg.EntryPoints {
			if ep.TriggerType == graph.TriggerWebhook && ep.Trigger.Path == source {
				return ep, true
			}
		}
	}
	return nil, false
}
