// Package api serves the local mailbox over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/auth"
	"github.com/Martian-dev/mailmirror/internal/codec"
	"github.com/Martian-dev/mailmirror/internal/index"
	"github.com/Martian-dev/mailmirror/internal/outbound"
	"github.com/Martian-dev/mailmirror/internal/query"
	"github.com/Martian-dev/mailmirror/internal/sync"
)

// Reader is the read path.
type Reader interface {
	List(ctx context.Context, count int, label string) ([]*codec.Message, error)
	Load(ctx context.Context, id string) (*codec.Message, error)
	Labels(ctx context.Context) ([]sync.Label, error)
}

// Syncer triggers sync passes.
type Syncer interface {
	SyncNow(ctx context.Context, key string) (*sync.Result, error)
}

// StatusReader reports the last pass of a mailbox.
type StatusReader interface {
	SyncStatus(ctx context.Context, mailbox string) (index.SyncStatus, error)
}

// Sender transmits drafts.
type Sender interface {
	Send(ctx context.Context, d outbound.Draft) (string, error)
}

// BreakerState reports the state of a remote call circuit breaker.
type BreakerState interface {
	State() string
}

// Options wires the server's collaborators. Verifier is optional; without
// it every route is public.
type Options struct {
	Mailbox  string
	SyncKey  string
	Reader   Reader
	Syncer   Syncer
	Status   StatusReader
	Sender   Sender
	Breaker  BreakerState
	Verifier *auth.JWTVerifier
}

// Server is the HTTP API.
type Server struct {
	opts   Options
	log    *logrus.Entry
	engine *gin.Engine
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	s := &Server{
		opts: opts,
		log:  logrus.WithFields(logrus.Fields{"component": "api", "mailbox": opts.Mailbox}),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)

	authorized := r.Group("/")
	if opts.Verifier != nil {
		authorized.Use(opts.Verifier.Middleware())
	}
	authorized.GET("/messages", s.listMessages)
	authorized.GET("/messages/:id", s.getMessage)
	authorized.GET("/labels", s.listLabels)
	authorized.GET("/sync/status", s.syncStatus)
	authorized.POST("/sync", s.syncNow)
	authorized.POST("/send", s.send)

	s.engine = r
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.opts.Breaker != nil {
		resp["breaker"] = s.opts.Breaker.State()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listMessages(c *gin.Context) {
	count := query.NoLimit
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "count must be a non-negative integer"})
			return
		}
		count = n
	}

	msgs, err := s.opts.Reader.List(c.Request.Context(), count, c.Query("label"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if msgs == nil {
		msgs = []*codec.Message{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.opts.Reader.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) listLabels(c *gin.Context) {
	labels, err := s.opts.Reader.Labels(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if labels == nil {
		labels = []sync.Label{}
	}
	c.JSON(http.StatusOK, labels)
}

func (s *Server) syncStatus(c *gin.Context) {
	st, err := s.opts.Status.SyncStatus(c.Request.Context(), s.opts.Mailbox)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) syncNow(c *gin.Context) {
	res, err := s.opts.Syncer.SyncNow(c.Request.Context(), s.opts.SyncKey)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) send(c *gin.Context) {
	var d outbound.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.opts.Sender.Send(c.Request.Context(), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

// fail maps domain errors to status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, query.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sync.ErrUnknownMailbox):
		status = http.StatusNotFound
	case errors.Is(err, sync.ErrSyncInProgress):
		status = http.StatusConflict
	case errors.Is(err, outbound.ErrInvalidDraft):
		status = http.StatusBadRequest
	case errors.Is(err, outbound.ErrSendUnsupported):
		status = http.StatusNotImplemented
	case sync.IsRetryable(err):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
