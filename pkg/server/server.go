// Package server is the HTTP boundary of execd.
//
// Submissions return a run token at once; clients then poll the result
// endpoint with it. The result endpoints are open to any origin and need
// no submitter: the token is the capability.
//
// Routes:
//
//	POST /api/exec/do/                  shell or script submission
//	POST /api/exec/ansible/             playbook submission
//	POST /api/exec/transfer/            file transfer submission
//	GET  /api/exec/ansible/             the submitter's playbook history
//	GET  /api/exec/history/             the submitter's history, any kind
//	GET  /api/exec/result/:token/       run output and status
//	GET  /api/exec/ansible/result/:token/
//	GET  /api/host/                     host directory listing
//	POST /api/host/verify/              host verification
//
// Example Usage:
//
//	srv := server.New(dispatcher, server.Options{Directory: inv})
//	if err := srv.Run(ctx, ":8080"); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/execd/pkg/executor"
	"github.com/liliang-cn/execd/pkg/inventory"
	"github.com/liliang-cn/execd/pkg/logger"
)

// DefaultSubmitterHeader names the request header carrying the submitter.
const DefaultSubmitterHeader = "X-Execd-User"

// Options configures the HTTP boundary.
type Options struct {
	// Directory resolves host_ids and host patterns; nil allows inline
	// host lists only.
	Directory *inventory.Inventory
	// SubmitterHeader defaults to DefaultSubmitterHeader.
	SubmitterHeader string
	Logger          *logger.Logger
}

// Server routes HTTP requests to a dispatcher.
type Server struct {
	dispatcher      *executor.Dispatcher
	directory       *inventory.Inventory
	submitterHeader string
	log             *logger.Logger
	engine          *gin.Engine
}

// New builds the router.
func New(d *executor.Dispatcher, opts Options) *Server {
	s := &Server{
		dispatcher:      d,
		directory:       opts.Directory,
		submitterHeader: opts.SubmitterHeader,
		log:             opts.Logger,
	}
	if s.submitterHeader == "" {
		s.submitterHeader = DefaultSubmitterHeader
	}
	if s.log == nil {
		s.log = logger.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	api := r.Group("/api")

	// polling is open to any page holding a token
	open := api.Group("", cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))
	for _, p := range []string{"/exec/result/:token/", "/exec/ansible/result/:token/"} {
		open.GET(p, s.result)
		open.OPTIONS(p, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	}

	authed := api.Group("", s.requireSubmitter())
	authed.POST("/exec/do/", s.submitCommand)
	authed.POST("/exec/ansible/", s.submitPlaybook)
	authed.POST("/exec/transfer/", s.submitTransfer)
	authed.GET("/exec/ansible/", s.playbookHistory)
	authed.GET("/exec/history/", s.history)
	authed.GET("/host/", s.listHosts)
	authed.POST("/host/verify/", s.verifyHost)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.engine = r
	return s
}

// Handler returns the router for embedding or tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts the listener down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http listening on %s", addr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		hs.Close()
		return err
	}
	return nil
}

const submitterKey = "execd.submitter"

func (s *Server) requireSubmitter() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(s.submitterHeader)
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + s.submitterHeader + " header"})
			return
		}
		c.Set(submitterKey, user)
		c.Next()
	}
}

func submitter(c *gin.Context) string {
	return c.GetString(submitterKey)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(map[string]interface{}{
			"status": c.Writer.Status(),
			"method": c.Request.Method,
		}).Debug("%s %v", c.Request.URL.Path, time.Since(start).Round(time.Microsecond))
	}
}
