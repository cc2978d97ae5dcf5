// Package httpapi implements the streaming HTTP front end spec.md §6
// names only at the boundary level ("HTTP API surface") — a gin router
// exposing generation over a local model directory, session reuse
// across requests, and an adapter-registry surface.
//
// Grounded on server/routes.go (Server struct, GenerateRoutes's CORS
// setup and route registration, Serve's listener/signal-handling shape)
// and server/routes_chat_handler.go/routes_misc.go (chunked-JSON
// streaming handler style); the generation pipeline itself is
// runner/ollamarunner/runner_handlers.go's completion handler
// translated from the runner's sequence-queue model onto an in-process
// generator.Session per request.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/ignite-run/ignite/envconfig"
	"github.com/ignite-run/ignite/lora"
	"github.com/ignite-run/ignite/registry"
)

// Server owns the session cache, the optional adapter registry/manager,
// and the directory models are resolved from.
type Server struct {
	ModelsDir string
	Sessions  *sessionCache
	Registry  *registry.Registry
	Adapters  *lora.Manager
}

// New builds a Server rooted at modelsDir, with a session cache bounded
// by envconfig.MaxSessions. reg/adapters may be nil when adapter
// endpoints are not needed.
func New(modelsDir string, reg *registry.Registry, adapters *lora.Manager) *Server {
	return &Server{
		ModelsDir: modelsDir,
		Sessions:  newSessionCache(int(envconfig.MaxSessions())),
		Registry:  reg,
		Adapters:  adapters,
	}
}

// Routes builds the gin router, mirroring GenerateRoutes's CORS +
// route-table shape.
func (s *Server) Routes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Content-Type", "Accept", "Authorization"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "ignite is running") })
	r.GET("/api/health", s.HealthHandler)

	r.POST("/api/generate", s.GenerateHandler)

	r.POST("/api/adapters", s.RegisterAdapterHandler)
	r.GET("/api/adapters", s.ListAdaptersHandler)
	r.GET("/api/adapters/:id", s.GetAdapterHandler)
	r.POST("/api/adapters/:id/enable", s.EnableAdapterHandler)
	r.POST("/api/adapters/:id/disable", s.DisableAdapterHandler)

	return r
}

// Serve starts the HTTP server on ln, blocking until it shuts down
// cleanly (signal) or fails.
func Serve(ln net.Listener, s *Server) error {
	slog.Info("httpapi config", "env", envconfig.Values())

	srvr := &http.Server{Handler: s.Routes()}

	ctx, done := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		srvr.Close()
		done()
	}()

	slog.Info(fmt.Sprintf("listening on %s", ln.Addr()))
	err := srvr.Serve(ln)
	if err == http.ErrServerClosed {
		<-ctx.Done()
		return nil
	}
	return err
}
