// Package admin serves the HTTP surface of a mailbox daemon: health,
// status, metrics, the software channel bridge and collaborator requests.
package admin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/cardmbx/internal/auth"
	"github.com/danmuck/cardmbx/internal/mailbox"
	"github.com/danmuck/cardmbx/internal/observability"
	"github.com/danmuck/cardmbx/internal/protocol/frame"
	"github.com/danmuck/cardmbx/internal/protocol/request"
	"github.com/danmuck/cardmbx/internal/services"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	defaultReadTimeout = 5 * time.Second
	maxReadTimeout     = 60 * time.Second
)

// Endpoint is one mailbox exposed by the admin server, with the services
// it answers and an optional client for requests to its peer.
type Endpoint struct {
	Mailbox  *mailbox.Mailbox
	Services *services.ServiceRegistry
	Client   *services.Client
}

// Options configures the admin server. A nil Auth leaves mutating routes
// open.
type Options struct {
	ID          string
	Addr        string
	CorsOrigins []string
	Auth        auth.Validator
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	auth      auth.Validator
	router    *gin.Engine
	endpoints map[string]Endpoint
	http      *http.Server
}

func New(opts Options, endpoints ...Endpoint) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  normalizeOrigins(opts.CorsOrigins),
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.HeaderRequestID},
		ExposeHeaders: []string{observability.HeaderRequestID, "X-Reply-Size"},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:        opts.ID,
		Addr:      opts.Addr,
		Appeared:  time.Now(),
		auth:      opts.Auth,
		router:    r,
		endpoints: make(map[string]Endpoint, len(endpoints)),
	}
	for _, ep := range endpoints {
		if ep.Mailbox != nil {
			s.endpoints[ep.Mailbox.Name()] = ep
		}
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{Addr: s.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("admin listening")
		errCh <- s.http.ListenAndServe()
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
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := true
		for _, ep := range s.endpoints {
			st := ep.Mailbox.Status()
			if !st.Started || st.Closed || !st.PeerAlive {
				ready = false
			}
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": ready, "service": s.ID})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.statuses()})
	})

	ep := r.Group("/endpoints/:name")
	ep.GET("/status", s.withEndpoint(func(c *gin.Context, e Endpoint) {
		c.JSON(http.StatusOK, e.Mailbox.Status())
	}))
	ep.GET("/services", s.withEndpoint(func(c *gin.Context, e Endpoint) {
		if e.Services == nil {
			c.JSON(http.StatusOK, gin.H{"services": []services.ServiceInfo{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"services": e.Services.List()})
	}))
	guard := auth.Middleware(s.auth)
	ep.POST("/probe", guard, s.withEndpoint(func(c *gin.Context, e Endpoint) {
		if err := e.Mailbox.Probe(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}))
	ep.GET("/swchan", guard, s.withEndpoint(s.readSoftware))
	ep.POST("/swchan", guard, s.withEndpoint(s.writeSoftware))
	ep.POST("/request/:opcode", guard, s.withEndpoint(s.forwardRequest))
}

func (s *Server) withEndpoint(fn func(*gin.Context, Endpoint)) gin.HandlerFunc {
	return func(c *gin.Context) {
		e, ok := s.endpoints[c.Param("name")]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
			return
		}
		fn(c, e)
	}
}

func (s *Server) statuses() []mailbox.Status {
	out := make([]mailbox.Status, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep.Mailbox.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// readSoftware long-polls for one outbound software frame. The body is the
// raw frame; 204 means nothing arrived before the timeout.
func (s *Server) readSoftware(c *gin.Context, e Endpoint) {
	timeout := defaultReadTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = min(d, maxReadTimeout)
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	buf := make([]byte, frame.HeaderLen+e.Mailbox.Config().MaxMessageSize)
	n, err := e.Mailbox.Bridge().Read(ctx, buf)
	if errors.Is(err, context.DeadlineExceeded) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", buf[:n])
}

func (s *Server) writeSoftware(c *gin.Context, e Endpoint) {
	limit := int64(frame.HeaderLen + e.Mailbox.Config().MaxMessageSize)
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(body)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame exceeds max message size"})
		return
	}
	n, err := e.Mailbox.Bridge().Write(c.Request.Context(), body)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"written": n})
}

// forwardRequest sends the request body as the data of one collaborator
// request to the peer and returns the raw reply.
func (s *Server) forwardRequest(c *gin.Context, e Endpoint) {
	if e.Client == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "endpoint has no peer client"})
		return
	}
	op, err := request.ParseOpcode(c.Param("opcode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit := int64(e.Mailbox.Config().MaxMessageSize - request.HeaderLen)
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if int64(len(data)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request exceeds max message size"})
		return
	}
	if len(data) == 0 {
		data = nil
	}
	reply, err := e.Client.Call(c.Request.Context(), op, data)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.Header("X-Reply-Size", strconv.Itoa(len(reply)))
	c.Data(http.StatusOK, "application/octet-stream", reply)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, mailbox.ErrInvalidMessage), errors.Is(err, mailbox.ErrTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, mailbox.ErrNoHardware):
		return http.StatusNotImplemented
	case errors.Is(err, mailbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, mailbox.ErrPeerDead), errors.Is(err, mailbox.ErrShutdown), errors.Is(err, mailbox.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
