// Package server exposes the orchestrator over a local HTTP API: run
// control, task and artifact queries, a websocket notification feed and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"taskrunner/internal/app/orchestrator"
	"taskrunner/internal/domain/sessionlog"
	"taskrunner/internal/domain/steps"
	"taskrunner/internal/domain/task"
	"taskrunner/internal/domain/variables"
	"taskrunner/internal/shared/async"
	"taskrunner/internal/shared/logging"
)

const (
	defaultInspectorCache = 128
	defaultNotifyBuffer   = 256
	shutdownTimeout       = 10 * time.Second
)

// Orchestrator is the run controller served by the API.
type Orchestrator interface {
	State() orchestrator.State
	Tasks() []task.Task
	Refresh(ctx context.Context) error
	Run(ctx context.Context, ids []string, vars variables.Values) error
	RunAll(ctx context.Context, vars variables.Values) error
	Stop()
	SessionLog() []sessionlog.Entry
	ExportSessionLog(w io.Writer, format sessionlog.Format) error
	ClearSessionLog()
	Steps() steps.Snapshot
	Report() *task.ExecutionReport
	Subscribe(buffer int) (<-chan orchestrator.Notification, func())
}

// Config configures the listener and the API surface.
type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	// InspectorCache bounds how many tasks keep their latest inspector
	// results in memory.
	InspectorCache int
	// MetricsPath serves the Prometheus gatherer when non-empty.
	MetricsPath string
	Debug       bool
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		if !logging.IsNil(logger) {
			s.logger = logger
		}
	}
}

// WithGatherer sets the registry served at the metrics path.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

// Server is the local API server.
type Server struct {
	orch     Orchestrator
	cfg      Config
	logger   logging.Logger
	gatherer prometheus.Gatherer

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	inspector *lru.Cache[string, InspectorEntry]

	clientsMu sync.Mutex
	clients   map[*wsClient]struct{}

	unsubscribe func()
	pumpDone    chan struct{}
	closeOnce   sync.Once
}

// New builds the server and starts listening for orchestrator
// notifications. Call Close, or Run, to release it.
func New(orch Orchestrator, cfg Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	size := cfg.InspectorCache
	if size <= 0 {
		size = defaultInspectorCache
	}
	cache, err := lru.New[string, InspectorEntry](size)
	if err != nil {
		return nil, fmt.Errorf("server: inspector cache: %w", err)
	}

	s := &Server{
		orch:      orch,
		cfg:       cfg,
		logger:    logging.NewComponentLogger("server"),
		gatherer:  prometheus.DefaultGatherer,
		startTime: time.Now(),
		inspector: cache,
		clients:   map[*wsClient]struct{}{},
		pumpDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.engine = s.newEngine()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ch, unsubscribe := orch.Subscribe(defaultNotifyBuffer)
	s.unsubscribe = unsubscribe
	async.Go(s.logger, "server.notifications", func() {
		defer close(s.pumpDone)
		for n := range ch {
			s.observe(n)
		}
	})
	return s, nil
}

func (s *Server) newEngine() *gin.Engine {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(requestLogger(s.logger))
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.AllowedOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s.setupRoutes(engine)
	return engine
}

func (s *Server) setupRoutes(engine *gin.Engine) {
	api := engine.Group("/api/v1")
	api.Use(requireJSON())

	api.GET("/health", s.handleHealth)
	api.GET("/state", s.handleState)
	api.GET("/tasks", s.handleTasks)

	runs := api.Group("/runs")
	{
		runs.POST("", s.handleRun)
		runs.POST("/all", s.handleRunAll)
	}
	api.POST("/stop", s.handleStop)

	api.GET("/steps", s.handleSteps)
	api.GET("/report", s.handleReport)
	api.GET("/session-log", s.handleSessionLog)
	api.DELETE("/session-log", s.handleClearSessionLog)
	api.GET("/inspector/:taskID", s.handleInspector)

	api.GET("/events", s.handleEvents)

	if s.cfg.MetricsPath != "" {
		engine.GET(s.cfg.MetricsPath, gin.WrapH(metricsHandler(s.gatherer)))
	}
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	async.Go(s.logger, "server.listen", func() {
		s.logger.Info("Listening on %s", s.cfg.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
			return
		}
		errCh <- nil
	})

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.Close()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// Close stops the notification feed and disconnects websocket clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		<-s.pumpDone
		s.closeClients()
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
