package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"feedflow/config"
	"feedflow/internal/metrics"
	"feedflow/internal/pubsub"
	"feedflow/internal/task"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
)

// TaskController is the registry surface exposed over HTTP.
type TaskController interface {
	CreateTask(credential string, cfg models.TaskConfig) (string, error)
	StopTask(id string) error
	DisconnectTask(id string) error
	GetAllTasks() []models.TaskRecord
	GetTask(id string) (models.TaskRecord, error)
}

// ConnectionState reports the shared push connection.
type ConnectionState interface {
	Status() pubsub.Status
	Patterns() []string
}

// createTaskRequest is the body of POST /api/tasks. An empty credential falls
// back to the configured feed credential.
type createTaskRequest struct {
	Credential string `json:"credential"`
	models.TaskConfig
}

// Server hosts the task control API and the monitoring endpoints.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	tasks           TaskController
	conn            ConnectionState
	credential      string
	metricStore     *metricStore
	logStore        *logStore
	eventStore      *eventStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
}

// NewServer constructs the server when the dashboard is enabled. When it is
// disabled the returned server is nil and every method is a no-op.
func NewServer(cfg config.DashboardConfig, log *logger.Log, tasks TaskController, conn ConnectionState, credential string) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if tasks == nil {
		return nil, errors.New("dashboard: task controller is required")
	}

	cfg.Address = normalizeAddress(cfg.Address)

	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}

	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	sampler := newResourceSampler(cfg.MetricsHistory, cfg.RefreshInterval, cfg.DiskPath, tasks.GetAllTasks, log)

	return &Server{
		cfg:             cfg,
		log:             log,
		tasks:           tasks,
		conn:            conn,
		credential:      credential,
		metricStore:     metricStore,
		logStore:        logStore,
		eventStore:      newEventStore(cfg.LogHistory),
		metricHandler:   handlerID,
		resourceSampler: sampler,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	if s.resourceSampler != nil {
		s.resourceSampler.start(ctx)
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("control API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
	if s.resourceSampler != nil {
		s.resourceSampler.stop()
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// ObserveStats records the latest progress snapshot of a task.
func (s *Server) ObserveStats(snap models.StatsSnapshot) {
	if s == nil {
		return
	}
	s.eventStore.setStats(snap)
}

// ObserveEvent records a connection lifecycle event.
func (s *Server) ObserveEvent(evt models.ConnectionEvent) {
	if s == nil {
		return
	}
	s.eventStore.addEvent(evt)
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	api := router.Group("/api")

	api.GET("/tasks", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tasks": s.tasks.GetAllTasks()})
	})

	api.GET("/tasks/:id", func(c *gin.Context) {
		record, err := s.tasks.GetTask(c.Param("id"))
		if err != nil {
			s.abort(c, err)
			return
		}
		payload := gin.H{"task": record}
		if snap, ok := s.eventStore.latestStats(record.ID); ok {
			payload["last_snapshot"] = snap
		}
		c.JSON(http.StatusOK, payload)
	})

	api.POST("/tasks", func(c *gin.Context) {
		var req createTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		credential := req.Credential
		if credential == "" {
			credential = s.credential
		}
		id, err := s.tasks.CreateTask(credential, req.TaskConfig)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	})

	api.POST("/tasks/:id/stop", func(c *gin.Context) {
		if err := s.tasks.StopTask(c.Param("id")); err != nil {
			s.abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.DELETE("/tasks/:id", func(c *gin.Context) {
		if err := s.tasks.DisconnectTask(c.Param("id")); err != nil {
			s.abort(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/connection", func(c *gin.Context) {
		payload := gin.H{"events": s.eventStore.recentEvents()}
		if s.conn != nil {
			payload["status"] = s.conn.Status()
			payload["patterns"] = s.conn.Patterns()
		}
		c.JSON(http.StatusOK, payload)
	})

	api.GET("/metrics", func(c *gin.Context) {
		metricsSnapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(metricsSnapshot))
		for _, m := range metricsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload, "totals": metrics.Snapshot()})
	})

	api.GET("/logs", func(c *gin.Context) {
		logsSnapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(logsSnapshot))
		for _, l := range logsSnapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	api.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

func (s *Server) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, processor.ErrNotRunning), errors.Is(err, processor.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.WithComponent("dashboard").WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "8080")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}

	return addr
}
