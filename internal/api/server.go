package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mistcharge/internal/dashboard"
	"mistcharge/internal/device"
	"mistcharge/internal/logging"
	"mistcharge/internal/network"
	"mistcharge/internal/outbox"
	"mistcharge/internal/syncer"
)

// Facade is the data access service the handlers call.
type Facade interface {
	FetchStatus(ctx context.Context) dashboard.StatusResult
	FetchStats(ctx context.Context, days int) dashboard.StatsResult
	TogglePower(ctx context.Context, on bool) dashboard.CommandResult
	SendCommand(ctx context.Context, command string, params map[string]any) dashboard.CommandResult
	QueueStatus(ctx context.Context) (outbox.Status, error)
	Settings(ctx context.Context) (device.AppSettings, error)
	UpdateSettings(ctx context.Context, patch device.SettingsPatch) (device.AppSettings, error)
	SetOfflineModeOverride(ctx context.Context, offline bool) error
	NetworkState() network.State
}

// Syncer triggers and inspects sync cycles.
type Syncer interface {
	Sync(ctx context.Context, opts syncer.Options) syncer.Result
	Status() syncer.Status
	ClearQueue(ctx context.Context) error
}

// QueueLister exposes the queued commands themselves.
type QueueLister interface {
	List(ctx context.Context) ([]device.QueuedCommand, error)
}

type Server struct {
	router    *gin.Engine
	server    *http.Server
	dashboard Facade
	syncer    Syncer
	queue     QueueLister
	events    *Hub
	port      int
	log       *logrus.Entry
}

type ServerConfig struct {
	Port      int
	Dashboard Facade
	Syncer    Syncer
	Queue     QueueLister
	Events    *Hub
	Log       *logrus.Entry
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Log))

	events := cfg.Events
	if events == nil {
		events = NewHub(cfg.Log)
	}

	s := &Server{
		router:    router,
		dashboard: cfg.Dashboard,
		syncer:    cfg.Syncer,
		queue:     cfg.Queue,
		events:    events,
		port:      cfg.Port,
		log:       cfg.Log,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/stats", s.statsHandler)
		api.POST("/power", s.powerHandler)
		api.POST("/command", s.commandHandler)

		api.GET("/queue", s.queueHandler)
		api.DELETE("/queue", s.clearQueueHandler)
		api.POST("/sync", s.syncHandler)

		api.GET("/settings", s.getSettingsHandler)
		api.PATCH("/settings", s.updateSettingsHandler)

		api.GET("/network", s.networkHandler)
		api.PUT("/network/offline", s.offlineHandler)

		api.GET("/events", s.events.handle)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Infof("API server starting on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func requestLogger(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond),
		}).Debug("HTTP request")
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	state := s.dashboard.NetworkState()
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"online":    state.Online(),
		"syncing":   s.syncer.Status().IsSyncing,
		"clients":   s.events.Clients(),
		"timestamp": time.Now(),
	})
}

func (s *Server) statusHandler(c *gin.Context) {
	res := s.dashboard.FetchStatus(c.Request.Context())
	if res.Data == nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) statsHandler(c *gin.Context) {
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 365 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'days' parameter"})
			return
		}
		days = n
	}

	res := s.dashboard.FetchStats(c.Request.Context(), days)
	if res.Data == nil {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

type PowerRequest struct {
	IsOn *bool `json:"isOn" binding:"required"`
}

func (s *Server) powerHandler(c *gin.Context) {
	var req PowerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.commandResponse(c, s.dashboard.TogglePower(c.Request.Context(), *req.IsOn))
}

type CommandRequest struct {
	Command    string         `json:"command" binding:"required"`
	Parameters map[string]any `json:"parameters"`
}

func (s *Server) commandHandler(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.commandResponse(c, s.dashboard.SendCommand(c.Request.Context(), req.Command, req.Parameters))
}

// commandResponse maps a command result to a status code. A queued command
// is accepted even when the direct attempt failed; the error stays in the
// body.
func (s *Server) commandResponse(c *gin.Context, res dashboard.CommandResult) {
	switch {
	case res.Queued:
		c.JSON(http.StatusAccepted, res)
	case dashboard.IsValidationError(res.Err):
		c.JSON(http.StatusBadRequest, res)
	case res.Err != nil:
		c.JSON(http.StatusInternalServerError, res)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) queueHandler(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := s.dashboard.QueueStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	commands, err := s.queue.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pending":  status.Pending,
		"oldest":   status.Oldest,
		"commands": commands,
	})
}

func (s *Server) clearQueueHandler(c *gin.Context) {
	if err := s.syncer.ClearQueue(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Command queue cleared"})
}

func (s *Server) syncHandler(c *gin.Context) {
	var opts syncer.Options
	switch c.DefaultQuery("scope", "all") {
	case "all":
		opts = syncer.Options{SyncCommands: true, SyncData: true}
	case "commands":
		opts = syncer.Options{SyncCommands: true}
	case "data":
		opts = syncer.Options{SyncData: true}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'scope' parameter"})
		return
	}

	res := s.syncer.Sync(c.Request.Context(), opts)
	if errors.Is(res.Err, syncer.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSettingsHandler(c *gin.Context) {
	settings, err := s.dashboard.Settings(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) updateSettingsHandler(c *gin.Context) {
	var patch device.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings, err := s.dashboard.UpdateSettings(c.Request.Context(), patch)
	if err != nil {
		status := http.StatusInternalServerError
		if dashboard.IsValidationError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) networkHandler(c *gin.Context) {
	state := s.dashboard.NetworkState()
	c.JSON(http.StatusOK, gin.H{
		"state":       state,
		"online":      state.Online(),
		"description": state.Describe(),
	})
}

type OfflineRequest struct {
	Offline *bool `json:"offline" binding:"required"`
}

func (s *Server) offlineHandler(c *gin.Context) {
	var req OfflineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.dashboard.SetOfflineModeOverride(c.Request.Context(), *req.Offline); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.networkHandler(c)
}
