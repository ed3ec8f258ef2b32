// Package api provides the HTTP frontend: the client-facing proxy
// endpoint and the admin REST surface over the registry and state
// store.
package api

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/catfishapiagg/llmproxy/internal/config"
	"github.com/catfishapiagg/llmproxy/internal/dispatcher"
	"github.com/catfishapiagg/llmproxy/internal/logring"
	"github.com/catfishapiagg/llmproxy/internal/notify"
	"github.com/catfishapiagg/llmproxy/internal/policy"
	"github.com/catfishapiagg/llmproxy/internal/registry"
	"github.com/catfishapiagg/llmproxy/internal/scheduler"
	"github.com/catfishapiagg/llmproxy/internal/state"
	"github.com/catfishapiagg/llmproxy/internal/util"
)

// Server is the HTTP frontend: client proxy endpoint plus admin API.
type Server struct {
	cfg        *config.Config
	registry   *registry.Registry
	states     *state.Store
	dispatcher *dispatcher.Dispatcher
	policy     *policy.PolicyServer
	notifier   *notify.Notifier
	ring       *logring.Ring

	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader

	statsCacheMu   sync.RWMutex
	statsCache     *state.Stats
	statsCacheTime time.Time
}

// NewServer wires every component into the gin router.
func NewServer(cfg *config.Config, reg *registry.Registry, states *state.Store, disp *dispatcher.Dispatcher, pol *policy.PolicyServer, notifier *notify.Notifier, ring *logring.Ring) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:        cfg,
		registry:   reg,
		states:     states,
		dispatcher: disp,
		policy:     pol,
		notifier:   notifier,
		ring:       ring,
		router:     router,
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := "*"
		if len(s.cfg.Server.CORSOrigins) > 0 {
			origin = s.cfg.Server.CORSOrigins[0]
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.POST("/v1/chat/completions", s.handleChatCompletions)
	s.router.GET("/v1/models", s.handleModels)

	admin := s.router.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/config", s.handleGetConfig)
		admin.POST("/config", s.handleCreateConfig)
		admin.PUT("/config/:id", s.handleUpdateConfig)
		admin.DELETE("/config/:id", s.handleDeleteConfig)
		admin.GET("/stats", s.handleStats)
		admin.GET("/logs", s.handleLogs)
		admin.GET("/logs/stream", s.handleLogsStream)
		admin.GET("/security/blacklist", s.handleGetBlacklist)
		admin.POST("/security/blacklist", s.handleAddBlacklist)
		admin.DELETE("/security/blacklist/:value", s.handleRemoveBlacklist)
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// Start begins serving on the configured port.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    portAddr(s.cfg.Server.Port),
		Handler: s.router,
	}

	util.Infof("api: listening on %s", s.server.Addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("api: server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

func portAddr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// handleChatCompletions is the single client-facing proxy endpoint:
// policy guard, scheme selection, attempt-queue construction, and
// dispatch, streaming or buffered.
func (s *Server) handleChatCompletions(c *gin.Context) {
	ip := c.ClientIP()

	if s.policy != nil && !s.policy.Allow(ip) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		if s.policy != nil {
			s.policy.ApplyMalformedPolicy(ip)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
		return
	}

	stream, _ := body["stream"].(bool)
	model, _ := body["model"].(string)

	schemes, err := s.registry.LoadSchemes()
	if err != nil {
		util.Errorf("api: failed to load schemes: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if len(schemes) == 0 {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no backends configured"})
		return
	}

	schemeName, _ := scheduler.SelectScheme(model, schemes)

	now := time.Now()
	snap, err := s.states.Snapshot(now)
	if err != nil {
		util.Errorf("api: failed to snapshot state: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	queue := scheduler.BuildAttemptQueue(schemeName, schemes[schemeName], snap, now)
	res := s.dispatcher.Dispatch(c.Request.Context(), queue, body, stream)

	if res.StatusCode >= 500 && s.notifier != nil {
		s.notifier.NotifySchemeExhausted(schemeName, len(queue))
	}
	if s.policy != nil && res.StatusCode < 400 {
		s.policy.RecordSuccess(ip)
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(res.StatusCode)

	if res.Stream != nil {
		defer res.Stream.Close()
		flusher, _ := c.Writer.(http.Flusher)
		buf := make([]byte, 4096)
		for {
			n, err := res.Stream.Read(buf)
			if n > 0 {
				c.Writer.Write(buf[:n])
				if flusher != nil {
					flusher.Flush()
				}
			}
			if err != nil {
				return
			}
		}
	}

	c.Writer.Write(res.Body)
}

// handleModels lists configured scheme names, sorted, matching the
// deterministic scheme-selection fallback order.
func (s *Server) handleModels(c *gin.Context) {
	schemes, err := s.registry.LoadSchemes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]gin.H, len(names))
	for i, name := range names {
		data[i] = gin.H{"id": name, "object": "model"}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// adminAuthMiddleware validates the Bearer token against ADMIN_KEY. A
// missing ADMIN_KEY is a configuration error, not an auth failure.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Server.AdminKey == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ADMIN_KEY is not configured"})
			c.Abort()
			return
		}

		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if auth == "" || token != s.cfg.Server.AdminKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) handleGetConfig(c *gin.Context) {
	schemes, err := s.registry.LoadSchemes()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load config"})
		return
	}
	c.JSON(http.StatusOK, schemes)
}

type createUpstreamRequest struct {
	SchemeName string `json:"scheme_name"`
	registry.UpstreamFields
}

func (s *Server) handleCreateConfig(c *gin.Context) {
	var req createUpstreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.SchemeName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheme_name required"})
		return
	}

	u, err := s.registry.Create(req.SchemeName, req.UpstreamFields)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create upstream"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	id := c.Param("id")

	var fields registry.UpstreamFields
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	u, err := s.registry.Update(id, fields)
	if err != nil {
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "upstream not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update upstream"})
		return
	}
	c.JSON(http.StatusOK, u)
}

func (s *Server) handleDeleteConfig(c *gin.Context) {
	id := c.Param("id")

	if err := s.registry.Delete(id); err != nil {
		if err == registry.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "upstream not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete upstream"})
		return
	}

	if schemes, err := s.registry.LoadSchemes(); err == nil {
		validIDs := map[string]bool{}
		for _, list := range schemes {
			for _, u := range list {
				validIDs[u.ID] = true
			}
		}
		if err := s.states.Prune(time.Now(), validIDs); err != nil {
			util.Warnf("api: failed to prune state after delete: %v", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "id": id})
}

func (s *Server) handleStats(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < s.cfg.Server.StatsCache {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(http.StatusOK, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	validIDs := map[string]bool{}
	if schemes, err := s.registry.LoadSchemes(); err == nil {
		for _, list := range schemes {
			for _, u := range list {
				validIDs[u.ID] = true
			}
		}
	}

	stats, err := s.states.Stats(time.Now(), validIDs)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	s.statsCacheMu.Lock()
	s.statsCache = &stats
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleLogs(c *gin.Context) {
	if s.ring == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.ring.Recent(logring.DefaultCapacity)})
}

func (s *Server) handleLogsStream(c *gin.Context) {
	if s.ring == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "log ring unavailable"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("api: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.ring.Subscribe()
	defer cancel()

	for line := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}

func (s *Server) handleGetBlacklist(c *gin.Context) {
	if s.policy == nil {
		c.JSON(http.StatusOK, gin.H{"blacklist": []string{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"blacklist": s.policy.Blacklist()})
}

type blacklistRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleAddBlacklist(c *gin.Context) {
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value required"})
		return
	}
	if s.policy == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy server unavailable"})
		return
	}
	if err := s.policy.AddToBlacklist(req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update blacklist"})
		return
	}
	util.Infof("api: admin added %s to blacklist", req.Value)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "value": req.Value})
}

func (s *Server) handleRemoveBlacklist(c *gin.Context) {
	value := c.Param("value")
	if s.policy == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy server unavailable"})
		return
	}
	if err := s.policy.RemoveFromBlacklist(value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update blacklist"})
		return
	}
	util.Infof("api: admin removed %s from blacklist", value)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "value": value})
}
