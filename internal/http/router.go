package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wenwu/saas-platform/compute-service/internal/config"
	"github.com/wenwu/saas-platform/compute-service/internal/metrics"
)

// RateLimiter 简单的内存速率限制器
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int           // 最大请求数
	window   time.Duration // 时间窗口
	now      func() time.Time
}

// NewRateLimiter 创建速率限制器
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

// Allow 检查是否允许请求
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	// 清理过期请求
	var valid []time.Time
	for _, t := range rl.requests[key] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// RateLimitMiddleware 速率限制中间件
func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 使用用户 ID 或 IP 作为限制 key
		key := c.GetString("userID")
		if key == "" {
			key = c.ClientIP()
		}

		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded, please try again later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	metrics *metrics.Metrics
	health  func() error

	userLimiter   *RateLimiter
	createLimiter *RateLimiter
	shellLimiter  *RateLimiter
}

// NewServer builds the API. health reports readiness of the backing stores.
func NewServer(cfg *config.Config, svc Services, m *metrics.Metrics, health func() error) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(MetricsMiddleware(m))

	s := &Server{
		router:  router,
		handler: NewHandler(svc),
		cfg:     cfg,
		metrics: m,
		health:  health,

		// 每用户每分钟最多 120 次请求
		userLimiter: NewRateLimiter(120, time.Minute),
		// 创建实例/快照/域名: 每用户每小时最多 30 次
		createLimiter: NewRateLimiter(30, time.Hour),
		// 终端连接: 每用户每分钟最多 10 次
		shellLimiter: NewRateLimiter(10, time.Minute),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		if s.health != nil {
			if err := s.health(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "compute-service",
		})
	})
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	auth := JWTAuthMiddleware(s.cfg.JWT.SecretKey, s.handler.accounts)
	limitCreate := RateLimitMiddleware(s.createLimiter)

	api := s.router.Group("/api")
	api.Use(auth, BanGuardMiddleware(true), RateLimitMiddleware(s.userLimiter))
	{
		api.GET("/me", s.handler.GetAccount)

		// Instances
		api.GET("/instances", s.handler.ListInstances)
		api.POST("/instances", limitCreate, s.handler.CreateInstance)
		api.GET("/instances/:id", s.handler.GetInstance)
		api.POST("/instances/:id/toggle", s.handler.ToggleInstance)
		api.PUT("/instances/:id/toggle", s.handler.ToggleInstance)
		api.POST("/instances/:id/restart", s.handler.RestartInstance)
		api.DELETE("/instances/:id", s.handler.DeleteInstance)
		api.GET("/instances/:id/stats", s.handler.InstanceStats)
		api.GET("/instances/:id/logs", s.handler.InstanceLogs)

		// Snapshots
		api.GET("/instances/:id/snapshots", s.handler.ListSnapshots)
		api.POST("/instances/:id/snapshots", limitCreate, s.handler.CreateSnapshot)
		api.POST("/instances/:id/snapshots/:snapId/restore", s.handler.RestoreSnapshot)
		api.DELETE("/instances/:id/snapshots/:snapId", s.handler.DeleteSnapshot)
		api.GET("/instances/:id/snapshots/:snapId/download", s.handler.DownloadSnapshot)

		// Domains
		api.GET("/instances/:id/domains", s.handler.ListDomains)
		api.POST("/instances/:id/domains", limitCreate, s.handler.CreateDomain)
		api.DELETE("/instances/:id/domains/:domainId", s.handler.DeleteDomain)
		api.GET("/instances/:id/domains/:domainId/verify", s.handler.VerifyDomain)
	}

	admin := api.Group("/admin")
	admin.Use(AdminMiddleware())
	{
		admin.POST("/users/:id/points", s.handler.AdjustPoints)
		admin.POST("/users/:id/ban", s.handler.BanUser)
		admin.DELETE("/users/:id/ban", s.handler.UnbanUser)
	}

	// WebSocket shell (token 可放在 query 里)
	ws := s.router.Group("/ws")
	ws.Use(auth, BanGuardMiddleware(false), RateLimitMiddleware(s.shellLimiter))
	{
		ws.GET("/ssh", s.handler.ShellSession)
	}
}

// Handler exposes the router for an http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}
