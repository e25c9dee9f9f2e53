// Package api exposes the HTTP surface: a small REST API for health and
// session inspection, and the WebSocket endpoint observers connect to.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/mcp"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/version"
)

// Server is the HTTP server wrapping the session manager.
type Server struct {
	cfg       *config.Config
	sessions  *session.Manager
	mcpClient *mcp.Client

	engine *gin.Engine
	http   *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(cfg *config.Config, sessions *session.Manager, mcpClient *mcp.Client) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), securityHeaders())

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		mcpClient: mcpClient,
		engine:    engine,
	}

	v1 := engine.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/sessions", s.listSessions)
	v1.GET("/sessions/:id/tree", s.getSessionTree)

	engine.GET("/ws", s.handleWS)
	return s
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	stats := s.cfg.Stats()
	var failed map[string]string
	if s.mcpClient != nil {
		failed = s.mcpClient.FailedServers()
	}

	status := http.StatusOK
	health := "healthy"
	if len(failed) > 0 {
		health = "degraded"
	}
	c.JSON(status, gin.H{
		"status":             health,
		"version":            version.GitCommit,
		"agents":             stats.Agents,
		"mcp_servers":        stats.MCPServers,
		"llm_providers":      stats.LLMProviders,
		"failed_mcp_servers": failed,
		"live_sessions":      len(s.sessions.List()),
	})
}

func (s *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) getSessionTree(c *gin.Context) {
	sess, ok := s.sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	snapshot := sess.TreeSnapshot()
	if snapshot == nil {
		c.JSON(http.StatusOK, gin.H{"root": nil, "nodes": gin.H{}})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
