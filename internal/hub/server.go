// File: internal/hub/server.go
package hub

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/nxshade/evold/api/schemas"
	"github.com/nxshade/evold/internal/a2a"
	"github.com/nxshade/evold/internal/config"
)

const (
	shutdownGrace = 10 * time.Second
	// Responses smaller than this go out uncompressed.
	compressMin = 1024
)

// Server is the relay nodes talk to when a2a.transport is "hub". It
// accepts protocol messages over POST and replays the archive over GET,
// optionally gated by a shared-secret bearer token.
type Server struct {
	logger  *zap.Logger
	cfg     config.HubConfig
	archive Archive
	engine  *gin.Engine
	started time.Time

	mu   sync.Mutex
	addr string
}

var ginModeOnce sync.Once

// New wires the routes. The archive is owned by the server from here on
// and closed when Run returns.
func New(logger *zap.Logger, cfg config.HubConfig, archive Archive) *Server {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	engine := gin.New()
	engine.Use(requestLogger(logger), gin.Recovery())

	s := &Server{
		logger:  logger,
		cfg:     cfg,
		archive: archive,
		engine:  engine,
		started: time.Now(),
	}

	engine.GET("/api/health", s.health)
	api := engine.Group("/api")
	if cfg.SharedSecret != "" {
		api.Use(s.auth())
	}
	api.POST("/messages", s.postMessage)
	api.GET("/messages", s.getMessages)
	return s
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr reports the bound listen address once Run is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is canceled, then drains in-flight requests and
// closes the archive. The listener is capped at cfg.MaxConns.
func (s *Server) Run(ctx context.Context) error {
	defer s.archive.Close()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("hub: failed to listen on %s: %w", s.cfg.Listen, err)
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	s.logger.Info("Hub listening.",
		zap.String("addr", s.Addr()),
		zap.String("archive", s.cfg.Archive),
		zap.Int("max_conns", s.cfg.MaxConns),
	)

	select {
	case err := <-serveErr:
		return fmt.Errorf("hub: server failed: %w", err)
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.logger.Warn("Graceful shutdown failed, closing hard.", zap.Error(err))
		_ = srv.Close()
	}
	s.logger.Info("Hub stopped.")
	return nil
}

// auth verifies the HS256 bearer token nodes mint from the shared secret.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(s.cfg.SharedSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if sub, err := token.Claims.GetSubject(); err == nil && sub != "" {
			c.Set("node", sub)
		}
		c.Next()
	}
}

func (s *Server) postMessage(c *gin.Context) {
	var msg schemas.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed message: " + err.Error()})
		return
	}
	if err := msg.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	// Publishes carry assets; reject broken ones before they reach the feed.
	if msg.Type == schemas.MsgPublish {
		if _, err := a2a.DecodeAsset(msg); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.archive.Save(c.Request.Context(), msg); err != nil {
		s.logger.Error("Failed to archive message.", zap.String("id", msg.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive failed"})
		return
	}
	s.logger.Debug("Message archived.",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("sender", msg.SenderID),
	)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": msg.ID})
}

func (s *Server) getMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit: " + raw})
			return
		}
		limit = n
	}

	var (
		msgs []schemas.Message
		err  error
	)
	switch {
	case c.Query("type") != "":
		mt := schemas.MessageType(c.Query("type"))
		if !schemas.ValidMessageType(mt) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown message type %q", mt)})
			return
		}
		msgs, err = s.archive.ByType(c.Request.Context(), mt, limit)
	default:
		var after time.Time
		if raw := c.Query("since"); raw != "" {
			after, err = time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "bad since: " + raw})
				return
			}
		}
		msgs, err = s.archive.Since(c.Request.Context(), after, limit)
	}
	if err != nil {
		s.logger.Error("Failed to read archive.", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "archive failed"})
		return
	}
	if msgs == nil {
		msgs = []schemas.Message{}
	}
	s.respondJSON(c, http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) health(c *gin.Context) {
	count, err := s.archive.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"archive":  s.cfg.Archive,
		"messages": count,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

// respondJSON compresses large bodies when the client advertises support.
func (s *Server) respondJSON(c *gin.Context, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
		return
	}
	accept := c.GetHeader("Accept-Encoding")
	if len(data) >= compressMin {
		switch {
		case strings.Contains(accept, "br"):
			var buf bytes.Buffer
			bw := brotli.NewWriter(&buf)
			if _, err := bw.Write(data); err == nil && bw.Close() == nil {
				c.Header("Content-Encoding", "br")
				c.Data(code, "application/json", buf.Bytes())
				return
			}
		case strings.Contains(accept, "gzip"):
			var buf bytes.Buffer
			gw := gzip.NewWriter(&buf)
			if _, err := gw.Write(data); err == nil && gw.Close() == nil {
				c.Header("Content-Encoding", "gzip")
				c.Data(code, "application/json", buf.Bytes())
				return
			}
		}
	}
	c.Data(code, "application/json", data)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request handled.",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}
