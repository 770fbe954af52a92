package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"iam-advisor/internal/database"
	"iam-advisor/internal/logger"
	"iam-advisor/internal/models"
	"iam-advisor/internal/ratelimit"
	"iam-advisor/internal/websocket"
)

const (
	defaultPage  = 1
	defaultCount = 30
)

// Store is the read side of the advisor datastore
type Store interface {
	GetRoleData(ctx context.Context, q models.RoleQuery) (*models.RoleDataPage, error)
	CombineRoleData(ctx context.Context, q models.RoleQuery) (map[string]models.CombinedUsage, error)
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	store       Store
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
	gatherer    prometheus.Gatherer
	logger      logger.Logger
}

type Option func(*Server)

func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithRateLimiter limits requests per client IP.
func WithRateLimiter(rl *ratelimit.RateLimiter) Option {
	return func(s *Server) {
		s.rateLimiter = rl
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a new API server
func NewServer(store Store, wsManager *websocket.Manager, opts ...Option) *Server {
	s := &Server{
		store:       store,
		rateLimiter: ratelimit.PerMinute(600),
		wsManager:   wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// queryBody is the optional JSON body of a POST to /advisors
type queryBody struct {
	Phrase string   `json:"phrase"`
	Regex  string   `json:"regex"`
	ARN    []string `json:"arn"`
}

func parseQuery(c *gin.Context) (models.RoleQuery, error) {
	q := models.RoleQuery{Page: defaultPage, Count: defaultCount}

	var err error
	if v := c.Query("page"); v != "" {
		if q.Page, err = strconv.Atoi(v); err != nil {
			return q, errors.New("page must be an integer")
		}
	}
	if v := c.Query("count"); v != "" {
		if q.Count, err = strconv.Atoi(v); err != nil {
			return q, errors.New("count must be an integer")
		}
	}
	q.Combine = strings.EqualFold(c.DefaultQuery("combine", "false"), "true")
	q.Phrase = c.Query("phrase")
	q.Regex = c.Query("regex")
	if v := c.Query("arn"); v != "" {
		q.ARNs = strings.Split(v, ",")
	}

	if c.Request.Method == http.MethodPost {
		var body queryBody
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			return q, errors.New("invalid request body")
		}
		if body.Phrase != "" {
			q.Phrase = body.Phrase
		}
		if body.Regex != "" {
			q.Regex = body.Regex
		}
		if len(body.ARN) > 0 {
			q.ARNs = body.ARN
		}
	}
	return q, nil
}

// GetAdvisors returns stored access advisor data for the identities that
// match the request filters, optionally combined across identities.
func (s *Server) GetAdvisors(c *gin.Context) {
	q, err := parseQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var result interface{}
	if q.Combine {
		result, err = s.store.CombineRoleData(c.Request.Context(), q)
	} else {
		result, err = s.store.GetRoleData(c.Request.Context(), q)
	}
	switch {
	case errors.Is(err, database.ErrInvalidQuery), errors.Is(err, database.ErrCombineCountTooSmall):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.logger.Error("failed to query advisor data", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.wsManager.AddClient(conn)
}

func (s *Server) rateLimit(c *gin.Context) {
	if !s.rateLimiter.Allow(c.ClientIP()) {
		s.logger.Warn("client exceeded rate limit", zap.String("client", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	c.Next()
}

// SetupRoutes configures HTTP routes
func (s *Server) SetupRoutes(r *gin.Engine) {
	r.GET("/healthcheck", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", s.HandleWebSocket)

	v1 := r.Group("/api/1", s.rateLimit)
	{
		v1.GET("/advisors", s.GetAdvisors)
		v1.POST("/advisors", s.GetAdvisors)
	}
}

// Handler builds the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	s.SetupRoutes(r)
	return r
}
