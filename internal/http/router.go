package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/gameserver-service/internal/config"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
	logger  *zap.Logger
	srv     *http.Server
}

// 用户 API 速率限制: 每用户每分钟最多 30 次请求
const (
	userRateLimit  = 30
	userRateWindow = time.Minute
)

func NewServer(cfg *config.Config, handler *Handler, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "gameserver-service",
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Billing provider webhooks; signatures are verified upstream
	s.router.POST("/api/webhooks/billing", s.handler.BillingWebhook)

	// Internal API - called by checkout and operators
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/orders", s.handler.CreateOrder)
		internal.GET("/orders/:id", s.handler.GetOrder)
		internal.GET("/orders/:id/logs", s.handler.OrderLogs)
		internal.POST("/orders/:id/provision", s.handler.ProvisionOrder)
		internal.POST("/orders/:id/cancel", s.handler.CancelOrder)
		internal.POST("/orders/:id/finalize", s.handler.FinalizeOrder)

		internal.GET("/ops/summary", s.handler.OpsSummary)
		internal.POST("/ops/audit", s.handler.RunAudit)
	}

	// User API - requires JWT authentication
	user := s.router.Group("/api/v1")
	user.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	user.Use(RateLimitMiddleware(NewRateLimiter(userRateLimit, userRateWindow)))
	{
		user.GET("/my/orders/:id", s.handler.GetMyOrder)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down http server")
	return s.srv.Shutdown(shutdownCtx)
}
