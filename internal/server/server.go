package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	churndomain "github.com/smallbiznis/recovery/internal/churn/domain"
	"github.com/smallbiznis/recovery/internal/config"
	"github.com/smallbiznis/recovery/internal/observability"
	obsmiddleware "github.com/smallbiznis/recovery/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/recovery/internal/observability/metrics"
	obstracing "github.com/smallbiznis/recovery/internal/observability/tracing"
	"github.com/smallbiznis/recovery/internal/ratelimit"
	recoverydomain "github.com/smallbiznis/recovery/internal/recovery/domain"
	dashboarddomain "github.com/smallbiznis/recovery/internal/recoverydashboard/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
	}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.WithErrorKind(recoveryErrorKind)))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func recoveryErrorKind(err error) string {
	return string(recoverydomain.KindOf(err))
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	recoverySvc  recoverydomain.Service
	churnSvc     churndomain.Service
	dashboardSvc dashboarddomain.Service
	retryLimiter *ratelimit.RetryLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	RecoverySvc  recoverydomain.Service
	ChurnSvc     churndomain.Service
	DashboardSvc dashboarddomain.Service
	RetryLimiter *ratelimit.RetryLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		recoverySvc:  p.RecoverySvc,
		churnSvc:     p.ChurnSvc,
		dashboardSvc: p.DashboardSvc,
		retryLimiter: p.RetryLimiter,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Invoices --------
	invoices := api.Group("/invoices/:id", BindPathID(contextInvoiceIDKey))
	invoices.POST("/payments", s.ProcessPayment)
	invoices.POST("/retries", s.RetryRateLimit(), s.RetryPayment)
	invoices.GET("/retries", s.GetRetryHistory)

	// -------- Churn --------
	api.GET("/subscriptions/:id/churn-score", BindPathID(contextSubscriptionIDKey), s.GetChurnScore)
	api.GET("/churn/at-risk", s.ListAtRiskChurnScores)

	// -------- Recovery dashboard --------
	api.GET("/recovery/dashboard", s.GetRecoveryDashboard)
}
