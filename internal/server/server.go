package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/config"
	notificationdomain "github.com/smallbiznis/brokerpay/internal/notification/domain"
	"github.com/smallbiznis/brokerpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/brokerpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/brokerpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/brokerpay/internal/observability/tracing"
	settlementdomain "github.com/smallbiznis/brokerpay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine          *gin.Engine
	cfg             config.Config
	adjustmentSvc   adjustmentdomain.Service
	settlementSvc   settlementdomain.Service
	notificationSvc notificationdomain.Service
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	AdjustmentSvc   adjustmentdomain.Service
	SettlementSvc   settlementdomain.Service
	NotificationSvc notificationdomain.Service
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		adjustmentSvc:   p.AdjustmentSvc,
		settlementSvc:   p.SettlementSvc,
		notificationSvc: p.NotificationSvc,
	}

	svc.RegisterAPIRoutes()

	return svc
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.ActorContext())

	adjustments := api.Group("/adjustments")
	{
		adjustments.POST("", s.CreateAdjustment)
		adjustments.GET("", s.ListAdjustments)
		adjustments.POST("/unify", s.UnifyAdjustments)
		adjustments.GET("/:id", s.GetAdjustment)
		adjustments.POST("/:id/approve", s.ApproveAdjustment)
		adjustments.POST("/:id/reject", s.RejectAdjustment)
		adjustments.PATCH("/:id/items", s.EditAdjustmentItems)
		adjustments.PATCH("/:id/overrides", s.UpdateAdjustmentOverrides)
	}

	settlements := api.Group("/settlements")
	{
		settlements.POST("/ach", s.GenerateACH)
		settlements.GET("/ach/file", s.DownloadACHFile)
		settlements.POST("/paid", s.MarkReportsPaid)
	}

	api.GET("/notifications", s.ListNotifications)
}
