package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/creditrail/creditrail/internal/audit"
	auditdomain "github.com/creditrail/creditrail/internal/audit/domain"
	"github.com/creditrail/creditrail/internal/byok"
	byokdomain "github.com/creditrail/creditrail/internal/byok/domain"
	"github.com/creditrail/creditrail/internal/cache"
	"github.com/creditrail/creditrail/internal/clock"
	"github.com/creditrail/creditrail/internal/config"
	"github.com/creditrail/creditrail/internal/coupon"
	coupondomain "github.com/creditrail/creditrail/internal/coupon/domain"
	"github.com/creditrail/creditrail/internal/credit"
	creditdomain "github.com/creditrail/creditrail/internal/credit/domain"
	"github.com/creditrail/creditrail/internal/observability"
	obsmiddleware "github.com/creditrail/creditrail/internal/observability/logger"
	obsmetrics "github.com/creditrail/creditrail/internal/observability/metrics"
	obstracing "github.com/creditrail/creditrail/internal/observability/tracing"
	"github.com/creditrail/creditrail/internal/pricing"
	pricingdomain "github.com/creditrail/creditrail/internal/pricing/domain"
	"github.com/creditrail/creditrail/internal/ratelimit"
	"github.com/creditrail/creditrail/internal/usage"
	usagedomain "github.com/creditrail/creditrail/internal/usage/domain"
)

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	fx.Provide(cache.NewResolverCache),
	fx.Provide(registerGin),
	audit.Module,
	credit.Module,
	pricing.Module,
	byok.Module,
	usage.Module,
	coupon.Module,
	ratelimit.Module,
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
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
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
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	creditSvc     creditdomain.Service
	usageSvc      usagedomain.Service
	pricingSvc    pricingdomain.Service
	couponSvc     coupondomain.Service
	byokSvc       byokdomain.Service
	auditSvc      auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
	ingestLimiter *ratelimit.IngestLimiter
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	CreditSvc     creditdomain.Service
	UsageSvc      usagedomain.Service
	PricingSvc    pricingdomain.Service
	CouponSvc     coupondomain.Service
	BYOKSvc       byokdomain.Service
	AuditSvc      auditdomain.Service
	ObsMetrics    *obsmetrics.Metrics      `optional:"true"`
	IngestLimiter *ratelimit.IngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		creditSvc:     p.CreditSvc,
		usageSvc:      p.UsageSvc,
		pricingSvc:    p.PricingSvc,
		couponSvc:     p.CouponSvc,
		byokSvc:       p.BYOKSvc,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
		ingestLimiter: p.IngestLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	credits := v1.Group("/credits")
	credits.GET("/:user_id/balance", s.GetBalance)
	credits.GET("/:user_id/transactions", s.ListTransactions)
	credits.POST("/allocate", s.Allocate)
	credits.POST("/deduct", s.Deduct)
	credits.POST("/bonus", s.AddBonus)
	credits.POST("/refund", s.Refund)

	usageGroup := v1.Group("/usage")
	usageGroup.POST("/track", s.IngestRateLimit(), s.TrackUsage)
	usageGroup.GET("/:user_id/summary", s.UsageSummary)
	usageGroup.GET("/:user_id/by-model", s.UsageByModel)
	usageGroup.GET("/:user_id/by-service", s.UsageByService)
	usageGroup.GET("/:user_id/free-tier", s.FreeTierUsage)
	usageGroup.GET("/:user_id/events", s.ListUsageEvents)

	coupons := v1.Group("/coupons")
	coupons.POST("/validate", s.ValidateCoupon)
	coupons.POST("/redeem", s.RedeemCoupon)

	v1.POST("/pricing/quote", s.PriceQuote)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")

	admin.POST("/coupons", s.CreateCoupon)
	admin.GET("/coupons", s.ListCoupons)
	admin.DELETE("/coupons/:code", s.DeactivateCoupon)

	admin.PUT("/byok", s.UpsertBYOK)
	admin.GET("/byok/:user_id/:provider", s.GetBYOK)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
