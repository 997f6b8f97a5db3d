package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/ticketpay/internal/clock"
	"github.com/smallbiznis/ticketpay/internal/config"
	"github.com/smallbiznis/ticketpay/internal/credential"
	"github.com/smallbiznis/ticketpay/internal/ledger"
	"github.com/smallbiznis/ticketpay/internal/observability"
	obsmiddleware "github.com/smallbiznis/ticketpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/ticketpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/ticketpay/internal/observability/tracing"
	"github.com/smallbiznis/ticketpay/internal/payment"
	paymentdomain "github.com/smallbiznis/ticketpay/internal/payment/domain"
	"github.com/smallbiznis/ticketpay/internal/paymentprovider"
	paymentproviderdomain "github.com/smallbiznis/ticketpay/internal/paymentprovider/domain"
	"github.com/smallbiznis/ticketpay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	credential.Module,
	ledger.Module,
	paymentprovider.Module,
	payment.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

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

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine             *gin.Engine
	cfg                config.Config
	log                *zap.Logger
	clock              clock.Clock
	paymentSvc         paymentdomain.Service
	paymentProviderSvc paymentproviderdomain.Service
	paymentLimiter     *ratelimit.PaymentLimiter
}

type ServerParams struct {
	fx.In

	Gin                *gin.Engine
	Cfg                config.Config
	Log                *zap.Logger
	Clock              clock.Clock `optional:"true"`
	PaymentSvc         paymentdomain.Service
	PaymentProviderSvc paymentproviderdomain.Service
	PaymentLimiter     *ratelimit.PaymentLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		engine:             p.Gin,
		cfg:                p.Cfg,
		log:                p.Log.Named("http.server"),
		clock:              clk,
		paymentSvc:         p.PaymentSvc,
		paymentProviderSvc: p.PaymentProviderSvc,
		paymentLimiter:     p.PaymentLimiter,
	}

	s.RegisterCallbackRoutes()
	s.RegisterAPIRoutes()
	return s
}

// RegisterCallbackRoutes mounts provider notification endpoints. They carry no
// organizer header; the payment they name decides whose credentials verify them.
func (s *Server) RegisterCallbackRoutes() {
	s.engine.POST("/payments/callback/:providerId", s.HandlePaymentCallback)
}

func (s *Server) RegisterAPIRoutes() {
	payments := s.engine.Group("/payments", OrgContext())
	{
		payments.POST("", s.PaymentCreateRateLimit(), s.CreatePayment)
		payments.GET("", s.ListPayments)
		payments.GET("/:id", s.GetPayment)
		payments.POST("/:id/cancel", s.CancelPayment)
		payments.POST("/:id/refund", s.RefundPayment)
		payments.POST("/:id/expire", s.ExpirePayment)
	}

	providers := s.engine.Group("/payment-providers", OrgContext())
	{
		providers.GET("", s.ListPaymentProviders)
		providers.PUT("", s.UpsertPaymentProvider)
		providers.GET("/catalog", s.ListPaymentProviderCatalog)
		providers.PATCH("/:provider/status", s.UpdatePaymentProviderStatus)
		providers.POST("/:provider/default", s.SetDefaultPaymentProvider)
	}
}
