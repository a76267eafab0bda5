package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	accountdomain "github.com/smallbiznis/playmaker/internal/account/domain"
	"github.com/smallbiznis/playmaker/internal/auth"
	"github.com/smallbiznis/playmaker/internal/authorization"
	"github.com/smallbiznis/playmaker/internal/checkout"
	"github.com/smallbiznis/playmaker/internal/config"
	entitlementservice "github.com/smallbiznis/playmaker/internal/entitlement/service"
	invoiceservice "github.com/smallbiznis/playmaker/internal/invoice/service"
	"github.com/smallbiznis/playmaker/internal/observability"
	obslogger "github.com/smallbiznis/playmaker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/playmaker/internal/observability/metrics"
	obstracing "github.com/smallbiznis/playmaker/internal/observability/tracing"
	"github.com/smallbiznis/playmaker/internal/pricing"
	"github.com/smallbiznis/playmaker/internal/providers/pdf"
	"github.com/smallbiznis/playmaker/internal/ratelimit"
	reconcileservice "github.com/smallbiznis/playmaker/internal/reconcile/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
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

// RunHTTP serves the engine for the lifetime of the fx app.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, s *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
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
	engine      *gin.Engine
	cfg         config.Config
	db          *gorm.DB
	log         *zap.Logger
	tokens      *auth.TokenIssuer
	authzSvc    authorization.Service
	accounts    accountdomain.Repository
	invoiceSvc  *invoiceservice.Service
	checkoutSvc *checkout.Service
	reconciler  *reconcileservice.Service
	granter     *entitlementservice.Granter
	pricingSvc  *pricing.Service
	receipts    pdf.Provider
	limiter     *ratelimit.RecheckLimiter
	obsMetrics  *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	Tokens     *auth.TokenIssuer
	AuthzSvc   authorization.Service
	Accounts   accountdomain.Repository
	InvoiceSvc *invoiceservice.Service
	Checkout   *checkout.Service
	Reconciler *reconcileservice.Service
	Granter    *entitlementservice.Granter
	Pricing    *pricing.Service
	Receipts   pdf.Provider
	Limiter    *ratelimit.RecheckLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		db:          p.DB,
		log:         p.Log.Named("http"),
		tokens:      p.Tokens,
		authzSvc:    p.AuthzSvc,
		accounts:    p.Accounts,
		invoiceSvc:  p.InvoiceSvc,
		checkoutSvc: p.Checkout,
		reconciler:  p.Reconciler,
		granter:     p.Granter,
		pricingSvc:  p.Pricing,
		receipts:    p.Receipts,
		limiter:     p.Limiter,
		obsMetrics:  p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/api/payments/paylink/webhook", s.HandlePaylinkWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.AuthRequired())

	api.GET("/pricing/quote", s.QuotePrice)
	api.GET("/entitlements", s.ListEntitlements)

	api.POST("/invoices", s.CreateInvoice)
	api.POST("/invoices/reconcile", s.RecheckRateLimit(), s.ReconcileInvoices)
	api.GET("/invoices/:order_number", s.GetInvoice)
	api.POST("/invoices/:order_number/pay", s.PayInvoice)
	api.POST("/invoices/:order_number/cancel", s.CancelInvoice)
	api.POST("/invoices/:order_number/recheck", s.RecheckRateLimit(), s.RecheckInvoice)
	api.GET("/invoices/:order_number/receipt", s.InvoiceReceipt)

	if !s.cfg.IsProduction() {
		api.POST("/invoices/:order_number/simulate-paid", s.SimulatePaid)
	}
}
