package server

import (
	"context"
	"net/http"
	"time"

	"payvault/internal/account"
	"payvault/internal/audit"
	"payvault/internal/auth"
	"payvault/internal/config"
	"payvault/internal/ledger"
	"payvault/internal/money"
	"payvault/internal/notification"
	"payvault/internal/risk"
	"payvault/internal/transaction"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

type Server struct {
	router   *gin.Engine
	http     *http.Server
	db       *sqlx.DB
	config   *config.Config
	notifier *notification.Service
}

func New(db *sqlx.DB, cfg *config.Config, notifier *notification.Service) (*Server, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(MetricsMiddleware())
	router.Use(RequestLoggingMiddleware())

	accounts := account.NewRepository(db)
	journal := ledger.NewRepository(db)
	txRepo := transaction.NewRepository(db)
	recorder := audit.NewRepository(db)

	gate, err := risk.NewGate(cfg.Risk)
	if err != nil {
		return nil, err
	}

	coordinator, err := transaction.NewCoordinator(
		cfg, accounts, journal, gate, txRepo, recorder, notifier, money.NewPrecisionTable(nil),
	)
	if err != nil {
		return nil, err
	}

	txHandler := transaction.NewHandler(coordinator)
	accountHandler := account.NewHandler(accounts, recorder)
	auditHandler := audit.NewHandler(recorder)

	router.GET("/health", Health(db, notifier))
	router.GET("/metrics", Metrics())

	authMiddleware := auth.AuthMiddleware(cfg.JWTSecret)
	protected := router.Group("/")
	protected.Use(authMiddleware)
	{
		protected.POST("/transactions", RateLimitMiddleware(10, 20), txHandler.Submit)
		protected.GET("/transactions/:reference", txHandler.GetStatus)
		protected.POST("/transactions/:reference/cancel", txHandler.Cancel)
		protected.GET("/balance", txHandler.GetBalance)
		protected.GET("/history", txHandler.GetHistory)
	}

	adminMiddleware := auth.RequireRole("admin")
	admin := router.Group("/admin")
	admin.Use(authMiddleware, adminMiddleware)
	{
		admin.POST("/transactions/:reference/reverse", txHandler.Reverse)
		admin.POST("/transactions/:reference/override", txHandler.OverrideRisk)
		admin.POST("/accounts/:accountID/suspend", accountHandler.Suspend)
		admin.POST("/accounts/:accountID/activate", accountHandler.Activate)
		admin.POST("/accounts/:accountID/close", accountHandler.Close)
		admin.GET("/audit", auditHandler.List)
	}

	return &Server{
		router:   router,
		db:       db,
		config:   cfg,
		notifier: notifier,
	}, nil
}

func (s *Server) Start(port string) error {
	s.http = &http.Server{
		Addr:         ":" + port,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
