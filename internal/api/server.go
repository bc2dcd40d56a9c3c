// Package api is the HTTP submission surface of pdfqueue.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pdfqueue/internal/catalog"
	"pdfqueue/internal/logger"
	"pdfqueue/internal/queue"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Ceiling rejects submissions once this many jobs are outstanding.
	Ceiling          int
	WaitTimeout      time.Duration
	WaitPollInterval time.Duration
	RetryAfter       time.Duration
	ServiceName      string

	CORSAllowOrigins []string
	CORSAllowMethods []string
}

type Server struct {
	queue   *queue.Queue
	catalog *catalog.Catalog
	cfg     Config
	logger  *zap.Logger
	engine  *gin.Engine
	http    *http.Server

	// base parents every request context; Shutdown cancels it so waiting
	// requests stop.
	base       context.Context
	cancelBase context.CancelFunc
}

func NewServer(q *queue.Queue, cat *catalog.Catalog, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.WaitPollInterval <= 0 {
		cfg.WaitPollInterval = 1500 * time.Millisecond
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 5 * time.Minute
	}
	setupValidator()

	s := &Server{
		queue:   q,
		catalog: cat,
		cfg:     cfg,
		logger:  log,
	}
	s.base, s.cancelBase = context.WithCancel(context.Background())

	r := gin.New()
	r.Use(logger.GinMiddleware(log), logger.Recovery(log), cors(cfg.CORSAllowOrigins, cfg.CORSAllowMethods))
	r.GET("/", s.health)
	r.GET("/queue", s.queueStats)
	r.POST("/generate", s.generate)
	r.GET("/status/:jobId", s.status)
	r.GET("/generate-now", s.generateAndWait(catalog.Standard))
	r.GET("/generate-now-print", s.generateAndWait(catalog.Print))
	r.GET("/magazinePro", s.generateAndWait(catalog.Magazine))
	s.engine = r

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return s.base },
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe blocks until the server stops. A graceful Shutdown is not
// reported as an error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. Waiting requests see their context
// cancelled and release their subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.http.Shutdown(ctx)
}
