// Command kamiyo-gateway runs the x402 payment gateway as a standalone
// HTTP server. All configuration comes from X402_* environment variables
// plus PORT for the listen address.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	x402 "github.com/mizuki-tamaki/kamiyo-payai"
	"github.com/mizuki-tamaki/kamiyo-payai/cache"
	"github.com/mizuki-tamaki/kamiyo-payai/facilitator"
	"github.com/mizuki-tamaki/kamiyo-payai/gateway"
	x402gin "github.com/mizuki-tamaki/kamiyo-payai/http/gin"
	"github.com/mizuki-tamaki/kamiyo-payai/ledger"
	"github.com/mizuki-tamaki/kamiyo-payai/risk"
	"github.com/mizuki-tamaki/kamiyo-payai/tasks"
	"github.com/mizuki-tamaki/kamiyo-payai/verifier"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	cfg := x402.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := ledger.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	l := ledger.New(store, cfg, log)

	var c cache.Cache = cache.Noop{}
	if cfg.CacheEnabled {
		redisCache, err := cache.NewRedisCache(ctx, cfg.RedisURL, cfg.CacheTTL, log)
		if err != nil {
			log.Warn("redis unavailable, verification caching disabled", zap.Error(err))
		} else {
			c = redisCache
			defer redisCache.Close()
		}
	}

	var fac facilitator.Interface
	if cfg.FacilitatorURL != "" {
		fac = &facilitator.Client{
			BaseURL:    cfg.FacilitatorURL,
			Timeouts:   facilitator.DefaultTimeouts,
			MaxRetries: 2,
		}
	}

	v := verifier.New(cfg, log)
	scorer := risk.NewScorer(cfg, log)
	analytics := gateway.NewAnalytics(prometheus.DefaultRegisterer)
	gw := gateway.New(cfg, v, scorer, l, fac, c, analytics, log)

	go tasks.NewSweeper(l, tasks.DefaultSweepInterval, log).Run(ctx)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(x402gin.Middleware(cfg, gw, log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	x402gin.RegisterRoutes(r, cfg, gw, log)

	addr := ":" + getenv("PORT", "8080")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("X402_DEBUG") == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
