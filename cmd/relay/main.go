package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Fluffy9/Gasless-Runner/internal/api"
	"github.com/Fluffy9/Gasless-Runner/internal/billing"
	"github.com/Fluffy9/Gasless-Runner/internal/chain"
	"github.com/Fluffy9/Gasless-Runner/internal/config"
	"github.com/Fluffy9/Gasless-Runner/internal/metrics"
	"github.com/Fluffy9/Gasless-Runner/internal/ratelimit"
	"github.com/Fluffy9/Gasless-Runner/internal/relay"
	"github.com/Fluffy9/Gasless-Runner/internal/tracker"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Chain client + limiter contract ───────────────────────────────────────
	onchain, err := chain.NewClient(ctx, cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	defer onchain.Close()

	limiter, err := chain.NewLimiter(cfg.Plan.Limiter)
	if err != nil {
		log.Fatal("limiter abi init failed", zap.Error(err))
	}

	// ── Relay core ────────────────────────────────────────────────────────────
	pool, err := relay.NewPool(onchain, cfg.Relay.Wallets, log)
	if err != nil {
		log.Fatal("wallet pool init failed", zap.Error(err))
	}
	track := tracker.New(rdb, onchain, log)
	relayer := relay.NewRelayer(onchain, pool, limiter, onchain.ChainID(), log).WithTracker(track)
	admin := relay.NewAdminOps(onchain, limiter, cfg.Relay.Owner, onchain.ChainID(), log)
	oracle, err := relay.NewQuotaOracle(onchain, limiter, cfg.Plan, log)
	if err != nil {
		log.Fatal("quota oracle init failed", zap.Error(err))
	}

	// ── Billing ───────────────────────────────────────────────────────────────
	stripeClient := billing.NewStripeClient(cfg.Billing.StripeKey, stripe.GetBackend(stripe.APIBackend))
	events := billing.NewEventHandler(rdb, admin, stripeClient, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	m := metrics.New(pool)

	r := gin.New()
	r.Use(gin.Recovery(), api.CORS(cfg.Server.CORSOrigins))
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api.NewHandler(cfg.Plan, api.Deps{
		Relayer:  relayer,
		Quota:    oracle,
		Status:   track,
		Portal:   stripeClient,
		Verifier: billing.NewVerifier(cfg.Billing.EndpointSecret),
		Events:   events,
		Metrics:  m,
	}, log).Register(&r.RouterGroup, ratelimit.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── gRPC health ───────────────────────────────────────────────────────────
	var (
		grpcSrv   *grpc.Server
		healthSrv *health.Server
	)
	if cfg.Server.GRPCPort != 0 {
		grpcSrv = grpc.NewServer()
		healthSrv = health.NewServer()
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	}

	log.Info("relay configured",
		zap.String("plan", cfg.Plan.Name),
		zap.String("limiter", limiter.Address().Hex()),
		zap.String("base_url", cfg.Plan.BaseURL),
		zap.Int("wallets", pool.Size()),
		zap.String("owner", admin.Owner().Hex()),
	)

	// ── Goroutines ────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		track.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")

		if healthSrv != nil {
			healthSrv.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if grpcSrv != nil {
			grpcSrv.GracefulStop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
