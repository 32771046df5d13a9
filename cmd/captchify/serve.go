package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"captchify/internal/challenge"
	"captchify/internal/config"
	"captchify/internal/handlers"
	"captchify/internal/middleware"
	"captchify/internal/ratelimit"
	"captchify/internal/store"
	"captchify/internal/utils"
)

const sweepInterval = time.Minute

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference verification gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.Gate.Addr = addr
			}
			ln, err := net.Listen("tcp", a.cfg.Gate.Addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", a.cfg.Gate.Addr, err)
			}
			return serve(cmd.Context(), a.cfg, ln, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides gate.addr)")
	return cmd
}

// gateDeps are the stores the gate runs on, plus any background sweepers
// and cleanup they need.
type gateDeps struct {
	challenges store.Challenges
	limiter    ratelimit.Limiter
	background []func(ctx context.Context)
	ping       func(ctx context.Context) error
	close      func() error
}

func buildGateDeps(cfg *config.Config) gateDeps {
	window := time.Duration(float64(cfg.Gate.RateLimitBurst) / cfg.Gate.RateLimitRPS * float64(time.Second))
	if cfg.Store.Backend == "redis" {
		rdb := store.New(cfg.Store.RedisAddr)
		return gateDeps{
			challenges: store.NewRedisChallenges(rdb, cfg.Store.KeyPrefix),
			limiter:    ratelimit.NewRedis(rdb, cfg.Store.KeyPrefix, cfg.Gate.RateLimitBurst, window),
			ping:       func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			close:      rdb.Close,
		}
	}
	challenges := store.NewMemoryChallenges()
	limiter := ratelimit.NewStore(cfg.Gate.RateLimitRPS, cfg.Gate.RateLimitBurst, 10*time.Minute)
	return gateDeps{
		challenges: challenges,
		limiter:    limiter,
		background: []func(ctx context.Context){
			func(ctx context.Context) { challenges.Run(ctx, sweepInterval) },
			func(ctx context.Context) { limiter.Run(ctx, sweepInterval) },
		},
		ping:  func(context.Context) error { return nil },
		close: func() error { return nil },
	}
}

// serve runs the gate on ln until ctx is cancelled, then shuts down
// gracefully.
func serve(ctx context.Context, cfg *config.Config, ln net.Listener, logger *zap.Logger) error {
	gcfg := cfg.Gate
	if gcfg.Secret == "" {
		secret, err := utils.RandomHex(32)
		if err != nil {
			return err
		}
		gcfg.Secret = secret
		logger.Warn("gate.secret not set, using a random secret; tokens will not survive a restart")
	}

	deps := buildGateDeps(cfg)
	defer deps.close()
	if err := deps.ping(ctx); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Store.RedisAddr, err)
	}

	issuer := challenge.NewIssuer(gcfg, deps.challenges, logger)
	gate := handlers.NewGate(gcfg, issuer, nil, logger)
	mw := middleware.New(deps.limiter, logger)

	srv := &http.Server{
		Handler:      handlers.NewRouter(gate, mw, Version),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range deps.background {
		run := run
		g.Go(func() error {
			run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("gate listening", zap.String("addr", ln.Addr().String()), zap.String("version", Version))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
