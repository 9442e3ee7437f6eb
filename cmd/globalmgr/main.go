// Command globalmgr runs the Global Manager: the single HTTP endpoint that
// serializes cluster-wide placement decisions and drives live migrations
// and host power transitions.
package main

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/nova/internal/cache"
	"github.com/oriys/nova/internal/circuitbreaker"
	"github.com/oriys/nova/internal/cloudcontroller"
	"github.com/oriys/nova/internal/clusterreg"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/globalmanager"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/migration"
	"github.com/oriys/nova/internal/power"
	"github.com/oriys/nova/internal/store"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	overrideFile string
	novaToken    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "globalmgr",
		Short: "Global Manager - cluster-wide placement and migration orchestrator",
		RunE:  runGlobalManager,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "/etc/neat/neat.conf", "default config file")
	rootCmd.Flags().StringVar(&overrideFile, "override-config", "", "override config file")
	rootCmd.Flags().StringVar(&novaToken, "nova-token", "", "Nova API auth token")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGlobalManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, overrideFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Logging.Format, levelName(cfg.Logging.Level))
	logging.Op().Info("global manager starting", "addr", cfg.GlobalManager.Host, "port", cfg.GlobalManager.Port)

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("global manager: connect store: %w", err)
	}
	defer st.Close()

	cc := cloudcontroller.NewNovaClient(cfg.CloudController.AuthURL, novaToken)

	runner := power.SSHRunner{
		User:     cfg.Power.ComputeUser,
		Password: cfg.Power.ComputePassword,
		Breakers: circuitbreaker.NewRegistry(),
	}
	suspender := power.Suspender{Runner: runner, SleepCommand: cfg.Power.SleepCommand}
	waker := power.WakeOnLAN{Interface: cfg.Power.EtherWakeInterface, MACs: power.NewMacResolver()}

	if cfg.Metrics.Enabled {
		go reportBreakerStates(ctx, runner.Breakers, 10*time.Second)
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	l1 := cache.NewInMemoryCache()
	l2 := cache.NewRedisCacheFromClient(redisClient, "")
	snapshotCache := cache.NewTieredCache(l1, l2, time.Second)
	defer snapshotCache.Close()

	invalidator := cache.NewCacheInvalidator(l1, redisClient)
	go invalidator.Start(ctx)
	defer invalidator.Close()

	liveness := clusterreg.NewRegistry(3 * cfg.Collector.Interval)
	go liveness.RunStaleLogger(ctx, cfg.Collector.Interval)

	handler, err := globalmanager.NewWithLiveness(globalmanager.Config{
		AdminUserHash:       sha1Hex(cfg.CloudController.AdminUser),
		AdminPasswordHash:   sha1Hex(cfg.CloudController.AdminPassword),
		StaleAfter:          5 * time.Second,
		ComputeHosts:        cfg.Cluster.ComputeHosts,
		TimeStep:            cfg.Collector.Interval,
		DataLength:          cfg.Collector.DataLength,
		PlacementFactory:    cfg.GlobalAlgo.VMPlacementFactory,
		PlacementParameters: cfg.GlobalAlgo.VMPlacementParameters,
		MigrationTime:       cfg.Migration.PerVMBudget,
		SnapshotCacheTTL:    2 * time.Second,
		Migration: migration.Config{
			ChunkSize:           cfg.Migration.ChunkSize,
			InitialSleep:        cfg.Migration.InitialSleep,
			PollInterval:        cfg.Migration.PollInterval,
			PerVMBudget:         cfg.Migration.PerVMBudget,
			VMInstanceDirectory: cfg.Migration.VMInstanceDirectory,
			HypervisorUser:      cfg.Power.ComputeUser,
		},
	}, st, cc, runner, suspender, waker, snapshotCache, invalidator, liveness)
	if err != nil {
		return fmt.Errorf("global manager: construct handler: %w", err)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.PrometheusHandler())
	}

	addr := fmt.Sprintf("%s:%d", cfg.GlobalManager.Host, cfg.GlobalManager.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logging.Op().Info("global manager listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("global manager: http server", "error", err)
		}
	}()

	<-ctx.Done()
	logging.Op().Info("global manager shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reportBreakerStates polls the per-host SSH breaker registry and mirrors
// each breaker's state into Prometheus, firing a trip counter whenever a
// host's breaker state changes since the last poll.
func reportBreakerStates(ctx context.Context, breakers *circuitbreaker.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := map[string]string{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for host, state := range breakers.Snapshot() {
				metrics.SetCircuitBreakerState(host, breakerStateValue(state))
				if prev, ok := last[host]; ok && prev != state {
					metrics.RecordCircuitBreakerTrip(host, state)
				}
				last[host] = state
			}
		}
	}
}

func breakerStateValue(state string) int {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func levelName(n int) string {
	switch n {
	case 0:
		return "off"
	case 1:
		return "warn"
	case 3:
		return "debug"
	default:
		return "info"
	}
}
