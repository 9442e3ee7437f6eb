// Command dbcleaner periodically purges CPU/overload/state history older
// than the configured retention window from the central store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/store"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	overrideFile string
	runOnce      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dbcleaner",
		Short: "DB Cleaner - periodic retention sweep over historical samples",
		RunE:  runDBCleaner,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "/etc/neat/neat.conf", "default config file")
	rootCmd.Flags().StringVar(&overrideFile, "override-config", "", "override config file")
	rootCmd.Flags().BoolVar(&runOnce, "once", false, "run a single cleanup sweep and exit")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDBCleaner(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, overrideFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Logging.Format, levelName(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("dbcleaner: connect store: %w", err)
	}
	defer st.Close()

	sweep := func() {
		cutoff := time.Now().Add(-cfg.DBCleaner.RetainFor)
		n, err := st.CleanupOlderThan(ctx, cutoff)
		if err != nil {
			logging.Op().Error("dbcleaner: sweep failed", "error", err)
			return
		}
		logging.Op().Info("dbcleaner: sweep complete", "rows_removed", n, "cutoff", cutoff)
	}

	if runOnce {
		sweep()
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.DBCleaner.Interval)
	if _, err := c.AddFunc(spec, sweep); err != nil {
		return fmt.Errorf("dbcleaner: schedule sweep: %w", err)
	}
	c.Start()
	logging.Op().Info("dbcleaner started", "interval", cfg.DBCleaner.Interval, "retain_for", cfg.DBCleaner.RetainFor)

	<-ctx.Done()
	logging.Op().Info("dbcleaner shutting down")
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
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
