// Command collector runs the Data Collector: a per-host daemon that polls
// the local hypervisor for VM and host CPU utilization and persists
// history locally and to the central store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/nova/internal/collector"
	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/domain"
	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localstore"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/store"
	"github.com/spf13/cobra"
)

var (
	configFile   string
	overrideFile string
	libvirtSock  string
	hostnameFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collector",
		Short: "Data Collector - per-host VM/hypervisor utilization sampler",
		RunE:  runCollector,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "/etc/neat/neat.conf", "default config file")
	rootCmd.Flags().StringVar(&overrideFile, "override-config", "", "override config file")
	rootCmd.Flags().StringVar(&libvirtSock, "libvirt-socket", "/var/run/libvirt/libvirt-sock", "libvirt unix socket path")
	rootCmd.Flags().StringVar(&hostnameFlag, "hostname", "", "override the detected compute hostname")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCollector(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, overrideFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Logging.Format, levelName(cfg.Logging.Level))
	logging.Op().Info("collector starting", "interval", cfg.Collector.Interval)

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("collector: connect store: %w", err)
	}
	defer st.Close()

	hv, err := hypervisor.DialLibvirt(libvirtSock)
	if err != nil {
		return fmt.Errorf("collector: dial libvirt: %w", err)
	}
	defer hv.Close()

	hostname := hostnameFlag
	if hostname == "" {
		hostname, err = hv.Hostname(ctx)
		if err != nil {
			return fmt.Errorf("collector: detect hostname: %w", err)
		}
	}

	local := localstore.New(cfg.Collector.LocalDataDir)
	if err := local.EnsureDirs(); err != nil {
		return fmt.Errorf("collector: prepare local data dir: %w", err)
	}
	local.CleanupAll()

	hostID, err := st.UpsertHost(ctx, domain.Host{Hostname: hostname})
	if err != nil {
		return fmt.Errorf("collector: upsert host: %w", err)
	}
	host, err := st.GetHostByName(ctx, hostname)
	if err != nil {
		return fmt.Errorf("collector: load host: %w", err)
	}
	host.ID = hostID

	c := collector.New(collector.Config{
		Interval:          cfg.Collector.Interval,
		DataLength:        cfg.Collector.DataLength,
		OverloadThreshold: cfg.Collector.OverloadThreshold,
		UsableByVMs:       cfg.Collector.UsableByVMs,
	}, hv, st, local, *host)

	c.Start()
	defer c.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.PrometheusHandler())
		mux.Handle("/status", metrics.Global().JSONHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("collector: metrics server", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logging.Op().Info("collector shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
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
