// Command localmgr runs the Local Manager: a per-host daemon evaluating
// underload/overload detectors against local CPU history and POSTing
// reallocation requests to the Global Manager.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/nova/internal/config"
	"github.com/oriys/nova/internal/hypervisor"
	"github.com/oriys/nova/internal/localmanager"
	"github.com/oriys/nova/internal/localstore"
	"github.com/oriys/nova/internal/logging"
	"github.com/oriys/nova/internal/metrics"
	"github.com/oriys/nova/internal/store"
	"github.com/spf13/cobra"
)

var (
	configFile    string
	overrideFile  string
	libvirtSock   string
	hostnameFlag  string
	globalMgrAddr string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "localmgr",
		Short: "Local Manager - per-host underload/overload evaluator",
		RunE:  runLocalManager,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "/etc/neat/neat.conf", "default config file")
	rootCmd.Flags().StringVar(&overrideFile, "override-config", "", "override config file")
	rootCmd.Flags().StringVar(&libvirtSock, "libvirt-socket", "/var/run/libvirt/libvirt-sock", "libvirt unix socket path")
	rootCmd.Flags().StringVar(&hostnameFlag, "hostname", "", "override the detected compute hostname")
	rootCmd.Flags().StringVar(&globalMgrAddr, "global-manager", "", "override the global manager host:port")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runLocalManager(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, overrideFile)
	if err != nil {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)

	logging.InitStructured(cfg.Logging.Format, levelName(cfg.Logging.Level))
	logging.Op().Info("local manager starting", "interval", cfg.LocalManager.Interval)

	if cfg.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Metrics.Namespace)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hv, err := hypervisor.DialLibvirt(libvirtSock)
	if err != nil {
		return fmt.Errorf("local manager: dial libvirt: %w", err)
	}
	defer hv.Close()

	hostname := hostnameFlag
	if hostname == "" {
		hostname, err = hv.Hostname(ctx)
		if err != nil {
			return fmt.Errorf("local manager: detect hostname: %w", err)
		}
	}

	local := localstore.New(cfg.Collector.LocalDataDir)
	if err := local.EnsureDirs(); err != nil {
		return fmt.Errorf("local manager: prepare local data dir: %w", err)
	}

	totalCPUMhz, err := lookupTotalCPUMhz(ctx, cfg.Postgres.DSN, hostname)
	if err != nil {
		return fmt.Errorf("local manager: lookup host capacity: %w", err)
	}

	gmAddr := cfg.GlobalManager.Host
	if globalMgrAddr != "" {
		gmAddr = globalMgrAddr
	}
	globalMgrURL := fmt.Sprintf("http://%s:%d/", gmAddr, cfg.GlobalManager.Port)

	lm, err := localmanager.New(localmanager.Config{
		Interval:              cfg.LocalManager.Interval,
		TimeStep:              cfg.Collector.Interval,
		TotalCPUMhz:           totalCPUMhz,
		UnderloadFactory:      cfg.LocalManager.UnderloadFactory,
		UnderloadParameters:   cfg.LocalManager.UnderloadParameters,
		OverloadFactory:       cfg.LocalManager.OverloadFactory,
		OverloadParameters:    cfg.LocalManager.OverloadParameters,
		VMSelectionFactory:    cfg.LocalManager.VMSelectionFactory,
		VMSelectionParameters: cfg.LocalManager.VMSelectionParameters,
		MigrationTime:         estimateMigrationTime(cfg),
		GlobalManagerURL:      globalMgrURL,
		AdminUser:             cfg.CloudController.AdminUser,
		AdminPassword:         cfg.CloudController.AdminPassword,
		Hostname:              hostname,
	}, hv, local)
	if err != nil {
		return fmt.Errorf("local manager: construct: %w", err)
	}

	lm.Start()
	defer lm.Stop()

	<-ctx.Done()
	logging.Op().Info("local manager shutting down")
	return nil
}

// estimateMigrationTime derives a rough per-VM migration duration from the
// configured RAM size and network bandwidth, mirroring the detectors'
// need for a migration_time parameter without a live VM size to hand.
func estimateMigrationTime(cfg *config.Config) time.Duration {
	bwMBs := cfg.LocalManager.NetworkMigrationBandwMBs
	if bwMBs <= 0 {
		bwMBs = 100
	}
	const assumedVMRAMMB = 2048
	seconds := float64(assumedVMRAMMB) / bwMBs
	return time.Duration(seconds * float64(time.Second))
}

// lookupTotalCPUMhz reads this host's total CPU capacity from the central
// store, populated there by the Data Collector on startup.
func lookupTotalCPUMhz(ctx context.Context, dsn, hostname string) (int64, error) {
	st, err := store.NewPostgresStore(ctx, dsn)
	if err != nil {
		return 0, err
	}
	defer st.Close()

	host, err := st.GetHostByName(ctx, hostname)
	if err != nil {
		return 0, err
	}
	return host.CPUMhzTotal, nil
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
