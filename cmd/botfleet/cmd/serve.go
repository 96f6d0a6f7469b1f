package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/galadd/botfleet/internal/api"
	"github.com/galadd/botfleet/internal/fleet"
	"github.com/galadd/botfleet/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration API and the reconciliation loop",
	Long: `serve connects to the swarm manager, opens the placement store and exposes the
service lifecycle over HTTP. Unless disabled, placements are reconciled against the
cluster on a fixed interval.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("listen", "", "API listen address (default from config or :9090)")
	flags.String("docker-host", "", "Docker Engine endpoint of a swarm manager (default from DOCKER_HOST)")
	flags.String("store", "", "placement store path")
	flags.Bool("reconcile", true, "run the periodic reconciliation loop")

	v.BindPFlag("api.listen", flags.Lookup("listen"))
	v.BindPFlag("docker.host", flags.Lookup("docker-host"))
	v.BindPFlag("store.path", flags.Lookup("store"))
	v.BindPFlag("reconcile.enabled", flags.Lookup("reconcile"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	opts, err := cfg.FleetOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, err := fleet.NewSwarmRuntime(cfg.Docker.Host, cfg.Docker.Timeout, log)
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.Ping(ctx); err != nil {
		log.Warn("swarm manager not reachable yet", "error", err)
	}

	st, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := fleet.NewMetrics(reg)

	probe := fleet.NewCapacityProbe(orch, opts.AppLabel, cfg.CapacityPolicy(), log)
	selector := fleet.NewNodeSelector(orch, probe, log)
	dirs := fleet.NewUserDirs(cfg.Fleet.UsersDir, cfg.Fleet.BaseTemplate, int(opts.ContainerPort))
	mgr := fleet.NewManager(orch, st, dirs, selector, opts, metrics, log)

	locks := fleet.NewUserLocks()
	rec := fleet.NewReconciler(orch, st, locks, opts.AppLabel, cfg.Reconcile.Interval, metrics, log).
		WithCleanup(cfg.Reconcile.Cleanup)
	if cfg.Reconcile.Enabled {
		go rec.Start(ctx)
		defer rec.Stop()
	}

	server := api.NewServer(mgr, rec, st, locks, api.ServerOptions{
		Addr:      cfg.API.Listen,
		RateLimit: cfg.API.RateLimit,
		RateBurst: cfg.API.RateBurst,
		Gatherer:  reg,
	}, log)

	log.Info("botfleet started",
		"store", st.Path(), "users_dir", cfg.Fleet.UsersDir, "network", opts.Network,
		"reconcile", cfg.Reconcile.Enabled, "cleanup", cfg.Reconcile.Cleanup)

	err = server.ListenAndServe(ctx)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("botfleet stopped")
	return err
}
