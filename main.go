package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
)

const programName = "prometheus_libvirt_exporter"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "prometheus-libvirt-exporter",
		Short:         "Export per-domain libvirt statistics labelled with their OpenStack project",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			v, err := newViper(cmd.Flags())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := loadConfig(ctx, v)
			if err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
	cmd.SetVersionTemplate(version.Print(programName) + "\n")
	registerFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	flush, err := initLogging(parseLogLevel(cfg.LogLevel), cfg.LogFormat)
	if err != nil {
		return err
	}
	defer flush()

	logCollector.Info("exporter_starting", "version", version.Info(), "build_context", version.BuildContext(),
		"log_level", cfg.LogLevel, "libvirt_uri", cfg.LibvirtURI, "interval_seconds", cfg.Interval.Seconds(), "host", cfg.HostName)

	hv, err := NewLibvirtHypervisor(cfg.LibvirtURI, cfg.LibvirtTimeout)
	if err != nil {
		return err
	}

	var dir TenantDirectory
	if !cfg.Tenant.Disabled {
		dir, err = NewOpenStackDirectory(ctx, cfg.OpenStack)
		if err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		versioncollector.NewCollector(programName),
	)

	collector, err := NewMetricsCollector(CollectorConfig{
		Config:     cfg,
		Hypervisor: hv,
		Directory:  dir,
		Registerer: registry,
		Clock:      clock.RealClock{},
	})
	if err != nil {
		return fmt.Errorf("creating collector: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           newHTTPHandler(cfg.MetricsPath, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logHTTP.Info("http_listen", "address", cfg.ListenAddress, "path", cfg.MetricsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	sched := NewScheduler(clock.RealClock{})
	runErr := make(chan error, 1)
	go func() {
		if err := collector.Start(ctx, sched); err != nil {
			runErr <- err
			return
		}
		runErr <- sched.Run(ctx)
	}()

	select {
	case err = <-runErr:
	case err = <-srvErr:
		if err != nil {
			err = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logHTTP.Error("http_shutdown_failed", "err", serr)
	}

	if errors.Is(err, context.Canceled) {
		logCollector.Info("exporter_stopped")
		return nil
	}
	return err
}

func newHTTPHandler(metricsPath string, registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/debug/log-level", logLevelHandler)
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html>
<head><title>Libvirt Exporter</title></head>
<body>
<h1>Libvirt Exporter</h1>
<p><a href=%q>Metrics</a></p>
</body>
</html>
`, metricsPath)
	})
	return mux
}
