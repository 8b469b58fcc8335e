package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nimbusdb/coord/common/logging"
	"github.com/nimbusdb/coord/config"
)

func newServeCmd(v *viper.Viper, peers *[]string) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start this node and block until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServe(cfg, *peers, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-address", ":9090", "address to expose prometheus metrics on")
	return cmd
}

func runServe(cfg config.Config, peers []string, metricsAddr string) error {
	log := logging.GetLogger("cmd/coordnode")
	reg := prometheus.NewRegistry()

	n, err := buildNode(cfg, peers, reg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.start(ctx); err != nil {
		n.close(ctx)
		return err
	}
	defer n.close(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server exited", "err", err)
		}
	}()
	defer metricsSrv.Close()

	log.Info("coordnode started",
		"transport_listen_address", cfg.Transport.ListenAddress,
		"metrics_address", metricsAddr,
		"store_data_dir", cfg.Store.DataDir,
		"session_id", n.service.Status().SessionID,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("coordnode shutting down")
	return nil
}
