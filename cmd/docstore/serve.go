package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/docstore/internal/metrics"
	"github.com/nainya/docstore/internal/server"
	"github.com/nainya/docstore/pkg/bptree"
	"github.com/nainya/docstore/pkg/index"
	"github.com/nainya/docstore/pkg/rtree"
)

type serveConfig struct {
	dir            string
	port           int
	metricsPort    int
	recoverCorrupt bool
	order          int
	maxEntries     int
}

func newServeCmd(root *rootConfig) *cobra.Command {
	cfg := &serveConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the indexes in a data directory over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(root, cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.dir, "dir", "docstore-data", "Data directory holding the catalog and index files")
	cmd.Flags().IntVar(&cfg.port, "port", 50051, "gRPC port")
	cmd.Flags().IntVar(&cfg.metricsPort, "metrics-port", 9090, "HTTP port for metrics, health and pprof; 0 disables it")
	cmd.Flags().BoolVar(&cfg.recoverCorrupt, "recover-corrupt", false, "Reset corrupt index files to empty after backing them up")
	cmd.Flags().IntVar(&cfg.order, "order", bptree.DefaultOrder, "B+Tree order for field indexes created without one")
	cmd.Flags().IntVar(&cfg.maxEntries, "max-entries", rtree.DefaultMaxEntries, "R-Tree fanout for geo indexes created without one")
	return cmd
}

func runServe(root *rootConfig, cfg *serveConfig) error {
	log := root.logger()
	log.LogServerStart(cfg.port, cfg.dir)

	catalog, err := index.OpenCatalog(cfg.dir, index.CatalogOptions{
		Logger:         log.GetZerolog(),
		RecoverCorrupt: cfg.recoverCorrupt,
		Order:          cfg.order,
		MaxEntries:     cfg.maxEntries,
	})
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	stopUptime := make(chan struct{})
	go m.RunUptime(10*time.Second, stopUptime)
	defer close(stopUptime)

	docStore := server.NewServer(catalog, log, m)
	defer func() {
		if err := docStore.Close(); err != nil {
			log.Error("failed to close catalog").Err(err).Send()
		}
	}()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(64*1024*1024),
		grpc.UnaryInterceptor(server.GrpcMetricsInterceptor(m, log)),
	)
	server.RegisterDocStoreServer(grpcServer, docStore)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(grpcServer)

	var obs *server.ObservabilityServer
	if cfg.metricsPort > 0 {
		obs = server.NewObservabilityServer(cfg.metricsPort, reg, log)
		go func() {
			if err := obs.Start(); err != nil {
				log.Error("observability server stopped").Err(err).Send()
			}
		}()
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.LogServerShutdown()
		if obs != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(ctx)
		}
		grpcServer.GracefulStop()
	}()

	log.LogServerReady(cfg.port)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}
