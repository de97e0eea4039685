package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jfoltran/replicore/internal/daemon"
	"github.com/jfoltran/replicore/internal/db"
	"github.com/jfoltran/replicore/internal/endpoint"
	"github.com/jfoltran/replicore/internal/eventbus"
	"github.com/jfoltran/replicore/internal/eventlog"
	"github.com/jfoltran/replicore/internal/eventlogpg"
	"github.com/jfoltran/replicore/internal/failuredetector"
	"github.com/jfoltran/replicore/internal/filter"
	"github.com/jfoltran/replicore/internal/metrics"
	"github.com/jfoltran/replicore/internal/model"
	"github.com/jfoltran/replicore/internal/pushregistry"
	"github.com/jfoltran/replicore/internal/recovery"
	"github.com/jfoltran/replicore/internal/replicator"
	"github.com/jfoltran/replicore/internal/server"
	"github.com/jfoltran/replicore/internal/transport"
)

const replicationProtocol = "ws"

var (
	flagAPIPort   int
	flagPeerPort  int
	flagLogName   string
	flagBackground bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Activate the endpoint and serve its status API and replication port",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&flagAPIPort, "api-port", 8080, "port for the status/action HTTP API")
	serveCmd.Flags().IntVar(&flagPeerPort, "peer-port", 7070, "port the replication acceptor listens on for peer requests")
	serveCmd.Flags().StringVar(&flagLogName, "log-name", "default", "name of the durable event log this endpoint owns")
	serveCmd.Flags().BoolVar(&flagBackground, "daemon", false, "background the process and return immediately")
}

func runServe(cmd *cobra.Command, args []string) error {
	if flagBackground && !daemon.IsDaemonProcess() {
		pid, err := daemon.Background(os.Args[1:])
		if err != nil {
			return fmt.Errorf("background: %w", err)
		}
		fmt.Printf("replicatord started in background, pid %d\n", pid)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	defer collector.Close()
	logger = zerolog.New(io.MultiWriter(logOutput, metrics.NewLogWriter(collector))).With().Timestamp().Logger()

	pool, err := db.Open(ctx, cfg.Postgres.DSN(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := eventlogpg.EnsureSchema(ctx, pool); err != nil {
		return fmt.Errorf("ensure event log schema: %w", err)
	}

	log, err := eventlogpg.Open(ctx, pool, model.LogID(cfg.EndpointID, flagLogName), flagLogName, logger)
	if err != nil {
		return fmt.Errorf("open event log %q: %w", flagLogName, err)
	}
	logs := map[string]eventlog.Log{flagLogName: log}

	connections, err := cfg.ParsedConnections()
	if err != nil {
		return fmt.Errorf("parse connections: %w", err)
	}

	var bus eventbus.Publisher
	if cfg.Kafka.Enabled() {
		kafkaBus, err := eventbus.NewKafkaBus(eventbus.KafkaConfig{
			SeedBrokers: cfg.Kafka.Brokers,
			Topic:       cfg.Kafka.Topic,
			GroupID:     cfg.Kafka.GroupID,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect kafka event bus: %w", err)
		}
		defer kafkaBus.Close()
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing availability events to kafka")
		bus = kafkaBus
	} else {
		bus = eventbus.New(logger)
	}
	detector := failuredetector.New(cfg.FailureDetectionLimit, cfg.RemoteReadTimeout, cfg.RetryDelay, bus, logger)
	writes := pushregistry.New()
	client := transport.NewWSClient(cfg.RemoteReadTimeout)

	repCfg := replicator.Config{
		WriteBatchSize:    cfg.WriteBatchSize,
		RemoteScanLimit:   cfg.RemoteScanLimit,
		RetryDelay:        cfg.RetryDelay,
		ReadTimeout:       cfg.ReadTimeout,
		RemoteReadTimeout: cfg.RemoteReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		AppName:           cfg.ApplicationName,
		AppVersion:        cfg.ApplicationVersion,
	}
	recCfg := recovery.Config{
		Replicator:   repCfg,
		PollInterval: cfg.RetryDelay,
		LinkTimeout:  cfg.FailureDetectionLimit,
	}

	ep, err := endpoint.New(
		cfg.EndpointID, cfg.ApplicationName, cfg.ApplicationVersion,
		logs, connections, replicationProtocol, client, detector, writes,
		filter.NoFilters, repCfg, recCfg, recovery.NoSnapshots, logger,
	)
	if err != nil {
		return fmt.Errorf("construct endpoint: %w", err)
	}

	if err := daemon.WritePID(); err != nil {
		logger.Warn().Err(err).Msg("could not write PID file")
	}
	defer daemon.RemovePID()

	for _, conn := range connections {
		collector.TrackLink(conn.PeerSystemName, flagLogName)
	}

	manager := daemon.NewEndpointManager(ep, collector, logger)

	if len(connections) == 0 {
		if err := manager.Activate(ctx); err != nil {
			return fmt.Errorf("activate endpoint: %w", err)
		}
	} else {
		if err := manager.Recover(ctx); err != nil {
			return fmt.Errorf("recover endpoint: %w", err)
		}
	}

	peerServer := transport.NewWSServer(ep.Acceptor(), logger)
	peerHTTP := &http.Server{Addr: fmt.Sprintf(":%d", flagPeerPort), Handler: peerServer}
	go func() {
		logger.Info().Int("port", flagPeerPort).Msg("starting replication acceptor")
		if err := peerHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Err(err).Msg("peer server error")
		}
	}()

	srv := server.New(collector, &cfg, logger)
	srv.SetEndpointManager(manager)
	srv.StartBackground(ctx, flagAPIPort)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	ep.Terminate()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = peerHTTP.Shutdown(shutdownCtx)

	return nil
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a backgrounded replicatord process",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.Stop(); err != nil {
			return err
		}
		fmt.Println("replicatord stopped")
		return nil
	},
}
