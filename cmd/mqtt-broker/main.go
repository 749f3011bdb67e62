package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/auth"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/broker"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/connection"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/database"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/event"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/metrics"
	"github.com/life-stream-dev/life-stream-mqtt-broker/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	port       int
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:           "mqtt-broker",
	Short:         "MQTT 3.1 / 3.1.1 broker",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return fmt.Errorf("error occured while reading config: %w", err)
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = port
		}
		if cmd.Flags().Changed("debug") {
			cfg.DebugMode = debug
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(cfg)
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print a bcrypt hash for auth.users[].password_hash",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashPassword(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return err
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path of the JSON or YAML configuration file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 1883, "listening port, overrides the configuration file")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(hashCmd)
}

func run(cfg *config.Config) error {
	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogDir)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer func() {
		if err := cleaner.Clean(); err != nil {
			fmt.Fprintf(os.Stderr, "cleanup failed: %v\n", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing database, details: %v", err)
		return err
	}
	cleaner.Add(database.NewCloseCallback(store))

	registry := connection.NewRegistry(connection.WithWriteTimeout(cfg.SendTimeout()))
	b := broker.New(store, registry, auth.NewUsers(cfg.Auth), broker.Options{
		WorkerNum:       cfg.WorkerNum,
		TaskWorkerNum:   cfg.TaskWorkerNum,
		QueueSize:       cfg.QueueSize,
		MessageIDExpiry: cfg.MessageIDTTL(),
	})
	if err := b.Start(ctx); err != nil {
		logger.ErrorF("Error occured while resetting sessions, details: %v", err)
		return err
	}
	cleaner.Add(b)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(cfg, b, registry).ListenAndServe(ctx)
	})
	g.Go(func() error {
		return broker.NewMonitor(b, cfg.KeepAliveSweep()).Run(ctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(ctx, ":"+strconv.Itoa(cfg.Metrics.Port))
		})
	}

	err = g.Wait()
	logger.InfoF("Shutting down")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
