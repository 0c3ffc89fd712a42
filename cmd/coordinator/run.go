package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rewardmesh/rewardmesh/pkg/clients/bridgeClient"
	"github.com/rewardmesh/rewardmesh/pkg/clients/settlementClient"
	"github.com/rewardmesh/rewardmesh/pkg/clients/slashingClient"
	"github.com/rewardmesh/rewardmesh/pkg/config"
	"github.com/rewardmesh/rewardmesh/pkg/engine"
	"github.com/rewardmesh/rewardmesh/pkg/engine/engineConfig"
	"github.com/rewardmesh/rewardmesh/pkg/events"
	"github.com/rewardmesh/rewardmesh/pkg/logger"
	"github.com/rewardmesh/rewardmesh/pkg/shutdown"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator",
	RunE: func(cmd *cobra.Command, args []string) error {
		initRunCmd(cmd)

		log, _ := logger.NewLogger(&logger.LoggerConfig{Debug: Config.Debug})
		sugar := log.Sugar()

		if err := Config.Validate(); err != nil {
			sugar.Errorw("Invalid configuration", "error", err)
			return err
		}

		sugar.Infow("Starting coordinator...")

		return runWithShutdown(func(ctx context.Context) error {
			return startEngine(ctx, Config, log)
		}, log)
	},
}

func initRunCmd(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s': %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s': %+v\n", f.Name, err)
		}
	})
}

func runWithShutdown(startFunc func(ctx context.Context) error, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := startFunc(ctx); err != nil {
		return err
	}

	gracefulShutdownNotifier := shutdown.CreateGracefulShutdownChannel()
	done := make(chan bool)

	shutdown.ListenForShutdown(gracefulShutdownNotifier, done, func() {
		logger.Sugar().Info("Shutting down coordinator...")
		cancel()
	}, 5*time.Second, logger)

	return nil
}

func startEngine(ctx context.Context, cfg *engineConfig.EngineConfig, logger *zap.Logger) error {
	clients := &engine.Clients{
		Settlement: settlementClient.NewSimulatedSettlementClient(logger),
		Slashing:   slashingClient.NewSimulatedSlashingClient(logger),
		Bridge:     bridgeClient.NewSimulatedBridgeClient(logger),
	}

	eng, err := engine.NewEngine(cfg, clients, events.NewLoggingSink(logger), logger)
	if err != nil {
		return err
	}

	go func() {
		if err := eng.Start(ctx); err != nil {
			logger.Sugar().Fatalw("Engine start failed", zap.Error(err))
		}
	}()

	return nil
}
