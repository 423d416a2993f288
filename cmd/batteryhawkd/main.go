// batteryhawkd is the BatteryHawk service entrypoint: loads configuration,
// wires the BLE adapter, registry store, and optional MQTT client into the
// orchestrator, and runs until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/batteryhawk/core/pkg/config"
	"github.com/batteryhawk/core/pkg/core"
	"github.com/batteryhawk/core/pkg/logger"
	"github.com/batteryhawk/core/pkg/registrystore"
	"github.com/batteryhawk/core/pkg/transport/ble"
	mqttclient "github.com/batteryhawk/core/pkg/transport/mqtt"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
	gitCommit = "unknown"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:     "batteryhawkd",
		Short:   "BatteryHawk - BLE battery monitor daemon",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: ./config.yaml)")

	rootCmd.AddCommand(newRunCmd(), newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the BatteryHawk orchestrator until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("batteryhawkd %s\n", version)
			fmt.Printf("  Commit: %s\n", gitCommit)
			fmt.Printf("  Built:  %s\n", buildTime)
		},
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: "text",
		Output: outputFor(cfg),
		File:   cfg.Logging.File,
	})

	var store registrystore.Store
	if cfg.Storage.Enabled {
		s, err := registrystore.Open(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open registry store: %w", err)
		}
		store = s
	} else {
		store = registrystore.NoopStore{}
	}

	adapter, err := ble.NewRealAdapter()
	if err != nil {
		return fmt.Errorf("init bluetooth adapter: %w", err)
	}

	var mqttClient *mqttclient.Client
	if cfg.MQTT.Enabled {
		mqttClient = mqttclient.New(mqttConfigFrom(cfg), log.Logger)
		if err := mqttClient.Connect(); err != nil {
			log.Warn("mqtt initial connect failed, will retry", "error", err)
		}
	}

	engine := core.New(adapter, store, cfg, log.Logger, mqttClient)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("starting batteryhawk")
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	<-sigCh
	log.Info("shutting down")

	if err := engine.Stop(); err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	log.Info("batteryhawk stopped")
	return nil
}

func outputFor(cfg *config.Config) string {
	if cfg.Logging.File != "" {
		return "file"
	}
	return "stdout"
}

func mqttConfigFrom(cfg *config.Config) mqttclient.Config {
	c := mqttclient.DefaultConfig()
	c.Broker = cfg.MQTT.Broker
	c.Port = cfg.MQTT.Port
	c.Username = cfg.MQTT.Username
	c.Password = cfg.MQTT.Password
	if cfg.MQTT.TopicPrefix != "" {
		c.TopicPrefix = cfg.MQTT.TopicPrefix
	}
	c.MaxRetries = cfg.MQTT.MaxRetries
	c.MessageQueueSize = cfg.MQTT.MessageQueueSize
	c.MessageRetryLimit = cfg.MQTT.MessageRetryLimit
	c.BackoffMultiplier = cfg.MQTT.BackoffMultiplier
	c.JitterFactor = cfg.MQTT.JitterFactor
	return c
}
