// File: cmd/evohub/main.go
// Standalone relay hub. Nodes that cannot reach each other directly point
// their hub transport at this process; it archives and replays messages.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nxshade/evold/internal/config"
	"github.com/nxshade/evold/internal/hub"
	"github.com/nxshade/evold/internal/observability"
)

func main() {
	listen := flag.String("listen", "", "Listen address override (default from config, :8844)")
	cfgFile := flag.String("config", "", "Path to a config file (default searches . and $HOME/.evold)")
	flag.Parse()

	cfg, err := loadConfig(*cfgFile)
	if err != nil {
		// The structured logger needs the config, so early failures go
		// through the standard logger.
		log.Printf("Failed to load hub configuration: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Hub.Listen = *listen
	}

	observability.InitializeLogger(cfg.Logger)
	defer observability.Sync()
	logger := observability.GetLogger().Named("hub")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archive, err := hub.OpenArchive(ctx, logger, cfg.Hub)
	if err != nil {
		log.Printf("Failed to open hub archive: %v\n", err)
		log.Println("For postgres, ensure EVOLD_PG_PASSWORD is set and the database is running.")
		os.Exit(1)
	}

	server := hub.New(logger, cfg.Hub, archive)
	if err := server.Run(ctx); err != nil {
		logger.Error("Hub exited with error.", zap.Error(err))
		observability.Sync()
		os.Exit(1)
	}
}

func loadConfig(cfgFile string) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.evold")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("EVOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// The hub runs fine on defaults plus environment variables.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	return config.NewConfigFromViper(v)
}
