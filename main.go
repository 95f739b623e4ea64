// main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"coinpulse/pkg/app"
	"coinpulse/store"
	"coinpulse/utilities"
)

const banner = `
   ____      _                    _
  / ___|___ (_)_ __  _ __  _   _| |___  ___
 | |   / _ \| | '_ \| '_ \| | | | / __|/ _ \
 | |__| (_) | | | | | |_) | |_| | \__ \  __/
  \____\___/|_|_| |_| .__/ \__,_|_|___/\___|
                    |_|   market-data ingestion
[]=====================================================[]
`

// LoadConfig explicitly loads the AppConfig from a JSON file using viper and
// creates the Logger instance.
func LoadConfig(path string) (utilities.AppConfig, *utilities.Logger, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("json")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return utilities.AppConfig{}, nil, fmt.Errorf("%w: failed to read config file: %v", utilities.ErrConfig, err)
	}

	var config utilities.AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		return utilities.AppConfig{}, nil, fmt.Errorf("%w: failed to unmarshal config: %v", utilities.ErrConfig, err)
	}

	logLevel, err := utilities.ParseLogLevel(config.Logging.Level)
	if err != nil {
		return utilities.AppConfig{}, nil, fmt.Errorf("%w: invalid log level in config: %v", utilities.ErrConfig, err)
	}

	return config, utilities.NewLogger(logLevel), nil
}

func main() {
	fmt.Printf("%s\n", banner)

	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, logger, err := LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.LogWarn("Received signal: %v, initiating graceful shutdown.", sig)
		cancel()
	}()

	if err := app.Run(ctx, &cfg, logger); err != nil {
		logger.LogError("Application terminated with error: %v", err)
		switch {
		case errors.Is(err, store.ErrUnavailable):
			os.Exit(2)
		default:
			os.Exit(1)
		}
	}

	logger.LogInfo("Coinpulse shutdown complete at %s", time.Now().Format(time.RFC1123))
}
