// Command hqttd publishes the displays, audio outputs, applications and power controls of the host it runs on to Home
// Assistant using MQTT discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nlowe/hqttd/config"
	hqttdlog "github.com/nlowe/hqttd/log"
)

var (
	configPath   = flag.String("config", "hqttd.yaml", "Path to the configuration file")
	writeDefault = flag.Bool("write-default", false, "Write the default configuration to -config and exit")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "hqttd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if *writeDefault {
		return config.WriteDefault(*configPath)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w (run with -write-default to create one)", err)
		}

		return err
	}

	hqttdlog.Configure(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newAgent(ctx, cfg)
	if err != nil {
		return err
	}

	return a.run(ctx)
}
