package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labpilot/labpilot/internal/buildinfo"
	"github.com/labpilot/labpilot/internal/config"
	"github.com/labpilot/labpilot/internal/daemon"
)

func main() {
	var showVersion bool
	var configPath string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if showVersion {
		fmt.Println(buildinfo.String())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		// Running without a config file is fine; an explicit -config that
		// cannot be read is not.
		if configPath != "" || !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("labpilotd: %v", err)
		}
		cfg = config.DefaultConfig()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Fatalf("labpilotd: %v", err)
	}
}
