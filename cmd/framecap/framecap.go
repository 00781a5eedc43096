package main

import (
	"context"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/framecap/server"
	"github.com/cyclopcam/framecap/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("framecap", "Capture encoded video frames on command, into a file or a ring buffer")
	configFile := parser.String("c", "config", &argparse.Options{Help: "TOML configuration file", Default: "/etc/framecap.toml"})
	paramsFile := parser.String("p", "params", &argparse.Options{Help: "Session parameters document (overrides the config file)", Default: ""})
	sourcePath := parser.String("s", "source", &argparse.Options{Help: "Frame source: unix socket, fifo, file, or '-' for stdin (overrides the config file)", Default: ""})
	outputPath := parser.String("o", "output", &argparse.Options{Help: "Output file, or '-' for stdout (overrides the config file)", Default: ""})
	ringSize := parser.String("", "ring", &argparse.Options{Help: "Ring buffer size, eg '256 MB' (overrides the config file)", Default: ""})
	watch := parser.Flag("w", "watch", &argparse.Options{Help: "Reconfigure whenever the session parameters document changes", Default: false})
	systemd := parser.Flag("", "systemd", &argparse.Options{Help: "Send readiness and status to systemd", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *paramsFile != "" {
		cfg.ParamsPath = *paramsFile
	}
	if *sourcePath != "" {
		cfg.Source = *sourcePath
	}
	if *outputPath != "" {
		cfg.Output = *outputPath
	}
	if *ringSize != "" {
		cfg.RingSize = *ringSize
	}
	if *watch {
		cfg.WatchParams = true
	}
	if *systemd {
		cfg.NotifySystemd = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if err := srv.Run(context.Background()); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
