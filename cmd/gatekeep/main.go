package main

import (
	"flag"
	"fmt"
	"os"

	"gatekeep/internal/config"
	"gatekeep/internal/constants"
	"gatekeep/internal/logger"
	"gatekeep/internal/server"
	"gatekeep/internal/version"
)

func main() {
	// 0. Version flag
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("%s %s\n", constants.AppDisplayName, version.Version)
		os.Exit(0)
	}

	// 1. Bootstrap logger, stdout only until the working directory is known
	log := logger.New(constants.DefaultLogLevel)
	log.Info("%s version %s starting", constants.AppDisplayName, version.Version)

	// 2. Load or create config
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}

	// 3. Re-create logger with file logging under the working directory
	log = logger.NewWithOptions(logger.Options{
		Level:         cfg.LogLevel,
		WorkDir:       cfg.WorkingDirectory,
		WriteToStdout: true,
	})
	defer log.Close()
	cfg.LogEffectiveValues(log)

	// 4. Wire the engine and its stores
	app, err := server.NewApp(cfg, log)
	if err != nil {
		log.Error("Failed to initialize: %v", err)
		os.Exit(1)
	}

	// 5. Serve until shutdown signal
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := server.NewServer(app, addr)
	if err := srv.Start(); err != nil {
		log.Error("Server error: %v", err)
		os.Exit(1)
	}
}
