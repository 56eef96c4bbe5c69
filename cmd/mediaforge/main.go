package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/mediaforge/internal/app"
	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/interfaces"
	"github.com/ternarybob/mediaforge/internal/server"
	"github.com/ternarybob/mediaforge/internal/services/resources"
)

// Consumer contract: 0 on success, 1 on error, 130 on user interrupt
const (
	exitOK        = 0
	exitError     = 1
	exitInterrupt = 130
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("MediaForge version %s\n", common.GetVersion())
		return exitOK
	}

	// Shorthand port takes precedence
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Auto-discover config file if not specified
	if len(configFiles) == 0 {
		if _, err := os.Stat("mediaforge.toml"); err == nil {
			configFiles = append(configFiles, "mediaforge.toml")
		} else if _, err := os.Stat("deployments/local/mediaforge.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/mediaforge.toml")
		}
	}

	// Load configuration (defaults -> files -> env -> CLI)
	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitError
	}
	common.ApplyFlagOverrides(config, finalPort, *serverHost)

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Strs("config_files", configFiles).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("workspace", config.Workspace.Root).
		Msg("Application configuration loaded")

	application, err := app.New(config, logger, func(res *resources.Manager) interfaces.Pipeline {
		return newFFmpegPipeline(res, logger)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize application")
		return exitError
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start application")
		return exitError
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	exitCode := exitOK
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Interrupt signal received")
		if sig == os.Interrupt {
			exitCode = exitInterrupt
		}
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("Server failed")
			exitCode = exitError
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
		if exitCode == exitOK {
			exitCode = exitError
		}
	}
	application.Shutdown()

	return exitCode
}
