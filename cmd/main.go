// Package main provides the entry point for the go-epever daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/pubsub"
	"github.com/openmppt/go-epever/internal/service"
	pvoutput "github.com/openmppt/go-epever/internal/service/pvoutput"
	"github.com/openmppt/go-epever/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run() // run() returns an int
	os.Exit(code) // os.Exit is called after deferred functions in run() execute
}

func run() int {
	// Parse command line flags
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	// Show version if requested
	if *showVersion {
		fmt.Printf("go-epever %s\n", Version)
		return 0
	}

	// Initialize context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-epever")

	// Log the effective configuration
	cfg.Print()

	// Initialize the Modbus transport
	reader, err := transport.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize transport")
		return 1
	}

	// Initialize MQTT publisher
	var publisher domain.MessagePublisher
	if cfg.MQTT.Enabled {
		mqttPublisher := pubsub.NewMQTTPublisher(cfg)
		if err := mqttPublisher.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
			publisher = pubsub.NewNoopPublisher()
		} else {
			publisher = mqttPublisher
			log.Info().Msg("MQTT publisher connected successfully")
		}
	} else {
		log.Info().Msg("MQTT disabled, using noop publisher")
		publisher = pubsub.NewNoopPublisher()
	}

	// Initialize PVOutput service
	var monitoringService domain.MonitoringService
	if cfg.PVOutput.Enabled {
		pvoutClient := pvoutput.NewClient(cfg)
		if err := pvoutClient.Connect(); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
			monitoringService = pvoutput.NewNoopClient()
		} else {
			monitoringService = pvoutClient
		}
	} else {
		// Use NoopClient when PVOutput is disabled
		monitoringService = pvoutput.NewNoopClient()
	}

	// Create and start the poll service
	srv, err := service.NewPollService(cfg, reader, publisher, monitoringService)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create poll service")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start poll service")
		return 1
	}

	log.Info().
		Str("port", cfg.Serial.Port).
		Int("devices", len(cfg.Devices)).
		Msg("Poll service started successfully")

	// Handle graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for a shutdown signal or an unrecoverable poll loop failure
	exitCode := 0
	select {
	case sig := <-signalChan:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-srv.Err():
		log.Error().Err(err).Msg("Poll loop failed, exiting for supervisor restart")
		exitCode = 1
	}

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop the service
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping service")
		return 1
	}

	log.Info().Msg("Service stopped")
	return exitCode
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
