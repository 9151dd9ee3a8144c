// Package service provides the poll loop at the core of the application: it
// drives each configured controller through poll cycles on a fixed interval
// and fans the results out to the registry, MQTT and the monitoring service.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmppt/go-epever/internal/api"
	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/link"
	"github.com/openmppt/go-epever/internal/poller"
	"github.com/openmppt/go-epever/internal/quality"
	"github.com/openmppt/go-epever/internal/registers"
)

// PollService owns the poll loop and everything downstream of it. The RS-485
// bus is a shared medium, so all transport traffic happens on the loop's
// single goroutine; controllers are polled strictly one after another.
type PollService struct {
	config     *config.Config
	reader     domain.RegisterReader
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	registry   domain.Registry
	monitor    *link.Monitor
	apiServer  *api.Server
	pollers    []*poller.Poller

	mutex     sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	errChan   chan error
	wg        sync.WaitGroup

	logger    zerolog.Logger
	startTime time.Time
}

// NewPollService creates the poll service and one poller per configured
// controller.
func NewPollService(cfg *config.Config, reader domain.RegisterReader,
	publisher domain.MessagePublisher, monitoring domain.MonitoringService) (*PollService, error) {
	// Create device registry.
	registry := domain.NewDeviceRegistry()

	// Create logger with component context.
	logger := log.With().Str("component", "service").Logger()

	// Create link monitor with the configured down threshold.
	monitor := link.NewMonitor(cfg.Poll.LinkDownThreshold)

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}

	regmap, err := registers.Load(cfg.RegisterMap)
	if err != nil {
		return nil, fmt.Errorf("failed to load register map: %w", err)
	}
	logger.Info().
		Str("model", regmap.Model).
		Int("ranges", len(regmap.Ranges)).
		Msg("Register map loaded")

	validator := quality.NewValidator()

	// Create service instance.
	s := &PollService{
		config:     cfg,
		reader:     reader,
		publisher:  publisher,
		monitoring: monitoring,
		registry:   registry,
		monitor:    monitor,
		stopChan:   make(chan struct{}),
		errChan:    make(chan error, 1),
		logger:     logger,
	}

	for _, device := range cfg.Devices {
		if err := registry.RegisterDevice(device.Name, byte(device.UnitID)); err != nil {
			return nil, fmt.Errorf("failed to register device %s: %w", device.Name, err)
		}
		s.pollers = append(s.pollers, poller.New(cfg, device, reader, regmap, validator, loc))
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		s.apiServer = api.NewServer(cfg, registry, monitor)
	}

	return s, nil
}

// Start opens the link and starts the poll loop.
func (s *PollService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return fmt.Errorf("service is already running")
	}

	// Record start time.
	s.startTime = time.Now()

	if err := s.reader.Connect(); err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}

	// Start HTTP API server if enabled.
	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.pollLoop(ctx)
	s.isRunning = true

	s.logger.Info().
		Dur("interval", s.config.PollInterval()).
		Int("devices", len(s.pollers)).
		Msg("Poll service started")

	return nil
}

// Stop gracefully shuts down the poll loop and all downstream components.
func (s *PollService) Stop(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return nil
	}

	s.logger.Info().Msg("Stopping poll service")

	// Signal shutdown and wait for the loop to drain.
	close(s.stopChan)
	s.wg.Wait()
	s.isRunning = false

	// Stop API server
	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	// Release the serial link
	if err := s.reader.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close link")
	}

	// Close message publisher
	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	// Close monitoring service
	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	return nil
}

// Err reports unrecoverable conditions of the poll loop, currently only
// link.ErrLinkDown once every configured controller stopped answering. The
// daemon exits on the first error received so a supervisor can restart it
// with a fresh serial handle.
func (s *PollService) Err() <-chan error {
	return s.errChan
}

// Registry exposes the device registry backing the HTTP API.
func (s *PollService) Registry() domain.Registry {
	return s.registry
}

// LinkMonitor exposes the per-controller link health tracker.
func (s *PollService) LinkMonitor() *link.Monitor {
	return s.monitor
}

// pollLoop runs poll rounds until stopped. The first round starts right away
// so the daemon produces data without waiting out a full interval.
func (s *PollService) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PollInterval())
	defer ticker.Stop()

	s.runRound(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runRound(ctx)
		}
	}
}

// runRound polls every configured controller once, in order.
func (s *PollService) runRound(ctx context.Context) {
	for _, p := range s.pollers {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		result := p.RunCycle(ctx)
		s.dispatch(ctx, result)
	}
}

// dispatch records one poll result and publishes it. Downstream failures are
// logged, never propagated: a dead broker must not stall the bus.
func (s *PollService) dispatch(ctx context.Context, result *domain.PollResult) {
	if err := s.registry.UpdateResult(result.Device, result); err != nil {
		s.logger.Error().
			Str("device", result.Device).
			Err(err).
			Msg("Failed to record poll result")
	}

	state, crossed := s.monitor.RecordOutcome(result.Device, result.Outcome, result.Timestamp)
	if err := s.registry.SetOnline(result.Device, state != link.StateDown); err != nil {
		s.logger.Error().
			Str("device", result.Device).
			Err(err).
			Msg("Failed to update link state")
	}

	// One controller down keeps the loop polling the others; all of them
	// down means the bus or the adapter is gone and a process restart is
	// the only way back.
	if crossed && s.monitor.AllDown() {
		s.fail(link.ErrLinkDown)
	}

	if result.Outcome == domain.OutcomeTotalFailure {
		return
	}

	// Publish to message broker
	if err := s.publisher.Publish(ctx, s.config.MQTT.Topic, result); err != nil {
		s.logger.Error().
			Str("device", result.Device).
			Err(err).
			Msg("Failed to publish message")
	}

	// Send to monitoring service
	if err := s.monitoring.Send(ctx, result); err != nil {
		s.logger.Error().
			Str("device", result.Device).
			Err(err).
			Msg("Failed to send to monitoring service")
	}

	s.logger.Debug().
		Str("device", result.Device).
		Str("outcome", result.Outcome.String()).
		Int("values", len(result.Values)).
		Msg("Processed poll cycle")
}

// fail hands an unrecoverable error to the daemon exactly once.
func (s *PollService) fail(err error) {
	select {
	case s.errChan <- err:
	default:
	}
}
