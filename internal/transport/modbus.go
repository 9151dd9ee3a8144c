// Package transport reads register ranges from the RS-485 bus through the
// goburrow Modbus client, either directly over a local serial adapter (RTU)
// or through a Modbus TCP gateway.
package transport

import (
	"context"
	"fmt"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
)

// readFunc is the shape of the goburrow read calls: start address and
// quantity in, raw response payload out.
type readFunc func(start, count uint16) ([]byte, error)

// Modbus implements domain.RegisterReader on top of a goburrow client. One
// instance owns the link handle. The poll loop is its only caller and issues
// requests strictly one at a time, so no locking happens here; the unit ID is
// switched on the shared handler before each request.
type Modbus struct {
	client  modbus.Client
	connect func() error
	close   func() error
	setUnit func(byte)
	logger  zerolog.Logger
}

// New creates a transport for the configured link mode.
func New(cfg *config.Config) (*Modbus, error) {
	m := &Modbus{
		logger: log.With().Str("component", "transport").Logger(),
	}

	switch cfg.Serial.Mode {
	case "rtu":
		handler := modbus.NewRTUClientHandler(cfg.Serial.Port)
		handler.BaudRate = cfg.Serial.BaudRate
		handler.DataBits = cfg.Serial.DataBits
		handler.Parity = cfg.Serial.Parity
		handler.StopBits = cfg.Serial.StopBits
		handler.Timeout = cfg.SerialTimeout()
		m.client = modbus.NewClient(handler)
		m.connect = handler.Connect
		m.close = handler.Close
		m.setUnit = func(id byte) { handler.SlaveId = id }
	case "tcp":
		handler := modbus.NewTCPClientHandler(cfg.Serial.Port)
		handler.Timeout = cfg.SerialTimeout()
		m.client = modbus.NewClient(handler)
		m.connect = handler.Connect
		m.close = handler.Close
		m.setUnit = func(id byte) { handler.SlaveId = id }
	default:
		return nil, fmt.Errorf("unsupported serial mode: %s", cfg.Serial.Mode)
	}

	return m, nil
}

// Connect opens the serial port or gateway socket.
func (m *Modbus) Connect() error {
	if err := m.connect(); err != nil {
		return fmt.Errorf("failed to open link: %w", err)
	}
	m.logger.Info().Msg("Link opened")
	return nil
}

// Close releases the link.
func (m *Modbus) Close() error {
	m.logger.Debug().Msg("Closing link")
	return m.close()
}

// ReadInputRegisters reads count input registers starting at start.
func (m *Modbus) ReadInputRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return m.readWords(ctx, "read input registers", unitID, start, count, m.client.ReadInputRegisters)
}

// ReadHoldingRegisters reads count holding registers starting at start.
func (m *Modbus) ReadHoldingRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return m.readWords(ctx, "read holding registers", unitID, start, count, m.client.ReadHoldingRegisters)
}

// ReadCoils reads count coils starting at start. Each bit is returned as a
// 0/1 word.
func (m *Modbus) ReadCoils(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return m.readBits(ctx, "read coils", unitID, start, count, m.client.ReadCoils)
}

// ReadDiscreteInputs reads count discrete inputs starting at start. Each bit
// is returned as a 0/1 word.
func (m *Modbus) ReadDiscreteInputs(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return m.readBits(ctx, "read discrete inputs", unitID, start, count, m.client.ReadDiscreteInputs)
}

// readWords issues one register read and unpacks the big-endian payload into
// words. The handler timeout bounds the blocking read; the context is checked
// before the request goes out.
func (m *Modbus) readWords(ctx context.Context, op string, unitID byte, start, count uint16, read readFunc) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}

	m.setUnit(unitID)
	data, err := read(start, count)
	if err != nil {
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}
	if len(data) < int(count)*2 {
		err := fmt.Errorf("short response: %d bytes for %d registers", len(data), count)
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}

	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return words, nil
}

// readBits issues one bit read and unpacks the LSB-first payload into 0/1
// words.
func (m *Modbus) readBits(ctx context.Context, op string, unitID byte, start, count uint16, read readFunc) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}

	m.setUnit(unitID)
	data, err := read(start, count)
	if err != nil {
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}
	if len(data) < (int(count)+7)/8 {
		err := fmt.Errorf("short response: %d bytes for %d bits", len(data), count)
		return nil, &domain.TransportError{Op: op, UnitID: unitID, Start: start, Count: count, Err: err}
	}

	words := make([]uint16, count)
	for i := range words {
		if data[i/8]&(1<<(i%8)) != 0 {
			words[i] = 1
		}
	}
	return words, nil
}
