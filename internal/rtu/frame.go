// Package rtu provides Modbus RTU frame encoding and decoding for the bench
// simulator and its tests. The daemon itself reads through the goburrow
// client; this package exists so a simulated controller can answer it on the
// other end of the wire.
package rtu

import (
	"fmt"

	"github.com/sigurn/crc16"
)

// Function codes used by the Tracer register map.
const (
	FuncReadCoils          = 0x01
	FuncReadDiscreteInputs = 0x02
	FuncReadHolding        = 0x03
	FuncReadInput          = 0x04
)

// Exception codes per the Modbus application protocol.
const (
	ExceptionIllegalFunction     = 0x01
	ExceptionIllegalDataAddress  = 0x02
	ExceptionIllegalDataValue    = 0x03
	ExceptionServerDeviceFailure = 0x04
)

// RequestLength is the fixed ADU size of read and single-write requests.
// Framing leans on it: the simulator reads exactly this many bytes per
// request instead of timing inter-frame gaps.
const RequestLength = 8

// Request is a decoded read request. For the read functions Start and Count
// carry the range; a single-write request parses into the same shape with the
// written value in Count.
type Request struct {
	UnitID   byte
	Function byte
	Start    uint16
	Count    uint16
}

// Response is a decoded reply frame. Exception is nonzero when the device
// answered with an error frame; Payload then stays empty.
type Response struct {
	UnitID    byte
	Function  byte
	Exception byte
	Payload   []byte
}

// Codec builds and parses RTU application data units.
type Codec struct {
	crcTable *crc16.Table
}

// NewCodec creates a codec with the Modbus CRC table.
func NewCodec() *Codec {
	return &Codec{
		crcTable: crc16.MakeTable(crc16.CRC16_MODBUS),
	}
}

// checksum computes the frame CRC in wire order, low byte first.
func (c *Codec) checksum(data []byte) []byte {
	crc := crc16.Checksum(data, c.crcTable)
	return []byte{byte(crc & 0xFF), byte(crc >> 8)}
}

// verify checks the trailing CRC of a frame.
func (c *Codec) verify(frame []byte) error {
	data := frame[:len(frame)-2]
	want := crc16.Checksum(data, c.crcTable)
	got := uint16(frame[len(frame)-2]) | uint16(frame[len(frame)-1])<<8
	if got != want {
		return fmt.Errorf("CRC validation failed: expected 0x%04X, got 0x%04X", want, got)
	}
	return nil
}

// BuildRequest encodes a read request frame.
func (c *Codec) BuildRequest(req Request) []byte {
	frame := []byte{
		req.UnitID,
		req.Function,
		byte(req.Start >> 8), byte(req.Start & 0xFF),
		byte(req.Count >> 8), byte(req.Count & 0xFF),
	}
	return append(frame, c.checksum(frame)...)
}

// ParseRequest decodes one fixed-length request frame.
func (c *Codec) ParseRequest(frame []byte) (*Request, error) {
	if len(frame) != RequestLength {
		return nil, fmt.Errorf("request frame must be %d bytes, got %d", RequestLength, len(frame))
	}
	if err := c.verify(frame); err != nil {
		return nil, err
	}

	return &Request{
		UnitID:   frame[0],
		Function: frame[1],
		Start:    uint16(frame[2])<<8 | uint16(frame[3]),
		Count:    uint16(frame[4])<<8 | uint16(frame[5]),
	}, nil
}

// BuildWordResponse encodes a register read reply carrying words.
func (c *Codec) BuildWordResponse(unitID, function byte, words []uint16) []byte {
	frame := make([]byte, 0, 3+2*len(words)+2)
	frame = append(frame, unitID, function, byte(2*len(words)))
	for _, w := range words {
		frame = append(frame, byte(w>>8), byte(w&0xFF))
	}
	return append(frame, c.checksum(frame)...)
}

// BuildBitResponse encodes a coil or discrete input read reply. Bits are
// packed LSB first.
func (c *Codec) BuildBitResponse(unitID, function byte, bits []bool) []byte {
	byteCount := (len(bits) + 7) / 8
	packed := make([]byte, byteCount)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}

	frame := make([]byte, 0, 3+byteCount+2)
	frame = append(frame, unitID, function, byte(byteCount))
	frame = append(frame, packed...)
	return append(frame, c.checksum(frame)...)
}

// BuildException encodes an exception reply for the given request function.
func (c *Codec) BuildException(unitID, function, code byte) []byte {
	frame := []byte{unitID, function | 0x80, code}
	return append(frame, c.checksum(frame)...)
}

// ParseResponse decodes a reply frame, either a data reply or an exception.
func (c *Codec) ParseResponse(frame []byte) (*Response, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("response frame too short: %d bytes", len(frame))
	}
	if err := c.verify(frame); err != nil {
		return nil, err
	}

	resp := &Response{
		UnitID:   frame[0],
		Function: frame[1] &^ 0x80,
	}

	if frame[1]&0x80 != 0 {
		resp.Exception = frame[2]
		return resp, nil
	}

	byteCount := int(frame[2])
	if len(frame) != 3+byteCount+2 {
		return nil, fmt.Errorf("response byte count %d does not match frame length %d", byteCount, len(frame))
	}
	resp.Payload = frame[3 : 3+byteCount]
	return resp, nil
}
