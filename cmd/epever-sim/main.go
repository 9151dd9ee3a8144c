package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goburrow/serial"

	"github.com/openmppt/go-epever/internal/rtu"
)

// Protocol addresses the simulator reseeds between polls. The rest of the
// register bank is seeded once from literals below.
const (
	addrPVVoltage       = 0x3100
	addrPVCurrent       = 0x3101
	addrPVPower         = 0x3102
	addrBatteryVoltage  = 0x3104
	addrChargingCurrent = 0x3105
	addrChargingPower   = 0x3106
	addrLoadVoltage     = 0x310C
	addrLoadCurrent     = 0x310D
	addrLoadPower       = 0x310E
	addrDeviceTemp      = 0x3111
	addrGeneratedToday  = 0x330C
	addrGeneratedMonth  = 0x330E
	addrGeneratedYear   = 0x3310
	addrGeneratedTotal  = 0x3312
	addrNetCurrent      = 0x331B
)

// registerBank holds one simulated controller's register state.
type registerBank struct {
	input     map[uint16]uint16
	holding   map[uint16]uint16
	coils     map[uint16]bool
	discretes map[uint16]bool
}

// newRegisterBank seeds a bank with a plausible operating point for a
// Tracer4210AN on a 12 V battery. Night mode zeroes the PV side and parks
// the charger.
func newRegisterBank(night bool) *registerBank {
	b := &registerBank{
		input:     make(map[uint16]uint16),
		holding:   make(map[uint16]uint16),
		coils:     make(map[uint16]bool),
		discretes: make(map[uint16]bool),
	}

	// Rated data.
	b.input[0x3000] = 10000 // array voltage limit 100.00 V
	b.input[0x3001] = 4000  // charge current limit 40.00 A
	b.setWide(0x3002, 52000)
	b.input[0x3004] = 1200
	b.input[0x3005] = 4000
	b.setWide(0x3006, 52000)
	b.input[0x3008] = 1

	// Midday operating point.
	b.input[addrPVVoltage] = 6850 // 68.50 V
	b.input[addrPVCurrent] = 312  // 3.12 A
	b.setWide(addrPVPower, 21372) // 213.72 W
	b.input[addrBatteryVoltage] = 1342
	b.input[addrChargingCurrent] = 1528
	b.setWide(addrChargingPower, 20517)

	b.input[addrLoadVoltage] = 1342
	b.input[addrLoadCurrent] = 125 // 1.25 A
	b.setWide(addrLoadPower, 1677)

	b.input[0x3110] = 1850 // battery 18.50 °C
	b.input[addrDeviceTemp] = 2690
	b.input[0x311A] = 78 // SOC %

	b.input[0x3200] = 0x0000 // battery normal
	b.input[0x3201] = 0x0009 // charger running, boost stage
	b.input[0x3202] = 0x0001 // load output running

	// Daily extremes and energy counters.
	b.input[0x3300] = 8000
	b.input[0x3301] = 50
	b.input[0x3302] = 1440
	b.input[0x3303] = 1280
	b.setWide(0x3304, 42) // consumed today 0.42 kWh
	b.setWide(0x3306, 1260)
	b.setWide(0x3308, 9640)
	b.setWide(0x330A, 23380)
	b.setWide(addrGeneratedToday, 85) // generated today 0.85 kWh
	b.setWide(addrGeneratedMonth, 2450)
	b.setWide(addrGeneratedYear, 18730)
	b.setWide(addrGeneratedTotal, 41260)
	b.setWide(0x3314, 41)                 // CO2 reduction 0.41 t
	b.setWideSigned(addrNetCurrent, 1403) // +14.03 A into the battery
	b.input[0x331E] = 1920                // ambient 19.20 °C

	b.holding[0x9007] = 1440 // boost 14.40 V
	b.holding[0x9008] = 1380 // float 13.80 V

	b.coils[0x0002] = true // load switch on
	b.discretes[0x2000] = false
	b.discretes[0x200C] = night

	if night {
		b.input[addrPVVoltage] = 150 // open-circuit moonlight, 1.50 V
		b.input[addrPVCurrent] = 0
		b.setWide(addrPVPower, 0)
		b.input[addrChargingCurrent] = 0
		b.setWide(addrChargingPower, 0)
		b.input[0x3201] = 0x0000              // charger idle
		b.setWideSigned(addrNetCurrent, -125) // load draining the battery
	}

	return b
}

// setWide stores a 32-bit value as two words, low word first.
func (b *registerBank) setWide(addr uint16, v uint32) {
	b.input[addr] = uint16(v & 0xFFFF)
	b.input[addr+1] = uint16(v >> 16)
}

func (b *registerBank) setWideSigned(addr uint16, v int32) {
	b.setWide(addr, uint32(v))
}

func (b *registerBank) readWide(addr uint16) uint32 {
	return uint32(b.input[addr+1])<<16 | uint32(b.input[addr])
}

func (b *registerBank) bumpWide(addr uint16, delta uint32) {
	b.setWide(addr, b.readWide(addr)+delta)
}

// jitter wiggles the live operating point between polls, keeping the derived
// power and current registers consistent with the voltages.
func (b *registerBank) jitter(rng *rand.Rand, night bool) {
	if night {
		return
	}

	pv := wiggle(rng, b.input[addrPVVoltage], 30, 5500, 9000)
	amps := wiggle(rng, b.input[addrPVCurrent], 15, 50, 450)
	b.input[addrPVVoltage] = pv
	b.input[addrPVCurrent] = amps
	power := uint32(pv) * uint32(amps) / 100
	b.setWide(addrPVPower, power)

	batt := wiggle(rng, b.input[addrBatteryVoltage], 4, 1250, 1460)
	b.input[addrBatteryVoltage] = batt
	charging := power * 96 / 100
	b.setWide(addrChargingPower, charging)
	b.input[addrChargingCurrent] = uint16(charging * 100 / uint32(batt))

	load := wiggle(rng, b.input[addrLoadCurrent], 10, 0, 600)
	b.input[addrLoadVoltage] = batt
	b.input[addrLoadCurrent] = load
	b.setWide(addrLoadPower, uint32(batt)*uint32(load)/100)

	b.input[addrDeviceTemp] = wiggle(rng, b.input[addrDeviceTemp], 8, 1500, 4200)
	b.setWideSigned(addrNetCurrent, int32(b.input[addrChargingCurrent])-int32(load))

	// The energy counters tick up a hundredth of a kWh now and then.
	if rng.Float64() < 0.05 {
		for _, addr := range []uint16{addrGeneratedToday, addrGeneratedMonth, addrGeneratedYear, addrGeneratedTotal} {
			b.bumpWide(addr, 1)
		}
	}
}

// wiggle moves v by at most span counts and clamps the result to [lo, hi].
func wiggle(rng *rand.Rand, v uint16, span, lo, hi int) uint16 {
	n := int(v) + rng.Intn(2*span+1) - span
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return uint16(n)
}

// ControllerSimulator answers Modbus RTU read requests on a serial port the
// way an EPEVER Tracer charge controller on the bus would.
type ControllerSimulator struct {
	portName string
	baudRate int
	unitIDs  []byte
	banks    map[byte]*registerBank
	night    bool
	dropRate float64
	verbose  bool

	codec *rtu.Codec
	rng   *rand.Rand

	requestCount   int
	exceptionCount int
	droppedCount   int
}

// NewControllerSimulator creates a simulator answering for the given unit IDs.
func NewControllerSimulator(portName string, baudRate int, unitIDs []byte, night bool, dropRate float64, verbose bool) *ControllerSimulator {
	banks := make(map[byte]*registerBank, len(unitIDs))
	for _, id := range unitIDs {
		banks[id] = newRegisterBank(night)
	}

	return &ControllerSimulator{
		portName: portName,
		baudRate: baudRate,
		unitIDs:  unitIDs,
		banks:    banks,
		night:    night,
		dropRate: dropRate,
		verbose:  verbose,
		codec:    rtu.NewCodec(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// serve handles one request frame and returns the reply, or nil when a real
// slave would stay silent (wrong address, bad CRC, injected drop).
func (sim *ControllerSimulator) serve(frame []byte) []byte {
	req, err := sim.codec.ParseRequest(frame)
	if err != nil {
		if sim.verbose {
			log.Printf("❌ Unreadable frame, staying silent: %v", err)
		}
		return nil
	}

	bank, ok := sim.banks[req.UnitID]
	if !ok {
		// Request for another address on the bus.
		return nil
	}

	if sim.dropRate > 0 && sim.rng.Float64() < sim.dropRate {
		sim.droppedCount++
		if sim.verbose {
			log.Printf("🔇 Dropping request for unit %d (simulated bus fault)", req.UnitID)
		}
		return nil
	}

	if sim.verbose {
		log.Printf("📥 unit %d func 0x%02X start 0x%04X count %d",
			req.UnitID, req.Function, req.Start, req.Count)
	}

	var resp []byte
	switch req.Function {
	case rtu.FuncReadInput:
		// A realtime read marks the top of a poll cycle.
		if req.Start == addrPVVoltage {
			bank.jitter(sim.rng, sim.night)
		}
		resp = sim.readWords(bank.input, req)
	case rtu.FuncReadHolding:
		resp = sim.readWords(bank.holding, req)
	case rtu.FuncReadCoils:
		resp = sim.readBits(bank.coils, req)
	case rtu.FuncReadDiscreteInputs:
		resp = sim.readBits(bank.discretes, req)
	default:
		sim.exceptionCount++
		resp = sim.codec.BuildException(req.UnitID, req.Function, rtu.ExceptionIllegalFunction)
	}

	if sim.verbose {
		log.Printf("📤 %s", hex.EncodeToString(resp))
	}
	return resp
}

// readWords answers a word read. Reserved holes inside a defined block read
// back as zero, like the real unit; a request that touches nothing defined
// gets the address exception.
func (sim *ControllerSimulator) readWords(bank map[uint16]uint16, req *rtu.Request) []byte {
	if req.Count == 0 || req.Count > 125 {
		sim.exceptionCount++
		return sim.codec.BuildException(req.UnitID, req.Function, rtu.ExceptionIllegalDataValue)
	}

	words := make([]uint16, req.Count)
	known := false
	for i := range words {
		if v, ok := bank[req.Start+uint16(i)]; ok {
			words[i] = v
			known = true
		}
	}
	if !known {
		sim.exceptionCount++
		return sim.codec.BuildException(req.UnitID, req.Function, rtu.ExceptionIllegalDataAddress)
	}
	return sim.codec.BuildWordResponse(req.UnitID, req.Function, words)
}

// readBits answers a coil or discrete input read.
func (sim *ControllerSimulator) readBits(bank map[uint16]bool, req *rtu.Request) []byte {
	if req.Count == 0 || req.Count > 2000 {
		sim.exceptionCount++
		return sim.codec.BuildException(req.UnitID, req.Function, rtu.ExceptionIllegalDataValue)
	}

	bits := make([]bool, req.Count)
	known := false
	for i := range bits {
		if v, ok := bank[req.Start+uint16(i)]; ok {
			bits[i] = v
			known = true
		}
	}
	if !known {
		sim.exceptionCount++
		return sim.codec.BuildException(req.UnitID, req.Function, rtu.ExceptionIllegalDataAddress)
	}
	return sim.codec.BuildBitResponse(req.UnitID, req.Function, bits)
}

// Run opens the serial port and answers requests until the context is done.
func (sim *ControllerSimulator) Run(ctx context.Context) error {
	log.Printf("🔌 Starting EPEVER Tracer simulator")
	log.Printf("   Serial Port: %s @ %d baud", sim.portName, sim.baudRate)
	log.Printf("   Unit IDs: %v", sim.unitIDs)
	log.Printf("   Night Mode: %v", sim.night)
	if sim.dropRate > 0 {
		log.Printf("   Drop Rate: %.0f%%", sim.dropRate*100)
	}
	log.Printf("")

	port, err := serial.Open(&serial.Config{
		Address:  sim.portName,
		BaudRate: sim.baudRate,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		// The read timeout keeps the loop responsive to shutdown.
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", sim.portName, err)
	}
	defer port.Close()

	log.Printf("📡 Listening for poll requests")
	log.Printf("Press Ctrl+C to stop...")
	log.Printf("")

	startTime := time.Now()
	frame := make([]byte, rtu.RequestLength)

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			log.Printf("")
			log.Printf("🛑 Simulator stopped")
			log.Printf("   Requests served: %d", sim.requestCount)
			log.Printf("   Exceptions: %d, dropped: %d", sim.exceptionCount, sim.droppedCount)
			log.Printf("   Runtime: %v", elapsed.Round(time.Second))
			if sim.requestCount > 0 {
				log.Printf("   Average rate: %.2f requests/min", float64(sim.requestCount)/elapsed.Minutes())
			}
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(port, frame)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				if n > 0 && sim.verbose {
					log.Printf("❌ Discarding %d stray bytes: %s", n, hex.EncodeToString(frame[:n]))
				}
				continue
			}
			return fmt.Errorf("serial read failed: %w", err)
		}

		resp := sim.serve(frame)
		if resp == nil {
			continue
		}
		if _, err := port.Write(resp); err != nil {
			return fmt.Errorf("serial write failed: %w", err)
		}

		sim.requestCount++
		if !sim.verbose && sim.requestCount%100 == 0 {
			elapsed := time.Since(startTime)
			log.Printf("📊 Served %d requests in %v (%.1f requests/min)",
				sim.requestCount, elapsed.Round(time.Second), float64(sim.requestCount)/elapsed.Minutes())
		}
	}
}

// parseUnits parses a comma-separated list of Modbus unit IDs.
func parseUnits(s string) ([]byte, error) {
	var units []byte
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 1 || n > 247 {
			return nil, fmt.Errorf("invalid unit ID %q (want 1-247)", part)
		}
		units = append(units, byte(n))
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("no unit IDs given")
	}
	return units, nil
}

func main() {
	var (
		portName = flag.String("port", "/dev/ttyUSB1", "Serial device to answer on (e.g. one end of a socat pty pair)")
		baudRate = flag.Int("baud", 115200, "Serial baud rate")
		units    = flag.String("units", "1", "Comma-separated Modbus unit IDs to answer for")
		night    = flag.Bool("night", false, "Simulate nighttime (no PV input, charger idle)")
		dropRate = flag.Float64("drop", 0, "Probability of silently dropping a request (0-1)")
		verbose  = flag.Bool("verbose", false, "Enable verbose logging")
		help     = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		fmt.Printf("EPEVER Tracer Simulator for go-epever\n\n")
		fmt.Printf("This tool answers Modbus RTU read requests on a serial port the way a\n")
		fmt.Printf("Tracer charge controller would, so the poll daemon can be exercised on\n")
		fmt.Printf("a bench without hardware.\n\n")
		fmt.Printf("Usage:\n")
		flag.PrintDefaults()
		fmt.Printf("\nExample:\n")
		fmt.Printf("  %s -port /dev/pts/3 -verbose\n", os.Args[0])
		fmt.Printf("  %s -port /dev/ttyUSB1 -units 1,2 -drop 0.2\n", os.Args[0])
		fmt.Printf("\nFor a local bench, create a linked pty pair and point the daemon at\n")
		fmt.Printf("the other end:\n")
		fmt.Printf("  socat -d -d pty,raw,echo=0 pty,raw,echo=0\n")
		os.Exit(0)
	}

	unitIDs, err := parseUnits(*units)
	if err != nil {
		log.Fatalf("❌ Invalid -units value: %v", err)
	}
	if *dropRate < 0 || *dropRate > 1 {
		log.Fatalf("❌ Invalid -drop value %v: must be between 0 and 1", *dropRate)
	}

	sim := NewControllerSimulator(*portName, *baudRate, unitIDs, *night, *dropRate, *verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("\n⚠️  Received signal %v, shutting down...", sig)
		cancel()
	}()

	if err := sim.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("❌ Simulator error: %v", err)
	}
}
