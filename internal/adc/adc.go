// Package adc reads the voltage-divided battery line. The conversion from
// ADC code to volts is a pure function; sampling goes through the Sampler
// interface so the rest of the node never touches hardware directly.
package adc

import (
	"errors"
	"fmt"
	"time"

	"github.com/sigurn/crc8"
	"periph.io/x/conn/v3/i2c"
)

// Default hardware parameters: 12-bit ADC, 3.3V reference, 30k/10k divider.
const (
	DefaultMaxCode      = 4095
	DefaultVRef         = 3.3
	DefaultDividerRatio = 4.0 // (R1 + R2) / R2 = (30k + 10k) / 10k
)

const (
	sampleCount = 10
	sampleDelay = 10 * time.Millisecond

	// Sampler MCU registers.
	convCtrlReg    = 0x10
	convResultReg  = 0x11
	convTriggerBit = 1 << 7

	maxReadyPolls     = 5
	readyPollInterval = 100 * time.Millisecond
)

var errBadCRC = errors.New("bad crc on conversion result")

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31,
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// CodeToVolts converts a raw ADC code to the battery voltage seen before
// the divider. Pure function.
func CodeToVolts(code, maxCode int, vref, dividerRatio float32) float32 {
	if maxCode <= 0 {
		return 0
	}
	pin := float32(code) / float32(maxCode) * vref
	return pin * dividerRatio
}

// Converter holds the ADC and divider parameters for a board revision.
type Converter struct {
	MaxCode      int
	VRef         float32
	DividerRatio float32
}

// DefaultConverter returns the parameters for the stock board.
func DefaultConverter() Converter {
	return Converter{
		MaxCode:      DefaultMaxCode,
		VRef:         DefaultVRef,
		DividerRatio: DefaultDividerRatio,
	}
}

// Volts converts a raw code using this converter's parameters.
func (c Converter) Volts(code int) float32 {
	return CodeToVolts(code, c.MaxCode, c.VRef, c.DividerRatio)
}

// Sampler supplies averaged battery voltage readings.
type Sampler interface {
	ReadVoltage() (float32, error)
}

// I2CSampler reads the sampler MCU over I2C. A conversion is started by
// setting the trigger bit in the control register; the MCU clears the bit
// when the result registers hold a fresh code. Results are framed
// [hi, lo, crc8].
type I2CSampler struct {
	dev  *i2c.Dev
	conv Converter
}

func NewI2CSampler(bus i2c.Bus, addr uint16, conv Converter) *I2CSampler {
	return &I2CSampler{
		dev:  &i2c.Dev{Bus: bus, Addr: addr},
		conv: conv,
	}
}

// ReadVoltage takes sampleCount conversions and returns the averaged
// battery voltage.
func (s *I2CSampler) ReadVoltage() (float32, error) {
	var sum int
	for i := 0; i < sampleCount; i++ {
		code, err := s.readCode()
		if err != nil {
			return 0, err
		}
		sum += int(code)
		time.Sleep(sampleDelay)
	}
	avg := sum / sampleCount
	return s.conv.Volts(avg), nil
}

func (s *I2CSampler) readCode() (uint16, error) {
	if _, err := s.dev.Write([]byte{convCtrlReg, convTriggerBit}); err != nil {
		return 0, fmt.Errorf("triggering conversion: %w", err)
	}

	// Wait for the trigger bit to clear, indicating a fresh result.
	ready := false
	for i := 0; i < maxReadyPolls; i++ {
		ctrl := make([]byte, 1)
		if err := s.dev.Tx([]byte{convCtrlReg}, ctrl); err != nil {
			return 0, err
		}
		if ctrl[0]&convTriggerBit == 0 {
			ready = true
			break
		}
		time.Sleep(readyPollInterval)
	}
	if !ready {
		return 0, errors.New("conversion did not complete")
	}

	result := make([]byte, 3)
	if err := s.dev.Tx([]byte{convResultReg}, result); err != nil {
		return 0, err
	}
	if crc8.Checksum(result[:2], crcTable) != result[2] {
		return 0, errBadCRC
	}
	return uint16(result[0])<<8 | uint16(result[1]), nil
}

// FixedSampler returns a constant voltage. Used by tests and by the
// --sim-voltage flag for bench work without the sampler MCU attached.
type FixedSampler struct {
	Voltage float32
	Err     error
}

func (f FixedSampler) ReadVoltage() (float32, error) {
	return f.Voltage, f.Err
}
