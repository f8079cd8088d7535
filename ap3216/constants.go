package ap3216

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	AP3216_ADDR uint16 = 0x1E ///< Fixed 7-bit I2C address
)

// Time for one ALS+PS conversion cycle (ALS 100ms + PS 12.5ms) with some margin.
const AP3216_ALS_PS_CONVERSION_TIME = 125 * time.Millisecond

// AP3216 Register map
const (
	// System registers
	AP3216_REGISTER_SYSTEM_CONFIG    byte = 0x00 // Operating mode
	AP3216_REGISTER_INT_STATUS       byte = 0x01 // Interrupt status, write to clear
	AP3216_REGISTER_INT_CLEAR_MANNER byte = 0x02 // Clear on data read (0) or manually (1)
	AP3216_REGISTER_IR_DATA_LOW      byte = 0x0A // IR data, bits 0-1 + overflow flag in bit 7
	AP3216_REGISTER_IR_DATA_HIGH     byte = 0x0B // IR data, bits 2-9
	AP3216_REGISTER_ALS_DATA_LOW     byte = 0x0C // ALS data, low byte
	AP3216_REGISTER_ALS_DATA_HIGH    byte = 0x0D // ALS data, high byte
	AP3216_REGISTER_PS_DATA_LOW      byte = 0x0E // PS data, bits 0-3 + invalid flag in bit 6
	AP3216_REGISTER_PS_DATA_HIGH     byte = 0x0F // PS data, bits 4-9 + object flag in bit 7

	// ALS registers
	AP3216_REGISTER_ALS_CONFIG              byte = 0x10 // Lux range (bits 4-5), persist filter (bits 0-3)
	AP3216_REGISTER_ALS_CALIBRATION         byte = 0x19 // Calibration factor, 1/64 steps
	AP3216_REGISTER_ALS_LOW_THRESHOLD_LOW   byte = 0x1A // ALS low threshold lower byte
	AP3216_REGISTER_ALS_LOW_THRESHOLD_HIGH  byte = 0x1B // ALS low threshold upper byte
	AP3216_REGISTER_ALS_HIGH_THRESHOLD_LOW  byte = 0x1C // ALS high threshold lower byte
	AP3216_REGISTER_ALS_HIGH_THRESHOLD_HIGH byte = 0x1D // ALS high threshold upper byte

	// PS registers
	AP3216_REGISTER_PS_CONFIG              byte = 0x20 // Integration time (4-7), gain (2-3), persist (0-1)
	AP3216_REGISTER_PS_LED_DRIVER          byte = 0x21 // LED pulses (4-5), LED current (0-1)
	AP3216_REGISTER_PS_INT_FORM            byte = 0x22 // Zone or hysteresis interrupt
	AP3216_REGISTER_PS_MEAN_TIME           byte = 0x23 // Averaging window
	AP3216_REGISTER_PS_LED_WAITING_TIME    byte = 0x24 // LED waiting time, 0-63
	AP3216_REGISTER_PS_CALIBRATION_L       byte = 0x28 // Calibration, bit 0
	AP3216_REGISTER_PS_CALIBRATION_H       byte = 0x29 // Calibration, bits 1-8
	AP3216_REGISTER_PS_LOW_THRESHOLD_LOW   byte = 0x2A // PS low threshold bits 0-1
	AP3216_REGISTER_PS_LOW_THRESHOLD_HIGH  byte = 0x2B // PS low threshold bits 2-9
	AP3216_REGISTER_PS_HIGH_THRESHOLD_LOW  byte = 0x2C // PS high threshold bits 0-1
	AP3216_REGISTER_PS_HIGH_THRESHOLD_HIGH byte = 0x2D // PS high threshold bits 2-9
)

// Bit fields shared between registers
const (
	maskMode           byte = 0b00000111
	maskIntStatus      byte = 0b00000011
	maskIntClearManner byte = 0b00000001
	maskIRLow          byte = 0b00000011
	maskIROverflow     byte = 0b10000000
	maskPSLow          byte = 0b00001111
	maskPSHigh         byte = 0b00111111
	maskPSInvalid      byte = 0b01000000
	maskObjectNear     byte = 0b10000000

	maskLuxRange    byte = 0b00110000
	maskALSPersist  byte = 0b00001111
	maskPSIntegTime byte = 0b11110000
	maskPSGain      byte = 0b00001100
	maskPSPersist   byte = 0b00000011
	maskLEDPulses   byte = 0b00110000
	maskLEDCurrent  byte = 0b00000011

	maskPSThreshLow uint16 = 0b00000011
	maskPSCalibLow  uint16 = 0b00000001

	maxLEDWaitingTime uint8 = 63
)

const (
	AP3216_CLR_INT_BY_DATA_READ byte = 0 ///< Interrupt clears when the data registers are read
	AP3216_CLR_INT_MANUALLY     byte = 1 ///< Interrupt clears when written to INT_STATUS

	AP3216_LED_16_7 uint8 = 0 ///< 16.7% LED drive current
	AP3216_LED_33_3 uint8 = 1 ///< 33.3% LED drive current
	AP3216_LED_66_7 uint8 = 2 ///< 66.7% LED drive current
	AP3216_LED_100  uint8 = 3 ///< 100% LED drive current

	AP3216_INT_MODE_ZONE       uint8 = 0
	AP3216_INT_MODE_HYSTERESIS uint8 = 1

	AP3216_PS_MEAN_TIME_12_5 uint8 = 0 ///< 12.5 ms
	AP3216_PS_MEAN_TIME_25   uint8 = 1 ///< 25 ms
	AP3216_PS_MEAN_TIME_37_5 uint8 = 2 ///< 37.5 ms
	AP3216_PS_MEAN_TIME_50   uint8 = 3 ///< 50 ms
)

// Mode is the operating mode written to the system configuration register.
type Mode byte

const (
	AP3216_POWER_DOWN  Mode = 0b000
	AP3216_ALS         Mode = 0b001
	AP3216_PS          Mode = 0b010
	AP3216_ALS_PS      Mode = 0b011
	AP3216_RESET       Mode = 0b100
	AP3216_ALS_ONCE    Mode = 0b101
	AP3216_PS_ONCE     Mode = 0b110
	AP3216_ALS_PS_ONCE Mode = 0b111
)

// LuxRange is the ALS full-scale range, pre-shifted into bits 4-5 of ALS_CONFIG.
type LuxRange byte

const (
	AP3216_RANGE_20661 LuxRange = 0b00000000
	AP3216_RANGE_5162  LuxRange = 0b00010000
	AP3216_RANGE_1291  LuxRange = 0b00100000
	AP3216_RANGE_323   LuxRange = 0b00110000
)

// IntStatus is the 2-bit interrupt flag snapshot.
type IntStatus byte

const (
	AP3216_NO_INT     IntStatus = 0b00
	AP3216_ALS_INT    IntStatus = 0b01
	AP3216_PS_INT     IntStatus = 0b10
	AP3216_ALS_PS_INT IntStatus = 0b11
)

var (
	ErrUnknownMode     = errors.New("ap3216: unknown mode")
	ErrUnknownLuxRange = errors.New("ap3216: unknown lux range")
)

// Lux per raw count. The full 16-bit count maps onto each range's rated maximum.
func LuxRangeFactor(r LuxRange) float64 {
	switch r {
	case AP3216_RANGE_20661:
		return 0.35
	case AP3216_RANGE_5162:
		return 0.0788
	case AP3216_RANGE_1291:
		return 0.0197
	case AP3216_RANGE_323:
		return 0.0049
	default:
		return 0.35
	}
}

func LuxRangeToString(r LuxRange) string {
	switch r {
	case AP3216_RANGE_20661:
		return "20661 lux"
	case AP3216_RANGE_5162:
		return "5162 lux"
	case AP3216_RANGE_1291:
		return "1291 lux"
	case AP3216_RANGE_323:
		return "323 lux"
	default:
		return "Unknown"
	}
}

// ParseLuxRange maps a full-scale lux value to its range code.
func ParseLuxRange(lux int) (LuxRange, error) {
	switch lux {
	case 20661:
		return AP3216_RANGE_20661, nil
	case 5162:
		return AP3216_RANGE_5162, nil
	case 1291:
		return AP3216_RANGE_1291, nil
	case 323:
		return AP3216_RANGE_323, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnknownLuxRange, lux)
	}
}

var modeNames = map[Mode]string{
	AP3216_POWER_DOWN:  "power-down",
	AP3216_ALS:         "als",
	AP3216_PS:          "ps",
	AP3216_ALS_PS:      "als-ps",
	AP3216_RESET:       "reset",
	AP3216_ALS_ONCE:    "als-once",
	AP3216_PS_ONCE:     "ps-once",
	AP3216_ALS_PS_ONCE: "als-ps-once",
}

func ModeToString(m Mode) string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "Unknown"
}

// ParseMode accepts the names returned by ModeToString, case-insensitively.
func ParseMode(name string) (Mode, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMode, name)
}

func IntStatusToString(s IntStatus) string {
	switch s & IntStatus(maskIntStatus) {
	case AP3216_NO_INT:
		return "none"
	case AP3216_ALS_INT:
		return "als"
	case AP3216_PS_INT:
		return "ps"
	default:
		return "als+ps"
	}
}

func (m Mode) String() string      { return ModeToString(m) }
func (r LuxRange) String() string  { return LuxRangeToString(r) }
func (s IntStatus) String() string { return IntStatusToString(s) }

// namedRegisters lists every register in address order, for DumpRegisters.
var namedRegisters = []struct {
	Name string
	Addr byte
}{
	{"SYSTEM_CONFIG", AP3216_REGISTER_SYSTEM_CONFIG},
	{"INT_STATUS", AP3216_REGISTER_INT_STATUS},
	{"INT_CLEAR_MANNER", AP3216_REGISTER_INT_CLEAR_MANNER},
	{"IR_DATA_LOW", AP3216_REGISTER_IR_DATA_LOW},
	{"IR_DATA_HIGH", AP3216_REGISTER_IR_DATA_HIGH},
	{"ALS_DATA_LOW", AP3216_REGISTER_ALS_DATA_LOW},
	{"ALS_DATA_HIGH", AP3216_REGISTER_ALS_DATA_HIGH},
	{"PS_DATA_LOW", AP3216_REGISTER_PS_DATA_LOW},
	{"PS_DATA_HIGH", AP3216_REGISTER_PS_DATA_HIGH},
	{"ALS_CONFIG", AP3216_REGISTER_ALS_CONFIG},
	{"ALS_CALIBRATION", AP3216_REGISTER_ALS_CALIBRATION},
	{"ALS_LOW_THRESHOLD_LOW", AP3216_REGISTER_ALS_LOW_THRESHOLD_LOW},
	{"ALS_LOW_THRESHOLD_HIGH", AP3216_REGISTER_ALS_LOW_THRESHOLD_HIGH},
	{"ALS_HIGH_THRESHOLD_LOW", AP3216_REGISTER_ALS_HIGH_THRESHOLD_LOW},
	{"ALS_HIGH_THRESHOLD_HIGH", AP3216_REGISTER_ALS_HIGH_THRESHOLD_HIGH},
	{"PS_CONFIG", AP3216_REGISTER_PS_CONFIG},
	{"PS_LED_DRIVER", AP3216_REGISTER_PS_LED_DRIVER},
	{"PS_INT_FORM", AP3216_REGISTER_PS_INT_FORM},
	{"PS_MEAN_TIME", AP3216_REGISTER_PS_MEAN_TIME},
	{"PS_LED_WAITING_TIME", AP3216_REGISTER_PS_LED_WAITING_TIME},
	{"PS_CALIBRATION_L", AP3216_REGISTER_PS_CALIBRATION_L},
	{"PS_CALIBRATION_H", AP3216_REGISTER_PS_CALIBRATION_H},
	{"PS_LOW_THRESHOLD_LOW", AP3216_REGISTER_PS_LOW_THRESHOLD_LOW},
	{"PS_LOW_THRESHOLD_HIGH", AP3216_REGISTER_PS_LOW_THRESHOLD_HIGH},
	{"PS_HIGH_THRESHOLD_LOW", AP3216_REGISTER_PS_HIGH_THRESHOLD_LOW},
	{"PS_HIGH_THRESHOLD_HIGH", AP3216_REGISTER_PS_HIGH_THRESHOLD_HIGH},
}
