package ap3216

/*
 * ap3216 - Package for interacting with AP3216 ambient light and proximity sensors.
 *
 * Ref:
 * https://github.com/wollewald/AP3216_WE
 *
 */

import (
	"math"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"
)

var l *logrus.Logger

func init() {
	l = logrus.New()
	// Setup the logger, so it can be parsed by datadog
	l.Formatter = &logrus.JSONFormatter{}
	l.SetOutput(os.Stdout)
	// Set the log level
	logLevel := strings.ToLower(os.Getenv("LOG_LEVEL"))
	switch logLevel {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "info":
		l.SetLevel(logrus.InfoLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
}

// AP3216 drives one sensor over an I2C bus.
//
// Mode, LuxRange and IntStatus mirror device state. They are a cache: if another
// bus master writes the same registers they will no longer match the hardware.
//
// The driver never takes the embedded mutex itself. Callers that share one
// AP3216 between goroutines lock it around each sequence of calls.
type AP3216 struct {
	Mode      Mode
	LuxRange  LuxRange
	IntStatus IntStatus
	bus       drivers.I2C
	buf       [2]byte
	*sync.Mutex
}

// Reading is one snapshot of every data register.
type Reading struct {
	Lux            float64
	RawALS         uint16
	IR             uint16
	IROverflow     bool
	Proximity      uint16
	ProximityValid bool
	ObjectNear     bool
	IntStatus      IntStatus
}

// RegisterValue is one entry of a register dump.
type RegisterValue struct {
	Name  string
	Addr  byte
	Value byte
}

// Bind an AP3216 to an already configured bus. The device is not touched.
func New(bus drivers.I2C) *AP3216 {
	return &AP3216{
		bus:      bus,
		LuxRange: AP3216_RANGE_20661,
		Mutex:    &sync.Mutex{},
	}
}

// Reset the sensor, enable continuous ALS+PS measurement and select the widest lux range.
// Until Init has run the device is in its undefined power-on state.
func (a *AP3216) Init() error {
	if err := a.SetMode(AP3216_RESET); err != nil {
		return err
	}
	if err := a.SetMode(AP3216_ALS_PS); err != nil {
		return err
	}
	return a.SetLuxRange(AP3216_RANGE_20661)
}

// SetMode writes the mode code as-is; the device's support for it is not checked.
func (a *AP3216) SetMode(mode Mode) error {
	if err := a.writeRegister(AP3216_REGISTER_SYSTEM_CONFIG, byte(mode)); err != nil {
		return err
	}
	a.Mode = mode
	l.Debugf("Mode set to %s", ModeToString(mode))
	return nil
}

func (a *AP3216) GetIntStatus() (IntStatus, error) {
	v, err := a.readRegister(AP3216_REGISTER_INT_STATUS)
	if err != nil {
		return AP3216_NO_INT, err
	}
	a.IntStatus = IntStatus(v & maskIntStatus)
	return a.IntStatus, nil
}

// Acknowledge the given interrupt flags.
func (a *AP3216) ClearInterrupt(flags IntStatus) error {
	return a.writeRegister(AP3216_REGISTER_INT_STATUS, byte(flags))
}

// AP3216_CLR_INT_BY_DATA_READ or AP3216_CLR_INT_MANUALLY
func (a *AP3216) SetIntClearManner(manner byte) error {
	return a.writeRegister(AP3216_REGISTER_INT_CLEAR_MANNER, manner)
}

func (a *AP3216) GetIntClearManner() (byte, error) {
	v, err := a.readRegister(AP3216_REGISTER_INT_CLEAR_MANNER)
	if err != nil {
		return 0, err
	}
	return v & maskIntClearManner, nil
}

// 10-bit IR count
func (a *AP3216) GetIRData() (uint16, error) {
	low, err := a.readRegister(AP3216_REGISTER_IR_DATA_LOW)
	if err != nil {
		return 0, err
	}
	high, err := a.readRegister(AP3216_REGISTER_IR_DATA_HIGH)
	if err != nil {
		return 0, err
	}
	return uint16(high)<<2 | uint16(low&maskIRLow), nil
}

func (a *AP3216) IRDataIsOverflowed() (bool, error) {
	low, err := a.readRegister(AP3216_REGISTER_IR_DATA_LOW)
	if err != nil {
		return false, err
	}
	return low&maskIROverflow != 0, nil
}

// Raw 16-bit ALS count, both bytes fully used.
func (a *AP3216) GetALSData() (uint16, error) {
	low, err := a.readRegister(AP3216_REGISTER_ALS_DATA_LOW)
	if err != nil {
		return 0, err
	}
	high, err := a.readRegister(AP3216_REGISTER_ALS_DATA_HIGH)
	if err != nil {
		return 0, err
	}
	return uint16(high)<<8 | uint16(low), nil
}

// Ambient light in lux, scaled by the currently stored lux range.
func (a *AP3216) GetAmbientLight() (float64, error) {
	raw, err := a.GetALSData()
	if err != nil {
		return 0, err
	}
	lux := CalculateLux(raw, a.LuxRange)
	l.Debugf("Raw ALS: %v, Range: %s, Lux: %v", raw, LuxRangeToString(a.LuxRange), lux)
	return lux, nil
}

func CalculateLux(raw uint16, r LuxRange) float64 {
	return float64(raw) * LuxRangeFactor(r)
}

// 10-bit proximity count
func (a *AP3216) GetProximity() (uint16, error) {
	low, err := a.readRegister(AP3216_REGISTER_PS_DATA_LOW)
	if err != nil {
		return 0, err
	}
	high, err := a.readRegister(AP3216_REGISTER_PS_DATA_HIGH)
	if err != nil {
		return 0, err
	}
	return uint16(high&maskPSHigh)<<4 | uint16(low&maskPSLow), nil
}

// A set invalid flag means the reading was saturated by strong IR.
func (a *AP3216) ProximityIsValid() (bool, error) {
	low, err := a.readRegister(AP3216_REGISTER_PS_DATA_LOW)
	if err != nil {
		return false, err
	}
	return low&maskPSInvalid == 0, nil
}

// Near/far flag, independent of the proximity count.
func (a *AP3216) ObjectIsNear() (bool, error) {
	high, err := a.readRegister(AP3216_REGISTER_PS_DATA_HIGH)
	if err != nil {
		return false, err
	}
	return high&maskObjectNear != 0, nil
}

// SetLuxRange updates the range bits and the stored range used by GetAmbientLight
// and SetALSThresholds.
func (a *AP3216) SetLuxRange(r LuxRange) error {
	if err := a.updateField(AP3216_REGISTER_ALS_CONFIG, maskLuxRange, byte(r)); err != nil {
		return err
	}
	a.LuxRange = r
	l.Debugf("Lux range set to %s", LuxRangeToString(r))
	return nil
}

// Raise the ALS interrupt after n conversions: 1, 4, 8, 12, ..., 60.
func (a *AP3216) SetALSIntAfterNConversions(n uint8) error {
	return a.updateField(AP3216_REGISTER_ALS_CONFIG, maskALSPersist, alsPersistValue(n))
}

func alsPersistValue(n uint8) byte {
	v := n / 4
	if v == 0 {
		v = 1
	} else if v >= 16 {
		v = 16
	}
	return v
}

// Stored as round(64 * factor), i.e. fixed point in steps of 1/64.
func (a *AP3216) SetALSCalibrationFactor(factor float64) error {
	v := math.Round(64 * factor)
	if v < 0 || math.IsNaN(v) {
		v = 0
	} else if v > math.MaxUint8 {
		v = math.MaxUint8
	}
	return a.writeRegister(AP3216_REGISTER_ALS_CALIBRATION, byte(v))
}

// SetALSThresholds converts both thresholds with the currently stored lux range.
// A threshold whose raw count exceeds 65535 is truncated to 16 bits; keeping it
// in range is the caller's job.
func (a *AP3216) SetALSThresholds(lowLux, highLux float64) error {
	factor := LuxRangeFactor(a.LuxRange)
	low := luxToRaw(lowLux, factor)
	high := luxToRaw(highLux, factor)
	l.Debugf("ALS thresholds: low %v (%v lux), high %v (%v lux)", low, lowLux, high, highLux)

	if err := a.writeWord(AP3216_REGISTER_ALS_LOW_THRESHOLD_LOW, AP3216_REGISTER_ALS_LOW_THRESHOLD_HIGH, low); err != nil {
		return err
	}
	return a.writeWord(AP3216_REGISTER_ALS_HIGH_THRESHOLD_LOW, AP3216_REGISTER_ALS_HIGH_THRESHOLD_HIGH, high)
}

func luxToRaw(lux, factor float64) uint16 {
	v := math.Round(lux / factor)
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 1) {
		return 0
	}
	return uint16(math.Mod(v, 1<<16))
}

// 1 to 16; anything else falls back to 1.
func (a *AP3216) SetPSIntegrationTime(n uint8) error {
	if n < 1 || n > 16 {
		n = 1
	}
	return a.updateField(AP3216_REGISTER_PS_CONFIG, maskPSIntegTime, (n-1)<<4)
}

// 1, 2, 4 or 8; anything else falls back to 1.
func (a *AP3216) SetPSGain(gain uint8) error {
	var code byte
	switch gain {
	case 1:
		code = 0b00
	case 2:
		code = 0b01
	case 4:
		code = 0b10
	case 8:
		code = 0b11
	default:
		code = 0b00
	}
	return a.updateField(AP3216_REGISTER_PS_CONFIG, maskPSGain, code<<2)
}

// 1, 2, 4 or 8; anything else falls back to the code for 2.
func (a *AP3216) SetPSIntAfterNConversions(n uint8) error {
	var code byte
	switch n {
	case 1:
		code = 0b00
	case 2:
		code = 0b01
	case 4:
		code = 0b10
	case 8:
		code = 0b11
	default:
		code = 0b01
	}
	return a.updateField(AP3216_REGISTER_PS_CONFIG, maskPSPersist, code)
}

// 0 to 3; anything above 3 falls back to 1.
func (a *AP3216) SetNumberOfLEDPulses(n uint8) error {
	if n > 3 {
		n = 1
	}
	return a.updateField(AP3216_REGISTER_PS_LED_DRIVER, maskLEDPulses, n<<4)
}

// AP3216_LED_16_7 to AP3216_LED_100; anything above clamps to 100%.
func (a *AP3216) SetLEDCurrent(level uint8) error {
	if level > AP3216_LED_100 {
		level = AP3216_LED_100
	}
	return a.updateField(AP3216_REGISTER_PS_LED_DRIVER, maskLEDCurrent, level)
}

// AP3216_INT_MODE_ZONE or AP3216_INT_MODE_HYSTERESIS; anything above clamps to hysteresis.
func (a *AP3216) SetPSInterruptMode(mode uint8) error {
	if mode > AP3216_INT_MODE_HYSTERESIS {
		mode = AP3216_INT_MODE_HYSTERESIS
	}
	return a.writeRegister(AP3216_REGISTER_PS_INT_FORM, mode)
}

// AP3216_PS_MEAN_TIME_12_5 to AP3216_PS_MEAN_TIME_50; anything above falls back to 25ms.
func (a *AP3216) SetPSMeanTime(mode uint8) error {
	if mode > AP3216_PS_MEAN_TIME_50 {
		mode = AP3216_PS_MEAN_TIME_25
	}
	return a.writeRegister(AP3216_REGISTER_PS_MEAN_TIME, mode)
}

// 0 to 63; anything above falls back to 0.
func (a *AP3216) SetLEDWaitingTime(t uint8) error {
	if t > maxLEDWaitingTime {
		t = 0
	}
	return a.writeRegister(AP3216_REGISTER_PS_LED_WAITING_TIME, t)
}

func (a *AP3216) GetLEDWaitingTime() (uint8, error) {
	return a.readRegister(AP3216_REGISTER_PS_LED_WAITING_TIME)
}

func (a *AP3216) SetPSCalibration(value uint16) error {
	if err := a.writeRegister(AP3216_REGISTER_PS_CALIBRATION_L, byte(value&maskPSCalibLow)); err != nil {
		return err
	}
	return a.writeRegister(AP3216_REGISTER_PS_CALIBRATION_H, byte(value>>1))
}

// Both thresholds are 10-bit: bits 0-1 go to the low register, bits 2-9 to the high one.
func (a *AP3216) SetPSThresholds(low, high uint16) error {
	if err := a.writeRegister(AP3216_REGISTER_PS_LOW_THRESHOLD_LOW, byte(low&maskPSThreshLow)); err != nil {
		return err
	}
	if err := a.writeRegister(AP3216_REGISTER_PS_LOW_THRESHOLD_HIGH, byte(low>>2)); err != nil {
		return err
	}
	if err := a.writeRegister(AP3216_REGISTER_PS_HIGH_THRESHOLD_LOW, byte(high&maskPSThreshLow)); err != nil {
		return err
	}
	return a.writeRegister(AP3216_REGISTER_PS_HIGH_THRESHOLD_HIGH, byte(high>>2))
}

// Read every data register and decode them in one pass.
func (a *AP3216) Read() (Reading, error) {
	var r Reading
	var err error

	if r.RawALS, err = a.GetALSData(); err != nil {
		return Reading{}, err
	}
	r.Lux = CalculateLux(r.RawALS, a.LuxRange)

	irLow, err := a.readRegister(AP3216_REGISTER_IR_DATA_LOW)
	if err != nil {
		return Reading{}, err
	}
	irHigh, err := a.readRegister(AP3216_REGISTER_IR_DATA_HIGH)
	if err != nil {
		return Reading{}, err
	}
	r.IR = uint16(irHigh)<<2 | uint16(irLow&maskIRLow)
	r.IROverflow = irLow&maskIROverflow != 0

	psLow, err := a.readRegister(AP3216_REGISTER_PS_DATA_LOW)
	if err != nil {
		return Reading{}, err
	}
	psHigh, err := a.readRegister(AP3216_REGISTER_PS_DATA_HIGH)
	if err != nil {
		return Reading{}, err
	}
	r.Proximity = uint16(psHigh&maskPSHigh)<<4 | uint16(psLow&maskPSLow)
	r.ProximityValid = psLow&maskPSInvalid == 0
	r.ObjectNear = psHigh&maskObjectNear != 0

	if r.IntStatus, err = a.GetIntStatus(); err != nil {
		return Reading{}, err
	}
	l.Debugf("Reading: %+v", r)
	return r, nil
}

// SyncFromDevice reloads Mode and LuxRange from the device, for a process that
// attaches to a sensor some other run already configured.
func (a *AP3216) SyncFromDevice() error {
	sys, err := a.readRegister(AP3216_REGISTER_SYSTEM_CONFIG)
	if err != nil {
		return err
	}
	cfg, err := a.readRegister(AP3216_REGISTER_ALS_CONFIG)
	if err != nil {
		return err
	}
	a.Mode = Mode(sys & maskMode)
	a.LuxRange = LuxRange(cfg & maskLuxRange)
	return nil
}

// Read every named register, in address order.
func (a *AP3216) DumpRegisters() ([]RegisterValue, error) {
	values := make([]RegisterValue, 0, len(namedRegisters))
	for _, reg := range namedRegisters {
		v, err := a.readRegister(reg.Addr)
		if err != nil {
			return nil, err
		}
		values = append(values, RegisterValue{Name: reg.Name, Addr: reg.Addr, Value: v})
	}
	return values, nil
}

func (a *AP3216) ReadRegister(reg byte) (byte, error) {
	return a.readRegister(reg)
}
