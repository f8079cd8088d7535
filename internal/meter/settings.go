package meter

import (
	"errors"
	"fmt"

	"github.com/ztkent/ap3216-meter/ap3216"
)

var errInvalidSetting = errors.New("invalid setting")

func isSettingsError(err error) bool {
	return errors.Is(err, errInvalidSetting) ||
		errors.Is(err, ap3216.ErrUnknownMode) ||
		errors.Is(err, ap3216.ErrUnknownLuxRange)
}

type ALSThresholds struct {
	LowLux  float64 `json:"lowLux"`
	HighLux float64 `json:"highLux"`
}

type PSThresholds struct {
	Low  uint16 `json:"low"`
	High uint16 `json:"high"`
}

// SensorSettings is a partial device configuration; nil fields are left alone.
// Out-of-range numeric values are clamped or defaulted by the driver, not rejected.
type SensorSettings struct {
	Mode                    *string        `json:"mode,omitempty"`
	LuxRange                *int           `json:"luxRange,omitempty"`
	ALSIntAfterNConversions *uint8         `json:"alsIntAfterNConversions,omitempty"`
	ALSCalibrationFactor    *float64       `json:"alsCalibrationFactor,omitempty"`
	ALSThresholds           *ALSThresholds `json:"alsThresholds,omitempty"`
	IntClearManner          *uint8         `json:"intClearManner,omitempty"`
	PSIntegrationTime       *uint8         `json:"psIntegrationTime,omitempty"`
	PSGain                  *uint8         `json:"psGain,omitempty"`
	PSIntAfterNConversions  *uint8         `json:"psIntAfterNConversions,omitempty"`
	LEDPulses               *uint8         `json:"ledPulses,omitempty"`
	LEDCurrent              *uint8         `json:"ledCurrent,omitempty"`
	PSInterruptMode         *uint8         `json:"psInterruptMode,omitempty"`
	PSMeanTime              *uint8         `json:"psMeanTime,omitempty"`
	LEDWaitingTime          *uint8         `json:"ledWaitingTime,omitempty"`
	PSCalibration           *uint16        `json:"psCalibration,omitempty"`
	PSThresholds            *PSThresholds  `json:"psThresholds,omitempty"`
}

// Apply writes the settings in a fixed order. The lux range goes before the ALS
// thresholds so they are converted with the new range. Names are validated
// before anything is written.
func (s SensorSettings) Apply(a *ap3216.AP3216) error {
	var mode ap3216.Mode
	if s.Mode != nil {
		m, err := ap3216.ParseMode(*s.Mode)
		if err != nil {
			return err
		}
		mode = m
	}
	var luxRange ap3216.LuxRange
	if s.LuxRange != nil {
		r, err := ap3216.ParseLuxRange(*s.LuxRange)
		if err != nil {
			return err
		}
		luxRange = r
	}
	if s.IntClearManner != nil && *s.IntClearManner > 1 {
		return fmt.Errorf("%w: intClearManner must be 0 or 1", errInvalidSetting)
	}

	steps := []struct {
		set   bool
		apply func() error
	}{
		{s.Mode != nil, func() error { return a.SetMode(mode) }},
		{s.LuxRange != nil, func() error { return a.SetLuxRange(luxRange) }},
		{s.ALSIntAfterNConversions != nil, func() error { return a.SetALSIntAfterNConversions(*s.ALSIntAfterNConversions) }},
		{s.ALSCalibrationFactor != nil, func() error { return a.SetALSCalibrationFactor(*s.ALSCalibrationFactor) }},
		{s.ALSThresholds != nil, func() error {
			return a.SetALSThresholds(s.ALSThresholds.LowLux, s.ALSThresholds.HighLux)
		}},
		{s.IntClearManner != nil, func() error { return a.SetIntClearManner(*s.IntClearManner) }},
		{s.PSIntegrationTime != nil, func() error { return a.SetPSIntegrationTime(*s.PSIntegrationTime) }},
		{s.PSGain != nil, func() error { return a.SetPSGain(*s.PSGain) }},
		{s.PSIntAfterNConversions != nil, func() error { return a.SetPSIntAfterNConversions(*s.PSIntAfterNConversions) }},
		{s.LEDPulses != nil, func() error { return a.SetNumberOfLEDPulses(*s.LEDPulses) }},
		{s.LEDCurrent != nil, func() error { return a.SetLEDCurrent(*s.LEDCurrent) }},
		{s.PSInterruptMode != nil, func() error { return a.SetPSInterruptMode(*s.PSInterruptMode) }},
		{s.PSMeanTime != nil, func() error { return a.SetPSMeanTime(*s.PSMeanTime) }},
		{s.LEDWaitingTime != nil, func() error { return a.SetLEDWaitingTime(*s.LEDWaitingTime) }},
		{s.PSCalibration != nil, func() error { return a.SetPSCalibration(*s.PSCalibration) }},
		{s.PSThresholds != nil, func() error { return a.SetPSThresholds(s.PSThresholds.Low, s.PSThresholds.High) }},
	}
	for _, step := range steps {
		if !step.set {
			continue
		}
		if err := step.apply(); err != nil {
			return err
		}
	}
	return nil
}
