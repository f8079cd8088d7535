package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/ztkent/ap3216-meter/ap3216"
	"github.com/ztkent/ap3216-meter/internal/i2cbus"
	"github.com/ztkent/ap3216-meter/internal/meter"
	"github.com/ztkent/ap3216-meter/internal/tools"
)

/*
	This is the primary entry point for the AP3216 Meter application.
	It should be running at startup, on a Raspberry Pi, with the AP3216 sensor connected.
*/

func main() {
	pid := os.Getpid()

	cfg, err := tools.LoadConfig()
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logFile, err := tools.SetupLogging(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()
	logrus.Info("AP3216Meter [" + fmt.Sprintf("%d", pid) + "]")

	// connect to the sensor; the server still runs without one
	bus, err := i2cbus.Open(cfg.I2CBackend, cfg.I2CBus)
	var device *ap3216.AP3216
	if err != nil {
		logrus.Errorf("Failed to open the I2C bus: %v", err)
	} else {
		defer bus.Close()
		device, err = connectSensor(bus, cfg.LuxRange)
		if err != nil {
			logrus.Errorf("Failed to connect to the AP3216 sensor: %v", err)
			device = nil
		}
	}

	// connect to the sqlite database
	db, err := tools.ConnectSqlite(cfg.DBPath)
	if err != nil {
		// Unlike connecting to the sensor, this should always work.
		logrus.Fatalf("Failed to connect to the sqlite database: %v", err)
	}
	defer db.Close()

	m := meter.NewMeter(device, db, pid)
	m.DBPath = cfg.DBPath
	m.RecordInterval = cfg.RecordInterval
	m.MaxJobDuration = cfg.MaxJobDuration
	m.Location = cfg.Location

	// Listen for any result messages from our jobs, record them in sqlite
	go m.MonitorAndRecordResults(context.Background())

	r := meter.NewRouter(m)
	if cfg.SSL {
		// Generate a self-signed certificate if one doesn't exist
		hostname, _ := os.Hostname()
		if err := tools.EnsureCertificate(cfg.CertPath, cfg.KeyPath, []string{hostname, "localhost", "127.0.0.1"}); err != nil {
			logrus.Fatalf("Failed to prepare the TLS certificate: %v", err)
		}
		logrus.Infof("Starting HTTPS server on port %s", cfg.Port)
		if err := http.ListenAndServeTLS(":"+cfg.Port, cfg.CertPath, cfg.KeyPath, r); err != nil {
			logrus.Fatalf("Failed to start HTTPS server: %v", err)
		}
		return
	}

	logrus.Infof("Starting HTTP server on port %s", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, r); err != nil {
		logrus.Fatalf("Failed to start HTTP server: %v", err)
	}
}

// Reset the sensor and apply the configured lux range, then leave it powered
// down until a job starts.
func connectSensor(bus i2cbus.Bus, luxRange ap3216.LuxRange) (*ap3216.AP3216, error) {
	device := ap3216.New(bus)
	if err := device.Init(); err != nil {
		return nil, err
	}
	if err := device.SetLuxRange(luxRange); err != nil {
		return nil, err
	}
	if err := device.SetMode(ap3216.AP3216_POWER_DOWN); err != nil {
		return nil, err
	}
	return device, nil
}
