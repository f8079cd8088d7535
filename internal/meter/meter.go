package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/ztkent/ap3216-meter/ap3216"
)

// Meter polls an AP3216 on a schedule and records every reading to sqlite.
// The polling job and the HTTP handlers share the driver; every sequence of
// driver calls holds the driver's mutex.
type Meter struct {
	*ap3216.AP3216
	ResultsChan    chan Results
	ResultsDB      *sql.DB
	DBPath         string
	RecordInterval time.Duration
	MaxJobDuration time.Duration
	Location       *time.Location
	Pid            int
	// How long a live reading waits for a one-shot conversion.
	ConversionWait time.Duration

	jobMu   sync.Mutex
	jobID   string
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Results struct {
	ap3216.Reading
	LuxRange ap3216.LuxRange
	JobID    string
}

type Conditions struct {
	JobID          string    `json:"jobID"`
	Lux            float64   `json:"lux"`
	RawALS         uint16    `json:"rawALS"`
	IR             uint16    `json:"ir"`
	IROverflow     bool      `json:"irOverflow"`
	Proximity      uint16    `json:"proximity"`
	ProximityValid bool      `json:"proximityValid"`
	ObjectNear     bool      `json:"objectNear"`
	IntStatus      string    `json:"intStatus"`
	LuxRange       string    `json:"luxRange"`
	CreatedAt      time.Time `json:"createdAt"`
}

const (
	MAX_JOB_DURATION = 8 * time.Hour
	RECORD_INTERVAL  = 30 * time.Second
)

func NewMeter(device *ap3216.AP3216, db *sql.DB, pid int) *Meter {
	return &Meter{
		AP3216:         device,
		ResultsChan:    make(chan Results),
		ResultsDB:      db,
		RecordInterval: RECORD_INTERVAL,
		MaxJobDuration: MAX_JOB_DURATION,
		Location:       time.UTC,
		Pid:            pid,
		ConversionWait: ap3216.AP3216_ALS_PS_CONVERSION_TIME,
	}
}

// Start the sensor, and collect data in a loop
func (m *Meter) Start() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		jobID, err := m.startJob()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusBadRequest)
			return
		}
		logrus.WithField("job_id", jobID).Info("Started ALS/PS recording")
		ServeResponse(w, r, "Sensor Reading Started: "+jobID, http.StatusOK)
	}
}

func (m *Meter) startJob() (string, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	if m.running {
		return "", fmt.Errorf("The sensor is already started")
	}

	// Continuous ALS+PS conversion for the duration of the job
	m.Lock()
	err := m.SetMode(ap3216.AP3216_ALS_PS)
	m.Unlock()
	if err != nil {
		return "", fmt.Errorf("The sensor failed to start: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.MaxJobDuration)
	m.jobID = uuid.New().String()
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.record(ctx, m.jobID, m.done)
	return m.jobID, nil
}

func (m *Meter) record(ctx context.Context, jobID string, done chan struct{}) {
	defer close(done)
	defer m.finishJob()

	ticker := time.NewTicker(m.RecordInterval)
	defer ticker.Stop()
	for {
		m.Lock()
		reading, err := m.Read()
		luxRange := m.LuxRange
		m.Unlock()

		if err != nil {
			logrus.WithField("job_id", jobID).Errorf("The sensor failed to read: %v", err)
		} else {
			select {
			case m.ResultsChan <- Results{Reading: reading, LuxRange: luxRange, JobID: jobID}:
			case <-ctx.Done():
			}
		}

		select {
		case <-ctx.Done():
			logrus.WithField("job_id", jobID).Info("Job Cancelled, stopping sensor")
			return
		case <-ticker.C:
		}
	}
}

// Power down once the job ends, whether cancelled or timed out.
func (m *Meter) finishJob() {
	m.Lock()
	if err := m.SetMode(ap3216.AP3216_POWER_DOWN); err != nil {
		logrus.Errorf("The sensor failed to power down: %v", err)
	}
	m.Unlock()

	m.jobMu.Lock()
	m.running = false
	m.cancel()
	m.jobMu.Unlock()
}

// Stop the sensor, and cancel the job context
func (m *Meter) Stop() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		if !m.stopJob() {
			ServeResponse(w, r, "The sensor is already stopped", http.StatusBadRequest)
			return
		}
		ServeResponse(w, r, "Sensor Reading Stopped", http.StatusOK)
	}
}

// stopJob cancels the running job and waits for the sensor to power down.
func (m *Meter) stopJob() bool {
	m.jobMu.Lock()
	if !m.running {
		m.jobMu.Unlock()
		return false
	}
	cancel, done := m.cancel, m.done
	m.jobMu.Unlock()

	cancel()
	<-done
	return true
}

func (m *Meter) Running() bool {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	return m.running
}

// Serve data about the most recent entry saved to the db
func (m *Meter) CurrentConditions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conditions, err := m.getCurrentConditions()
		if errors.Is(err, sql.ErrNoRows) {
			ServeResponse(w, r, "No readings recorded yet", http.StatusNotFound)
			return
		} else if err != nil {
			logrus.Error(err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeJSON(w, conditions, http.StatusOK)
	}
}

// Return the most recent entry saved to the db
func (m *Meter) getCurrentConditions() (Conditions, error) {
	c := Conditions{}
	var intStatus, luxRange int
	row := m.ResultsDB.QueryRow(`
    SELECT job_id, lux, raw_als, ir, ir_overflow, proximity, proximity_valid, object_near, int_status, lux_range, created_at
    FROM readings ORDER BY id DESC LIMIT 1`)
	err := row.Scan(&c.JobID, &c.Lux, &c.RawALS, &c.IR, &c.IROverflow, &c.Proximity,
		&c.ProximityValid, &c.ObjectNear, &intStatus, &luxRange, &c.CreatedAt)
	if err != nil {
		return Conditions{}, err
	}
	c.IntStatus = ap3216.IntStatusToString(ap3216.IntStatus(intStatus))
	c.LuxRange = ap3216.LuxRangeToString(ap3216.LuxRange(luxRange))
	return c, nil
}

// Take a reading right now, outside of any recording job
func (m *Meter) LiveReading() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		reading, luxRange, err := m.liveRead()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeJSON(w, Conditions{
			Lux:            reading.Lux,
			RawALS:         reading.RawALS,
			IR:             reading.IR,
			IROverflow:     reading.IROverflow,
			Proximity:      reading.Proximity,
			ProximityValid: reading.ProximityValid,
			ObjectNear:     reading.ObjectNear,
			IntStatus:      reading.IntStatus.String(),
			LuxRange:       luxRange.String(),
			CreatedAt:      time.Now().UTC(),
		}, http.StatusOK)
	}
}

// Without a job the sensor is powered down, so run one ALS+PS conversion
// before reading. jobMu is held so a job can't start in between.
func (m *Meter) liveRead() (ap3216.Reading, ap3216.LuxRange, error) {
	m.jobMu.Lock()
	defer m.jobMu.Unlock()
	m.Lock()
	defer m.Unlock()

	if !m.running {
		if err := m.SetMode(ap3216.AP3216_ALS_PS_ONCE); err != nil {
			return ap3216.Reading{}, m.LuxRange, err
		}
		time.Sleep(m.ConversionWait)
	}
	reading, err := m.Read()
	return reading, m.LuxRange, err
}

// Read the interrupt status
func (m *Meter) Interrupts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		m.Lock()
		status, err := m.GetIntStatus()
		m.Unlock()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeJSON(w, interruptResponse(status, false), http.StatusOK)
	}
}

// Acknowledge whatever interrupts are pending
func (m *Meter) ClearInterrupts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		m.Lock()
		status, err := m.GetIntStatus()
		if err == nil && status != ap3216.AP3216_NO_INT {
			err = m.ClearInterrupt(status)
		}
		m.Unlock()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeJSON(w, interruptResponse(status, status != ap3216.AP3216_NO_INT), http.StatusOK)
	}
}

func interruptResponse(status ap3216.IntStatus, cleared bool) map[string]interface{} {
	return map[string]interface{}{
		"status":  status.String(),
		"als":     status&ap3216.AP3216_ALS_INT != 0,
		"ps":      status&ap3216.AP3216_PS_INT != 0,
		"cleared": cleared,
	}
}

// Apply a JSON SensorSettings body to the device
func (m *Meter) Configure() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		var settings SensorSettings
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&settings); err != nil {
			ServeResponse(w, r, "Invalid settings: "+err.Error(), http.StatusBadRequest)
			return
		}

		m.Lock()
		err := settings.Apply(m.AP3216)
		mode, luxRange := m.Mode, m.LuxRange
		m.Unlock()
		if err != nil {
			status := http.StatusInternalServerError
			if isSettingsError(err) {
				status = http.StatusBadRequest
			}
			ServeResponse(w, r, err.Error(), status)
			return
		}
		logrus.WithFields(logrus.Fields{
			"mode":      mode.String(),
			"lux_range": luxRange.String(),
		}).Info("Sensor reconfigured")
		ServeJSON(w, map[string]string{
			"mode":     mode.String(),
			"luxRange": luxRange.String(),
		}, http.StatusOK)
	}
}

// Dump every named register
func (m *Meter) Registers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if m.AP3216 == nil {
			ServeResponse(w, r, "The sensor is not connected", http.StatusBadRequest)
			return
		}
		m.Lock()
		values, err := m.DumpRegisters()
		m.Unlock()
		if err != nil {
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		type register struct {
			Name  string `json:"name"`
			Addr  string `json:"addr"`
			Value string `json:"value"`
		}
		out := make([]register, 0, len(values))
		for _, v := range values {
			out = append(out, register{v.Name, fmt.Sprintf("0x%02X", v.Addr), fmt.Sprintf("0x%02X", v.Value)})
		}
		ServeJSON(w, out, http.StatusOK)
	}
}

type sensorStatus struct {
	Connected bool   `json:"connected"`
	Running   bool   `json:"running"`
	JobID     string `json:"jobID,omitempty"`
	Mode      string `json:"mode,omitempty"`
	LuxRange  string `json:"luxRange,omitempty"`
	Pid       int    `json:"pid"`
}

// Status of the sensor and the recording job
func (m *Meter) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ServeJSON(w, m.status(), http.StatusOK)
	}
}

func (m *Meter) status() sensorStatus {
	s := sensorStatus{Pid: m.Pid}
	if m.AP3216 != nil {
		s.Connected = true
		m.Lock()
		s.Mode, s.LuxRange = m.Mode.String(), m.LuxRange.String()
		m.Unlock()
	}
	m.jobMu.Lock()
	s.Running = m.running
	if m.running {
		s.JobID = m.jobID
	}
	m.jobMu.Unlock()
	return s
}

// Reply with a JSON message
func ServeResponse(w http.ResponseWriter, r *http.Request, message string, status int) {
	if status >= http.StatusBadRequest {
		logrus.WithFields(logrus.Fields{"path": r.URL.Path, "status": status}).Warn(message)
	}
	ServeJSON(w, map[string]string{"message": message}, status)
}

func ServeJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// Read from ResultsChan, write the results to sqlite
func (m *Meter) MonitorAndRecordResults(ctx context.Context) {
	logrus.Info("Monitoring for new sensor readings...")
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-m.ResultsChan:
			logrus.WithField("job_id", result.JobID).Debugf("Lux: %.5f, Proximity: %d", result.Lux, result.Proximity)
			if err := m.recordResult(result); err != nil {
				logrus.Error(err)
			}
		}
	}
}

func (m *Meter) recordResult(result Results) error {
	if math.IsInf(result.Lux, 0) || math.IsNaN(result.Lux) {
		return fmt.Errorf("lux is invalid, skipping record: %v", result.Lux)
	}
	_, err := m.ResultsDB.Exec(`
    INSERT INTO readings (job_id, lux, raw_als, ir, ir_overflow, proximity, proximity_valid, object_near, int_status, lux_range)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.JobID,
		result.Lux,
		result.RawALS,
		result.IR,
		result.IROverflow,
		result.Proximity,
		result.ProximityValid,
		result.ObjectNear,
		int(result.IntStatus),
		int(result.LuxRange),
	)
	return err
}
