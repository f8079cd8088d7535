package meter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ztkent/ap3216-meter/ap3216"
	"github.com/ztkent/ap3216-meter/internal/tools"
)

type regWrite struct {
	Reg, Val byte
}

// sensorBus is an AP3216 register file behind drivers.I2C.
type sensorBus struct {
	mu      sync.Mutex
	regs    [256]byte
	pointer byte
	writes  []regWrite
	// "w00=07" for writes, "r0C" for reads, in bus order
	events []string
}

func (b *sensorBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr != ap3216.AP3216_ADDR {
		return errors.New("nack")
	}
	switch {
	case len(w) == 1 && len(r) == 0:
		b.pointer = w[0]
	case len(w) == 2 && len(r) == 0:
		b.regs[w[0]] = w[1]
		b.writes = append(b.writes, regWrite{w[0], w[1]})
		b.events = append(b.events, fmt.Sprintf("w%02X=%02X", w[0], w[1]))
	case len(w) == 0 && len(r) == 1:
		r[0] = b.regs[b.pointer]
		b.events = append(b.events, fmt.Sprintf("r%02X", b.pointer))
	default:
		return errors.New("unexpected transaction shape")
	}
	return nil
}

func (b *sensorBus) reg(addr byte) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.regs[addr]
}

func (b *sensorBus) set(addr, val byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.regs[addr] = val
}

// eventIndex returns the index of the first bus event equal to ev, or -1.
func (b *sensorBus) eventIndex(ev string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.events {
		if e == ev {
			return i
		}
	}
	return -1
}

// firstWrite returns the index of the first write to addr, or -1.
func (b *sensorBus) firstWrite(addr byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.writes {
		if w.Reg == addr {
			return i
		}
	}
	return -1
}

func newTestMeter(t *testing.T) (*Meter, *sensorBus) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ap3216meter.db")
	db, err := tools.ConnectSqlite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := &sensorBus{}
	// ALS 0x0100, IR 0x2A with overflow, PS 0x155 with an object near
	bus.regs[ap3216.AP3216_REGISTER_ALS_DATA_LOW] = 0x00
	bus.regs[ap3216.AP3216_REGISTER_ALS_DATA_HIGH] = 0x01
	bus.regs[ap3216.AP3216_REGISTER_IR_DATA_LOW] = 0x82
	bus.regs[ap3216.AP3216_REGISTER_IR_DATA_HIGH] = 0x0A
	bus.regs[ap3216.AP3216_REGISTER_PS_DATA_LOW] = 0x05
	bus.regs[ap3216.AP3216_REGISTER_PS_DATA_HIGH] = 0x95

	m := NewMeter(ap3216.New(bus), db, 42)
	m.DBPath = dbPath
	m.ConversionWait = 0
	return m, bus
}

func serve(t *testing.T, m *Meter, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	req.RemoteAddr = "127.0.0.1:40000"
	rec := httptest.NewRecorder()
	NewRouter(m).ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func countReadings(t *testing.T, m *Meter) int {
	t.Helper()
	var n int
	require.NoError(t, m.ResultsDB.QueryRow("SELECT COUNT(*) FROM readings").Scan(&n))
	return n
}

func TestCurrentConditions(t *testing.T) {
	m, _ := newTestMeter(t)

	rec := serve(t, m, http.MethodGet, "/api/v1/current-conditions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, m.recordResult(Results{
		Reading: ap3216.Reading{
			Lux:            12.5,
			RawALS:         634,
			IR:             7,
			Proximity:      300,
			ProximityValid: true,
			ObjectNear:     true,
			IntStatus:      ap3216.AP3216_PS_INT,
		},
		LuxRange: ap3216.AP3216_RANGE_1291,
		JobID:    "job-1",
	}))

	rec = serve(t, m, http.MethodGet, "/api/v1/current-conditions", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c Conditions
	decode(t, rec, &c)
	assert.Equal(t, "job-1", c.JobID)
	assert.Equal(t, 12.5, c.Lux)
	assert.Equal(t, uint16(634), c.RawALS)
	assert.Equal(t, uint16(300), c.Proximity)
	assert.True(t, c.ProximityValid)
	assert.True(t, c.ObjectNear)
	assert.Equal(t, "ps", c.IntStatus)
	assert.Equal(t, "1291 lux", c.LuxRange)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestRecordResultSkipsInvalidLux(t *testing.T) {
	m, _ := newTestMeter(t)
	assert.Error(t, m.recordResult(Results{Reading: ap3216.Reading{Lux: math.NaN()}}))
	assert.Error(t, m.recordResult(Results{Reading: ap3216.Reading{Lux: math.Inf(1)}}))
	assert.Equal(t, 0, countReadings(t, m))
}

func TestStartAndStop(t *testing.T) {
	m, bus := newTestMeter(t)
	m.RecordInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorAndRecordResults(ctx)

	rec := serve(t, m, http.MethodGet, "/api/v1/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, m.Running())
	assert.Equal(t, byte(ap3216.AP3216_ALS_PS), bus.reg(ap3216.AP3216_REGISTER_SYSTEM_CONFIG))

	rec = serve(t, m, http.MethodGet, "/api/v1/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.Eventually(t, func() bool { return countReadings(t, m) >= 2 }, 2*time.Second, 10*time.Millisecond)

	rec = serve(t, m, http.MethodGet, "/api/v1/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, m.Running())
	assert.Equal(t, byte(ap3216.AP3216_POWER_DOWN), bus.reg(ap3216.AP3216_REGISTER_SYSTEM_CONFIG))

	rec = serve(t, m, http.MethodGet, "/api/v1/stop", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var lux float64
	var proximity int
	var near, overflow bool
	require.NoError(t, m.ResultsDB.QueryRow(
		"SELECT lux, proximity, object_near, ir_overflow FROM readings ORDER BY id DESC LIMIT 1").
		Scan(&lux, &proximity, &near, &overflow))
	assert.Equal(t, ap3216.CalculateLux(256, ap3216.AP3216_RANGE_20661), lux)
	assert.Equal(t, 0x155, proximity)
	assert.True(t, near)
	assert.True(t, overflow)
}

func TestJobTimesOut(t *testing.T) {
	m, bus := newTestMeter(t)
	m.RecordInterval = 5 * time.Millisecond
	m.MaxJobDuration = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorAndRecordResults(ctx)

	_, err := m.startJob()
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.Running() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, byte(ap3216.AP3216_POWER_DOWN), bus.reg(ap3216.AP3216_REGISTER_SYSTEM_CONFIG))
}

func TestNoSensor(t *testing.T) {
	m, _ := newTestMeter(t)
	m.AP3216 = nil

	for _, path := range []string{"/api/v1/start", "/api/v1/stop", "/api/v1/reading", "/api/v1/interrupts", "/api/v1/registers"} {
		rec := serve(t, m, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
	rec := serve(t, m, http.MethodPost, "/api/v1/interrupts/clear", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, m, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var s sensorStatus
	decode(t, rec, &s)
	assert.False(t, s.Connected)
	assert.Equal(t, 42, s.Pid)
}

func TestLiveReading(t *testing.T) {
	m, bus := newTestMeter(t)
	bus.set(ap3216.AP3216_REGISTER_INT_STATUS, 0x01)

	rec := serve(t, m, http.MethodGet, "/api/v1/reading", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var c Conditions
	decode(t, rec, &c)
	assert.Equal(t, uint16(256), c.RawALS)
	assert.Equal(t, uint16(0x2A), c.IR)
	assert.True(t, c.IROverflow)
	assert.Equal(t, uint16(0x155), c.Proximity)
	assert.True(t, c.ProximityValid)
	assert.True(t, c.ObjectNear)
	assert.Equal(t, "als", c.IntStatus)
	assert.Equal(t, 0, countReadings(t, m), "live readings are not recorded")

	// powered down without a job: one conversion is triggered before the data reads
	once := fmt.Sprintf("w%02X=%02X", ap3216.AP3216_REGISTER_SYSTEM_CONFIG, byte(ap3216.AP3216_ALS_PS_ONCE))
	onceAt := bus.eventIndex(once)
	require.NotEqual(t, -1, onceAt)
	assert.Less(t, onceAt, bus.eventIndex(fmt.Sprintf("r%02X", ap3216.AP3216_REGISTER_ALS_DATA_LOW)))
	assert.Equal(t, ap3216.AP3216_ALS_PS_ONCE, m.Mode)
}

func TestLiveReadingDuringJob(t *testing.T) {
	m, bus := newTestMeter(t)
	m.RecordInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.MonitorAndRecordResults(ctx)

	_, err := m.startJob()
	require.NoError(t, err)
	defer m.stopJob()

	rec := serve(t, m, http.MethodGet, "/api/v1/reading", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, -1, bus.eventIndex(fmt.Sprintf("w%02X=%02X", ap3216.AP3216_REGISTER_SYSTEM_CONFIG, byte(ap3216.AP3216_ALS_PS_ONCE))),
		"a running job keeps the sensor converting")
	assert.Equal(t, byte(ap3216.AP3216_ALS_PS), bus.reg(ap3216.AP3216_REGISTER_SYSTEM_CONFIG))
}

func TestInterrupts(t *testing.T) {
	m, bus := newTestMeter(t)
	bus.set(ap3216.AP3216_REGISTER_INT_STATUS, 0x03)

	// reading never clears, whatever the query says
	rec := serve(t, m, http.MethodGet, "/api/v1/interrupts?clear=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	decode(t, rec, &got)
	assert.Equal(t, "als+ps", got["status"])
	assert.Equal(t, false, got["cleared"])
	assert.Equal(t, -1, bus.firstWrite(ap3216.AP3216_REGISTER_INT_STATUS))

	rec = serve(t, m, http.MethodPost, "/api/v1/interrupts/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, true, got["cleared"])
	assert.Equal(t, true, got["als"])
	assert.Equal(t, true, got["ps"])
	assert.NotEqual(t, -1, bus.firstWrite(ap3216.AP3216_REGISTER_INT_STATUS))
}

func TestClearInterruptsOutOfNetwork(t *testing.T) {
	m, bus := newTestMeter(t)
	bus.set(ap3216.AP3216_REGISTER_INT_STATUS, 0x01)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/interrupts/clear", nil)
	req.RemoteAddr = "8.8.8.8:443"
	rec := httptest.NewRecorder()
	NewRouter(m).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, -1, bus.firstWrite(ap3216.AP3216_REGISTER_INT_STATUS))

	rec = serve(t, m, http.MethodGet, "/api/v1/interrupts/clear", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfigure(t *testing.T) {
	m, bus := newTestMeter(t)

	rec := serve(t, m, http.MethodPost, "/api/v1/config", `{"mode":"als-once","luxRange":323,"ledCurrent":9}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ap3216.AP3216_RANGE_323, m.LuxRange)
	assert.Equal(t, ap3216.AP3216_ALS_ONCE, m.Mode)
	assert.Equal(t, byte(0x30), bus.reg(ap3216.AP3216_REGISTER_ALS_CONFIG)&0x30)
	assert.Equal(t, byte(3), bus.reg(ap3216.AP3216_REGISTER_PS_LED_DRIVER)&0x03, "current clamps to 100%")

	for _, body := range []string{
		`{"luxRange":1000}`,
		`{"mode":"sleep"}`,
		`{"intClearManner":2}`,
		`{"bogus":1}`,
		`not json`,
	} {
		rec = serve(t, m, http.MethodPost, "/api/v1/config", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Equal(t, ap3216.AP3216_RANGE_323, m.LuxRange, "rejected settings leave the device alone")
	assert.Equal(t, ap3216.AP3216_ALS_ONCE, m.Mode)
}

func TestConfigureOutOfNetwork(t *testing.T) {
	m, bus := newTestMeter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/config", strings.NewReader(`{"mode":"reset"}`))
	req.RemoteAddr = "8.8.8.8:443"
	rec := httptest.NewRecorder()
	NewRouter(m).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, -1, bus.firstWrite(ap3216.AP3216_REGISTER_SYSTEM_CONFIG))
}

func TestSettingsApplyOrder(t *testing.T) {
	m, bus := newTestMeter(t)
	mode := "als"
	luxRange := 1291
	settings := SensorSettings{
		ALSThresholds: &ALSThresholds{LowLux: 0.197, HighLux: 1.97},
		LuxRange:      &luxRange,
		Mode:          &mode,
	}
	require.NoError(t, settings.Apply(m.AP3216))

	modeAt := bus.firstWrite(ap3216.AP3216_REGISTER_SYSTEM_CONFIG)
	rangeAt := bus.firstWrite(ap3216.AP3216_REGISTER_ALS_CONFIG)
	thresholdAt := bus.firstWrite(ap3216.AP3216_REGISTER_ALS_LOW_THRESHOLD_LOW)
	require.NotEqual(t, -1, modeAt)
	assert.Less(t, modeAt, rangeAt)
	assert.Less(t, rangeAt, thresholdAt)

	// converted with the new range's factor
	assert.Equal(t, byte(10), bus.reg(ap3216.AP3216_REGISTER_ALS_LOW_THRESHOLD_LOW))
	assert.Equal(t, byte(100), bus.reg(ap3216.AP3216_REGISTER_ALS_HIGH_THRESHOLD_LOW))
}

func TestSettingsValidateBeforeWriting(t *testing.T) {
	m, bus := newTestMeter(t)
	bad := 12
	mode := "als"
	err := SensorSettings{Mode: &mode, LuxRange: &bad}.Apply(m.AP3216)
	assert.ErrorIs(t, err, ap3216.ErrUnknownLuxRange)
	assert.True(t, isSettingsError(err))
	assert.Empty(t, bus.writes)
}

func TestRegisters(t *testing.T) {
	m, bus := newTestMeter(t)
	bus.set(ap3216.AP3216_REGISTER_PS_LED_WAITING_TIME, 0x3F)

	rec := serve(t, m, http.MethodGet, "/api/v1/registers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var regs []struct {
		Name  string `json:"name"`
		Addr  string `json:"addr"`
		Value string `json:"value"`
	}
	decode(t, rec, &regs)
	require.Len(t, regs, 26)
	assert.Equal(t, "SYSTEM_CONFIG", regs[0].Name)
	for _, r := range regs {
		if r.Addr == "0x24" {
			assert.Equal(t, "0x3F", r.Value)
		}
	}
}

func insertReading(t *testing.T, m *Meter, lux float64, near bool, createdAt string) {
	t.Helper()
	_, err := m.ResultsDB.Exec(`
    INSERT INTO readings (job_id, lux, raw_als, ir, proximity, object_near, created_at)
    VALUES ('job', ?, 0, 0, 0, ?, ?)`, lux, near, createdAt)
	require.NoError(t, err)
}

func TestSummary(t *testing.T) {
	m, _ := newTestMeter(t)
	insertReading(t, m, 20000, true, "2024-06-01 12:00:00")
	insertReading(t, m, 20000, false, "2024-06-01 12:30:00")
	insertReading(t, m, 100, true, "2024-06-01 13:00:00")
	insertReading(t, m, 50000, true, "2024-06-02 13:00:00")

	rec := serve(t, m, http.MethodGet, "/api/v1/summary?start=2024-06-01T11:00&end=2024-06-01T14:00", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s Summary
	decode(t, rec, &s)
	assert.Equal(t, 3, s.Readings)
	assert.InDelta(t, 40100.0/3, s.AverageLuxInRange, 1e-6)
	assert.Equal(t, 20000.0, s.MaxLuxInRange)
	assert.Equal(t, 2, s.NearEventsInRange)
	assert.InDelta(t, 1.0, s.RecordedHoursInRange, 1e-9)
	assert.InDelta(t, 2.0/60, s.FullSunlightInRange, 1e-9)
	assert.Equal(t, "Shade", s.LightConditionInRange)

	rec = serve(t, m, http.MethodGet, "/api/v1/summary?start=2020-01-01T00:00&end=2020-01-02T00:00", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &s)
	assert.Equal(t, 0, s.Readings)
	assert.Equal(t, "No Data in Range", s.LightConditionInRange)
}

func TestLightCondition(t *testing.T) {
	assert.Equal(t, "Full Sun", lightCondition(6, 10))
	assert.Equal(t, "Partial Sun", lightCondition(3, 10))
	assert.Equal(t, "Partial Shade", lightCondition(2, 10))
	assert.Equal(t, "Shade", lightCondition(0.5, 10))
	assert.Equal(t, "Full Sun", lightCondition(0.1, 0))
}

func TestResultsGraph(t *testing.T) {
	m, _ := newTestMeter(t)
	insertReading(t, m, 320, false, "2024-06-01 12:00:00")
	insertReading(t, m, 980, true, "2024-06-01 12:01:00")

	rec := serve(t, m, http.MethodGet, "/ap3216meter/graph?start=2024-06-01T11:00&end=2024-06-01T14:00", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "Proximity")
	assert.Contains(t, body, "2024-06-01 12:01:00")
}

func TestDashboardAndID(t *testing.T) {
	m, _ := newTestMeter(t)

	rec := serve(t, m, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "AP3216 Meter [42]")
	assert.Contains(t, rec.Body.String(), "20661 lux")

	rec = serve(t, m, http.MethodGet, "/id", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var id map[string]string
	decode(t, rec, &id)
	assert.Equal(t, "AP3216 Meter", id["service_name"])
}

func TestExport(t *testing.T) {
	m, _ := newTestMeter(t)
	rec := serve(t, m, http.MethodGet, "/api/v1/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "ap3216meter.db")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "SQLite format 3"))
}
