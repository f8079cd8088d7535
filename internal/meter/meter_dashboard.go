package meter

import (
	"database/sql"
	"embed"
	"fmt"
	"html/template"
	"math"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/sirupsen/logrus"
	"github.com/ztkent/ap3216-meter/internal/tools"
)

//go:embed html
var templateFiles embed.FS

// Full sun is anything above 10k lux, averaged per minute.
const fullSunLux = 10000

type Summary struct {
	DateRange             string  `json:"dateRange"`
	Readings              int     `json:"readings"`
	AverageLuxInRange     float64 `json:"averageLuxInRange"`
	MaxLuxInRange         float64 `json:"maxLuxInRange"`
	NearEventsInRange     int     `json:"nearEventsInRange"`
	RecordedHoursInRange  float64 `json:"recordedHoursInRange"`
	FullSunlightInRange   float64 `json:"fullSunlightInRange"`
	LightConditionInRange string  `json:"lightConditionInRange"`
}

// Serve the sqlite db for download
func (m *Meter) ServeResultsDB() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(m.DBPath)))
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeFile(w, r, m.DBPath)
	}
}

// Serve the homepage
func (m *Meter) ServeDashboard() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tmpl, err := template.ParseFS(templateFiles, "html/dashboard.gohtml")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if err := tmpl.Execute(w, m.status()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Serve the results graph: lux on the left axis, proximity on the right
func (m *Meter) ServeResultsGraph() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Get the date range for the graph from the request
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location)

		rows, err := m.ResultsDB.Query(`
    SELECT lux, proximity, created_at FROM readings
    WHERE created_at BETWEEN ? AND ? ORDER BY created_at`, startDate, endDate)
		if err != nil {
			logrus.Error(err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		// Prepare the data for the chart
		var luxValues, proximityValues []opts.LineData
		var timeValues []string
		maxLux := 100
		for rows.Next() {
			var lux float64
			var proximity uint16
			var createdAt time.Time
			if err := rows.Scan(&lux, &proximity, &createdAt); err != nil {
				logrus.Error(err)
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if lux > float64(maxLux) {
				// Round up to the nearest 100
				maxLux = int(math.Ceil(lux/100) * 100)
			}
			luxValues = append(luxValues, opts.LineData{Value: lux})
			proximityValues = append(proximityValues, opts.LineData{Value: proximity})
			timeValues = append(timeValues, createdAt.In(m.Location).Format(tools.LayoutDB))
		}
		if err := rows.Err(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{
				Theme:     types.ThemeChalk,
				PageTitle: "AP3216 Meter",
			}),
			charts.WithTitleOpts(opts.Title{
				Title:    "Ambient light and proximity",
				Subtitle: fmt.Sprintf("%s - %s UTC", startDate, endDate),
			}),
			charts.WithXAxisOpts(opts.XAxis{
				Name: "Time",
			}),
			charts.WithYAxisOpts(opts.YAxis{
				Name: "Lux",
				Min:  "0",
				Max:  fmt.Sprintf("%d", maxLux),
			}),
			charts.WithTooltipOpts(opts.Tooltip{
				Show:      true,
				Trigger:   "axis",
				TriggerOn: "mousemove",
			}),
			charts.WithLegendOpts(opts.Legend{
				Show: true,
			}),
			charts.WithToolboxOpts(opts.Toolbox{
				Show: true,
				Feature: &opts.ToolBoxFeature{
					SaveAsImage: &opts.ToolBoxFeatureSaveAsImage{
						Show:  true,
						Title: "Save as Image",
						Name:  "ap3216-meter",
					},
				},
			}),
		)
		line.ExtendYAxis(opts.YAxis{
			Name: "Proximity",
			Min:  "0",
			Max:  "1023",
		})
		line.SetXAxis(timeValues).
			AddSeries("Lux", luxValues).
			AddSeries("Proximity", proximityValues, charts.WithLineChartOpts(opts.LineChart{
				YAxisIndex: 1,
				Color:      "SkyBlue",
			}))

		page := components.NewPage()
		page.PageTitle = "AP3216 Meter"
		page.AddCharts(line)

		w.Header().Set("Content-Type", "text/html")
		if err := page.Render(w); err != nil {
			logrus.Errorf("Failed to render graph: %v", err)
		}
	}
}

// Summarize the readings recorded in a date range
func (m *Meter) Summary() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startDate, endDate := tools.ParseStartAndEndDate(r, m.Location)
		summary, err := m.getSummary(startDate, endDate)
		if err != nil {
			logrus.Error(err)
			ServeResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		ServeJSON(w, summary, http.StatusOK)
	}
}

func (m *Meter) getSummary(startDate string, endDate string) (Summary, error) {
	summary := Summary{
		DateRange: fmt.Sprintf("%s - %s UTC", startDate, endDate),
	}

	row := m.ResultsDB.QueryRow(`
    SELECT
        COUNT(*),
        COALESCE(AVG(lux), 0),
        COALESCE(MAX(lux), 0),
        COALESCE(SUM(object_near), 0),
        MIN(created_at),
        MAX(created_at)
    FROM readings
    WHERE created_at BETWEEN ? AND ?`, startDate, endDate)
	var oldest, mostRecent sql.NullString
	err := row.Scan(&summary.Readings, &summary.AverageLuxInRange, &summary.MaxLuxInRange,
		&summary.NearEventsInRange, &oldest, &mostRecent)
	if err != nil {
		return summary, err
	}
	if summary.Readings == 0 {
		summary.LightConditionInRange = "No Data in Range"
		return summary, nil
	}

	// Count the minutes where the average lux was full sun
	var fullSunMinutes int
	err = m.ResultsDB.QueryRow(`
    SELECT COUNT(*)
    FROM (
        SELECT AVG(lux) AS avg_lux
        FROM readings
        WHERE created_at BETWEEN ? AND ?
        GROUP BY strftime('%Y-%m-%d %H:%M', created_at)
    )
    WHERE avg_lux > ?`, startDate, endDate, fullSunLux).Scan(&fullSunMinutes)
	if err != nil {
		return summary, err
	}
	summary.FullSunlightInRange = float64(fullSunMinutes) / 60

	if oldest.Valid && mostRecent.Valid {
		start, end, err := tools.StartAndEndDateToTime(normalizeTimestamp(oldest.String), normalizeTimestamp(mostRecent.String))
		if err != nil {
			return summary, err
		}
		summary.RecordedHoursInRange = end.Sub(start).Hours()
	}
	summary.LightConditionInRange = lightCondition(summary.FullSunlightInRange, summary.RecordedHoursInRange)
	return summary, nil
}

// sqlite may hand back "2006-01-02T15:04:05Z" for DATETIME columns.
func normalizeTimestamp(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, tools.LayoutDB} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC().Format(tools.LayoutDB)
		}
	}
	return ts
}

func lightCondition(fullSunHours, recordedHours float64) string {
	if recordedHours <= 0 {
		if fullSunHours > 0 {
			return "Full Sun"
		}
		return "Shade"
	}
	ratio := fullSunHours / recordedHours
	switch {
	case ratio > 0.5:
		return "Full Sun"
	case ratio > 0.25:
		return "Partial Sun"
	case ratio > 0.1:
		return "Partial Shade"
	default:
		return "Shade"
	}
}
