package meter

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ztkent/ap3216-meter/internal/tools"
)

// NewRouter wires the dashboard and JSON API for m.
func NewRouter(m *Meter) *chi.Mux {
	r := chi.NewRouter()
	// Log requests and recover from panics
	r.Use(middleware.Logger)
	r.Use(handleServerPanic)

	// AP3216 Meter Dashboard Controls
	r.Get("/", m.ServeDashboard())
	r.Route("/ap3216meter", func(r chi.Router) {
		r.Get("/start", m.Start())
		r.Get("/stop", m.Stop())
		r.Get("/status", m.Status())
		r.Get("/reading", m.LiveReading())
		r.Get("/current-conditions", m.CurrentConditions())
		r.Get("/registers", m.Registers())
		r.Get("/export", m.ServeResultsDB())
		r.Get("/graph", m.ServeResultsGraph())
		r.Post("/graph", m.ServeResultsGraph())
		r.Get("/summary", m.Summary())
	})

	// AP3216 Meter API, these serve a JSON response
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/start", m.Start())
		r.Get("/stop", m.Stop())
		r.Get("/status", m.Status())
		r.Get("/reading", m.LiveReading())
		r.Get("/current-conditions", m.CurrentConditions())
		r.Get("/interrupts", m.Interrupts())
		r.Get("/registers", m.Registers())
		r.Get("/summary", m.Summary())
		r.Get("/export", m.ServeResultsDB())
		r.With(tools.CheckInNetwork).Post("/interrupts/clear", m.ClearInterrupts())
		r.With(tools.CheckInNetwork).Post("/config", m.Configure())
	})

	// Route for service identification
	r.Get("/id", func(w http.ResponseWriter, r *http.Request) {
		ServeJSON(w, struct {
			ServiceName string `json:"service_name"`
		}{
			ServiceName: "AP3216 Meter",
		}, http.StatusOK)
	})
	return r
}

func handleServerPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				ServeResponse(w, r, fmt.Sprintf("%v", err), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
