// Package status serves the gateway's operational HTTP endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"scada-gateway/internal/collector"
	"scada-gateway/internal/model"
	"scada-gateway/internal/registry"
)

const shutdownTimeout = 5 * time.Second

type EngineState interface {
	State() collector.State
}

type TagLister interface {
	Tags() []registry.Tag
	LoadedAt() time.Time
}

// HealthSource returns the stored connection health record, nil if none.
type HealthSource interface {
	ConnectionHealth(ctx context.Context, name string) (*model.ConnectionHealth, error)
}

// Deps wires the router. Health, Latest and Gatherer may be nil.
type Deps struct {
	ConnectionName string
	Engine         EngineState
	Tags           TagLister
	Health         HealthSource
	Latest         *Latest
	Gatherer       prometheus.Gatherer
	Log            logrus.FieldLogger
}

type healthResponse struct {
	Status     string                  `json:"status"`
	Engine     collector.State         `json:"engine"`
	Connection *model.ConnectionHealth `json:"connection,omitempty"`
	Error      string                  `json:"connection_error,omitempty"`
}

type tagView struct {
	ID                string   `json:"id"`
	Name              string   `json:"tag_name"`
	Unit              string   `json:"unit,omitempty"`
	Address           uint16   `json:"modbus_address"`
	FunctionCode      uint8    `json:"modbus_function_code"`
	DataType          string   `json:"data_type"`
	ScalingFactor     float64  `json:"scaling_factor"`
	Offset            float64  `json:"offset"`
	AlarmHigh         *float64 `json:"alarm_high,omitempty"`
	AlarmLow          *float64 `json:"alarm_low,omitempty"`
	TargetField       string   `json:"target_field,omitempty"`
	TransformerNumber int      `json:"transformer_number,omitempty"`
	Priority          int      `json:"polling_priority"`
}

type tagsResponse struct {
	LoadedAt time.Time `json:"loaded_at"`
	Count    int       `json:"count"`
	Tags     []tagView `json:"tags"`
}

// NewRouter builds the chi router for /healthz, /tags, /readings and /metrics.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		state := d.Engine.State()
		resp := healthResponse{Status: "ok", Engine: state}
		code := http.StatusOK
		if !state.Healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		if d.Health != nil {
			h, err := d.Health.ConnectionHealth(req.Context(), d.ConnectionName)
			if err != nil {
				resp.Error = err.Error()
			}
			resp.Connection = h
		}
		writeJSON(w, code, resp)
	})

	r.Get("/tags", func(w http.ResponseWriter, req *http.Request) {
		tags := d.Tags.Tags()
		resp := tagsResponse{LoadedAt: d.Tags.LoadedAt(), Count: len(tags), Tags: make([]tagView, 0, len(tags))}
		for _, t := range tags {
			resp.Tags = append(resp.Tags, tagView{
				ID:                t.ID,
				Name:              t.Name,
				Unit:              t.Unit,
				Address:           t.Address,
				FunctionCode:      uint8(t.FunctionCode),
				DataType:          string(t.DataType),
				ScalingFactor:     t.ScalingFactor,
				Offset:            t.Offset,
				AlarmHigh:         t.AlarmHigh,
				AlarmLow:          t.AlarmLow,
				TargetField:       t.Target.Field,
				TransformerNumber: t.Target.TransformerNumber,
				Priority:          t.Priority,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if d.Latest != nil {
		r.Route("/readings", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, d.Latest.Snapshot())
			})
			r.Get("/{tagID}", func(w http.ResponseWriter, req *http.Request) {
				row, ok := d.Latest.Get(chi.URLParam(req, "tagID"))
				if !ok {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "no recent reading"})
					return
				}
				writeJSON(w, http.StatusOK, row)
			})
		})
	}

	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the router until its context ends.
type Server struct {
	srv *http.Server
	log logrus.FieldLogger
}

func NewServer(addr string, handler http.Handler, log logrus.FieldLogger) *Server {
	return &Server{
		srv: &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second},
		log: log,
	}
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("status server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("status server stopped")
	return nil
}
