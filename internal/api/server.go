// Package api is the HTTP presentation boundary: device listing,
// annotation edits, CSV export, port selection and status.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/beacon.report/internal/db"
	"github.com/banshee-data/beacon.report/internal/export"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/monitor"
	"github.com/banshee-data/beacon.report/internal/registry"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Options wires a Server to the rest of the process. DB and ListPorts are
// optional.
type Options struct {
	Registry  *registry.Registry
	Exporter  *export.Exporter
	Listener  *monitor.Listener
	DB        *db.DB
	ListPorts func() ([]string, error)
}

type Server struct {
	reg       *registry.Registry
	exporter  *export.Exporter
	listener  *monitor.Listener
	db        *db.DB
	listPorts func() ([]string, error)
}

func NewServer(o Options) *Server {
	s := &Server{
		reg:       o.Registry,
		exporter:  o.Exporter,
		listener:  o.Listener,
		db:        o.DB,
		listPorts: o.ListPorts,
	}
	if s.listPorts == nil {
		s.listPorts = serialmux.ListPorts
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.listDevices)
	mux.HandleFunc("GET /api/devices/{mac}", s.showDevice)
	mux.HandleFunc("GET /api/devices/{mac}/summary", s.showSummary)
	mux.HandleFunc("PUT /api/devices/{mac}/annotation", s.annotateDevice)
	mux.HandleFunc("POST /api/export", s.exportCSV)
	mux.HandleFunc("GET /api/ports", s.listSerialPorts)
	mux.HandleFunc("POST /api/listen", s.startListening)
	mux.HandleFunc("DELETE /api/listen", s.stopListening)
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("GET /api/chart", s.showChart)
	return mux
}

// deviceID normalises the {mac} path value to the registry form.
func deviceID(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.PathValue("mac")))
}

// writeRegistryError maps registry errors to status codes.
func writeRegistryError(w http.ResponseWriter, err error) {
	var unknown *registry.UnknownDeviceError
	switch {
	case errors.As(err, &unknown):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, registry.ErrUnknownField):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.reg.Snapshot())
}

func (s *Server) showDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.reg.Get(deviceID(r))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reg.Summary(deviceID(r))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sum)
}

// AnnotationRequest is the body of PUT /api/devices/{mac}/annotation.
type AnnotationRequest struct {
	Field registry.Field `json:"field"`
	Value string         `json:"value"`
}

func (s *Server) annotateDevice(w http.ResponseWriter, r *http.Request) {
	var req AnnotationRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	id := deviceID(r)
	if err := s.reg.SetAnnotation(id, req.Field, req.Value); err != nil {
		writeRegistryError(w, err)
		return
	}

	if session := s.session(); session != nil {
		if err := session.RecordAnnotation(r.Context(), id, string(req.Field), req.Value, s.reg.Now()); err != nil {
			log.Printf("failed to record annotation for %s: %v", id, err)
		}
	}

	rec, err := s.reg.Get(id)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	httputil.WriteJSONOK(w, rec)
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		httputil.NotFound(w, "export is not configured")
		return
	}
	res, err := s.exporter.Export(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("export failed: %v", err))
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) listSerialPorts(w http.ResponseWriter, r *http.Request) {
	ports, err := s.listPorts()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list serial ports: %v", err))
		return
	}
	if ports == nil {
		ports = []string{}
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"ports":             ports,
		"baud_rates":        serialmux.SupportedBaudRates,
		"default_baud_rate": serialmux.DefaultBaudRate,
	})
}

// ListenRequest is the body of POST /api/listen.
type ListenRequest struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

func (s *Server) startListening(w http.ResponseWriter, r *http.Request) {
	if s.listener == nil {
		httputil.NotFound(w, "port selection is not available")
		return
	}
	var req ListenRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.Port) == "" {
		httputil.BadRequest(w, "port is required")
		return
	}

	cfg := monitor.PortConfig{Path: req.Port, Options: serialmux.PortOptions{BaudRate: req.BaudRate}}
	if err := s.listener.Start(r.Context(), cfg); err != nil {
		var poe *serialmux.PortOpenError
		if errors.As(err, &poe) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.listener.Status())
}

func (s *Server) stopListening(w http.ResponseWriter, r *http.Request) {
	if s.listener == nil {
		httputil.NotFound(w, "port selection is not available")
		return
	}
	if err := s.listener.Stop(); err != nil {
		if errors.Is(err, monitor.ErrNotListening) {
			httputil.WriteJSONError(w, http.StatusConflict, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, s.listener.Status())
}

// Status is the body of GET /api/status.
type Status struct {
	Version         string                  `json:"version"`
	GitSHA          string                  `json:"git_sha"`
	BuildTime       string                  `json:"build_time"`
	Devices         int                     `json:"devices"`
	PendingExport   int                     `json:"pending_export"`
	LivenessTimeout string                  `json:"liveness_timeout"`
	ExportPath      string                  `json:"export_path,omitempty"`
	DBPath          string                  `json:"db_path,omitempty"`
	Listener        *monitor.ListenerStatus `json:"listener,omitempty"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Version:         version.Version,
		GitSHA:          version.GitSHA,
		BuildTime:       version.BuildTime,
		Devices:         s.reg.Len(),
		PendingExport:   s.reg.Pending(),
		LivenessTimeout: s.reg.LivenessTimeout().String(),
	}
	if s.exporter != nil {
		st.ExportPath = s.exporter.Path()
	}
	if s.db != nil {
		st.DBPath = s.db.Path()
	}
	if s.listener != nil {
		ls := s.listener.Status()
		st.Listener = &ls
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.NotFound(w, "session recording is disabled")
		return
	}
	sessions, err := s.db.Sessions(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	if sessions == nil {
		sessions = []db.Session{}
	}
	httputil.WriteJSONOK(w, sessions)
}

func (s *Server) session() *db.Session {
	if s.listener == nil {
		return nil
	}
	return s.listener.Session()
}
