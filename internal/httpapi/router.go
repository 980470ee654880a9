package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/mapping"
	"github.com/3cpo-dev/nodewarden/internal/registry"
	"github.com/3cpo-dev/nodewarden/internal/servers"
	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// Handler serves the panel API under /api/v1.
type Handler struct {
	registry  *registry.Registry
	commands  *command.Service
	mappings  *mapping.Service
	servers   *servers.Manager
	collector *telemetry.Collector
	token     string
}

type Deps struct {
	Registry  *registry.Registry
	Commands  *command.Service
	Mappings  *mapping.Service
	Servers   *servers.Manager
	Collector *telemetry.Collector
	// Token is the bearer token clients must present. Empty disables auth.
	Token string
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		registry:  d.Registry,
		commands:  d.Commands,
		mappings:  d.Mappings,
		servers:   d.Servers,
		collector: d.Collector,
		token:     d.Token,
	}
}

// Router builds the route table.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(h.logRequests)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(h.authenticate)

	v1.HandleFunc("/nodes", h.ListNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", h.RegisterNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/discover", h.DiscoverNodes).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/health", h.HealthCheckNodes).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{uuid}", h.GetNode).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/{uuid}", h.UnregisterNode).Methods(http.MethodDelete)

	v1.HandleFunc("/servers", h.ListServers).Methods(http.MethodGet)
	v1.HandleFunc("/servers", h.CreateServer).Methods(http.MethodPost)
	v1.HandleFunc("/servers/{id}", h.GetServer).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}", h.DeleteServer).Methods(http.MethodDelete)
	v1.HandleFunc("/servers/{id}/power", h.PowerServer).Methods(http.MethodPost)
	v1.HandleFunc("/servers/{id}/migrate", h.MigrateServer).Methods(http.MethodPost)
	v1.HandleFunc("/servers/{id}/validate", h.ValidateServer).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}/mapping", h.GetMapping).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{id}/mapping", h.AssignMapping).Methods(http.MethodPut)
	v1.HandleFunc("/servers/{id}/mapping", h.ReleaseMapping).Methods(http.MethodDelete)

	c := v1.PathPrefix("/servers/{id}/console").Subrouter()
	c.HandleFunc("/connect", h.ConsoleConnect).Methods(http.MethodPost)
	c.HandleFunc("/disconnect", h.ConsoleDisconnect).Methods(http.MethodPost)
	c.HandleFunc("/command", h.ConsoleCommand).Methods(http.MethodPost)
	c.HandleFunc("/history", h.ConsoleHistory).Methods(http.MethodGet)
	c.HandleFunc("/clear", h.ConsoleClear).Methods(http.MethodPost)
	c.HandleFunc("/download", h.ConsoleDownload).Methods(http.MethodGet)
	c.HandleFunc("/status", h.ConsoleStatus).Methods(http.MethodGet)
	c.HandleFunc("/settings", h.ConsoleSettings).Methods(http.MethodPut)

	f := v1.PathPrefix("/servers/{id}/files").Subrouter()
	f.HandleFunc("", h.ListFiles).Methods(http.MethodGet)
	f.HandleFunc("", h.DeleteFile).Methods(http.MethodDelete)
	f.HandleFunc("/content", h.ReadFile).Methods(http.MethodGet)
	f.HandleFunc("/content", h.WriteFile).Methods(http.MethodPut)
	f.HandleFunc("/mkdir", h.CreateDirectory).Methods(http.MethodPost)
	f.HandleFunc("/rename", h.RenameFile).Methods(http.MethodPost)
	f.HandleFunc("/download", h.DownloadFile).Methods(http.MethodGet)
	f.HandleFunc("/upload", h.UploadFile).Methods(http.MethodPost)
	f.HandleFunc("/info", h.FileInfo).Methods(http.MethodGet)

	return r
}

// authenticate requires "Authorization: Bearer <token>" when a token is set.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			writeError(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		h.collector.Timer("nodewarden_api_request_duration", elapsed, map[string]string{"route": route, "method": r.Method})
		log.Debug().
			Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", elapsed).
			Msg("api request")
	})
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// writeErr maps Go errors from the panel services to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	var verr command.ValidationError
	var aerr *servers.AgentError
	switch {
	case errors.As(err, &verr), errors.Is(err, mapping.ErrServerIDRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, command.ErrAgentUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, servers.ErrServerNotFound),
		errors.Is(err, mapping.ErrNoMapping),
		errors.Is(err, command.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, servers.ErrServerBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &aerr):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error().Err(err).Msg("api request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeResult relays an agent CommandResult. Availability failures keep their
// status codes; any other unsuccessful result is 422.
func writeResult(w http.ResponseWriter, res api.CommandResult) {
	status := http.StatusOK
	if !res.Success {
		switch res.Error {
		case command.ErrAgentNotFound.Error():
			status = http.StatusNotFound
		case command.ErrAgentUnavailable.Error():
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return command.ValidationError{Field: "body", Message: "invalid request body: " + err.Error()}
	}
	return nil
}
