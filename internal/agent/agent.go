package agent

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// TokenEnv names the variable carrying the daemon token.
const TokenEnv = "NODEWARDEN_AGENT_TOKEN"

const maxRequestBytes = 32 << 20

type Options struct {
	Version string
	// Token authenticates the panel. Empty disables auth.
	Token string
	// DataDir holds one directory per server under servers/.
	DataDir   string
	Collector *telemetry.Collector
}

// Server is the node daemon. It hosts servers as directories under DataDir and
// keeps their lifecycle state and console output in memory.
type Server struct {
	version   string
	token     string
	dataDir   string
	collector *telemetry.Collector

	mu        sync.Mutex
	instances map[string]*instance
	srv       *http.Server
}

type instance struct {
	mu        sync.Mutex
	id        string
	root      string
	spec      api.CreateServerPayload
	running   bool
	connected bool
	settings  api.ConsoleSettings
	console   *ringBuffer
}

func (inst *instance) log(format string, args ...any) {
	inst.console.add(fmt.Sprintf(format, args...), time.Now())
}

// New creates the daemon and reloads servers left in DataDir by a previous run.
// Reloaded servers start out stopped.
func New(opts Options) (*Server, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	s := &Server{
		version:   opts.Version,
		token:     opts.Token,
		dataDir:   opts.DataDir,
		collector: opts.Collector,
		instances: map[string]*instance{},
	}
	if err := os.MkdirAll(s.serversDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) serversDir() string { return filepath.Join(s.dataDir, "servers") }

func (s *Server) metaPath(id string) string { return filepath.Join(s.serversDir(), id+".json") }

func (s *Server) reload() error {
	metas, err := filepath.Glob(filepath.Join(s.serversDir(), "*.json"))
	if err != nil {
		return err
	}
	for _, p := range metas {
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		var spec api.CreateServerPayload
		if err := json.Unmarshal(raw, &spec); err != nil {
			log.Warn().Err(err).Str("file", p).Msg("skipping unreadable server metadata")
			continue
		}
		id := strings.TrimSuffix(filepath.Base(p), ".json")
		s.instances[id] = s.newInstance(id, spec)
	}
	if len(s.instances) > 0 {
		log.Info().Int("servers", len(s.instances)).Msg("reloaded servers")
	}
	return nil
}

func (s *Server) newInstance(id string, spec api.CreateServerPayload) *instance {
	return &instance{
		id:       id,
		root:     filepath.Join(s.serversDir(), id),
		spec:     spec,
		settings: api.ConsoleSettings{BufferLines: defaultBufferLines},
		console:  newRingBuffer(defaultBufferLines),
	}
}

// Handler returns the authenticated protocol handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.authenticate(mux)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("POST /server/create", s.command("server/create", nil))

	for action, fn := range map[string]handlerFunc{
		"server/start":       s.start,
		"server/stop":        s.stop,
		"server/restart":     s.restart,
		"server/kill":        s.kill,
		"server/delete":      s.remove,
		"console/connect":    s.consoleConnect,
		"console/disconnect": s.consoleDisconnect,
		"console/command":    s.consoleCommand,
		"console/history":    s.consoleHistory,
		"console/clear":      s.consoleClear,
		"console/download":   s.consoleDownload,
		"console/status":     s.consoleStatus,
		"console/settings":   s.consoleSettings,
		"files/list":         s.listFiles,
		"files/read":         s.readFile,
		"files/write":        s.writeFile,
		"files/mkdir":        s.mkdir,
		"files/delete":       s.deleteFile,
		"files/rename":       s.renameFile,
		"files/download":     s.downloadFile,
		"files/upload":       s.writeFile,
		"files/info":         s.fileInfo,
	} {
		mux.Handle("POST /"+action, s.command(action, fn))
	}
}

// authenticate accepts the token as the credential of the Authorization header
// (any scheme) or in X-Auth-Token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.Header.Get("X-Auth-Token")
		if presented == "" {
			if _, cred, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok {
				presented = strings.TrimSpace(cred)
			}
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			writeEnvelope(w, http.StatusUnauthorized, api.Fail("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	s.mu.Lock()
	n := len(s.instances)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(api.StatusResponse{
		Status:  "ok",
		Online:  true,
		Version: s.version,
		Host:    host,
		Time:    time.Now().UTC(),
		Servers: n,
	})
}

func (s *Server) command(action string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := http.StatusOK
		defer func() {
			labels := map[string]string{"action": action, "status": strconv.Itoa(status)}
			s.collector.Counter("nodewarden_agentd_requests", 1, labels)
			s.collector.Timer("nodewarden_agentd_request_duration", time.Since(start), labels)
		}()

		var req request
		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
			status = http.StatusBadRequest
			writeEnvelope(w, status, api.Fail("invalid request body: "+err.Error()))
			return
		}
		if req.ServerID == "" {
			status = http.StatusBadRequest
			writeEnvelope(w, status, api.Fail("server id is required"))
			return
		}

		var data any
		var err error
		if fn == nil {
			data, err = s.create(req)
		} else if inst, ok := s.lookup(req.ServerID); !ok {
			err = notFound("server not found")
		} else {
			inst.mu.Lock()
			data, err = fn(inst, req)
			inst.mu.Unlock()
		}

		if err != nil {
			status = statusOf(err)
			if status == http.StatusInternalServerError {
				log.Error().Err(err).Str("action", action).Str("server", req.ServerID).Msg("agent operation failed")
			}
			writeEnvelope(w, status, api.Fail(err.Error()))
			return
		}
		log.Debug().Str("action", action).Str("server", req.ServerID).Dur("elapsed", time.Since(start)).Msg("agent operation")
		writeEnvelope(w, status, api.OK(data))
	})
}

func (s *Server) lookup(id string) (*instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	return inst, ok
}

func validServerID(id string) bool {
	if id == "" || id == "." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) create(req request) (any, error) {
	var spec api.CreateServerPayload
	if err := req.decode(&spec); err != nil {
		return nil, err
	}
	if !validServerID(req.ServerID) {
		return nil, badRequest("invalid server id")
	}
	if strings.TrimSpace(spec.Name) == "" {
		return nil, badRequest("server name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[req.ServerID]; exists {
		return nil, conflict("server already exists")
	}
	inst := s.newInstance(req.ServerID, spec)
	if err := os.MkdirAll(inst.root, 0o755); err != nil {
		return nil, fmt.Errorf("create server directory: %w", err)
	}
	raw, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(s.metaPath(req.ServerID), raw, 0o600); err != nil {
		return nil, fmt.Errorf("write server metadata: %w", err)
	}
	inst.log("[nodewarden] server %s installed", spec.Name)
	s.instances[req.ServerID] = inst
	log.Info().Str("server", req.ServerID).Str("name", spec.Name).Msg("server created")
	return serverState(inst), nil
}

// ServerState is the data of lifecycle results.
type ServerState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

func serverState(inst *instance) ServerState {
	return ServerState{ID: inst.id, Name: inst.spec.Name, Running: inst.running}
}

func (s *Server) start(inst *instance, req request) (any, error) {
	if inst.running {
		return nil, conflict("server already running")
	}
	inst.log("[nodewarden] starting server %s", inst.spec.Name)
	if inst.spec.StartupCmd != "" {
		inst.log("[nodewarden] $ %s", inst.spec.StartupCmd)
	}
	inst.running = true
	inst.log("[nodewarden] server started")
	return serverState(inst), nil
}

func (s *Server) stop(inst *instance, req request) (any, error) {
	var p api.StopPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	if !inst.running {
		return nil, conflict("server is not running")
	}
	if p.Signal == "" {
		p.Signal = "SIGTERM"
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 30
	}
	inst.log("[nodewarden] stopping server (%s, timeout %ds)", p.Signal, p.TimeoutSeconds)
	inst.running = false
	inst.log("[nodewarden] server stopped")
	return serverState(inst), nil
}

func (s *Server) restart(inst *instance, req request) (any, error) {
	if inst.running {
		inst.log("[nodewarden] stopping server for restart")
		inst.running = false
	}
	inst.log("[nodewarden] starting server %s", inst.spec.Name)
	inst.running = true
	inst.log("[nodewarden] server started")
	return serverState(inst), nil
}

func (s *Server) kill(inst *instance, req request) (any, error) {
	if !inst.running {
		return nil, conflict("server is not running")
	}
	inst.running = false
	inst.log("[nodewarden] server killed")
	return serverState(inst), nil
}

func (s *Server) remove(inst *instance, req request) (any, error) {
	if inst.running {
		inst.running = false
		inst.log("[nodewarden] server stopped for deletion")
	}
	if err := os.RemoveAll(inst.root); err != nil {
		return nil, fmt.Errorf("remove server directory: %w", err)
	}
	if err := os.Remove(s.metaPath(inst.id)); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove server metadata: %w", err)
	}
	s.mu.Lock()
	delete(s.instances, inst.id)
	s.mu.Unlock()
	log.Info().Str("server", inst.id).Msg("server deleted")
	return map[string]string{"deleted": inst.id}, nil
}

func (s *Server) consoleConnect(inst *instance, req request) (any, error) {
	inst.connected = true
	return s.consoleStatus(inst, req)
}

func (s *Server) consoleDisconnect(inst *instance, req request) (any, error) {
	inst.connected = false
	return s.consoleStatus(inst, req)
}

func (s *Server) consoleCommand(inst *instance, req request) (any, error) {
	var p api.ConsoleCommandPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	cmd := strings.TrimSpace(p.Command)
	if cmd == "" {
		return nil, badRequest("command is required")
	}
	if !inst.running {
		return nil, conflict("server is not running")
	}
	inst.log("> %s", cmd)
	return map[string]string{"command": cmd}, nil
}

func (s *Server) consoleHistory(inst *instance, req request) (any, error) {
	var p api.ConsoleHistoryPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	return inst.console.tail(p.Lines), nil
}

func (s *Server) consoleClear(inst *instance, req request) (any, error) {
	inst.console.clear()
	return s.consoleStatus(inst, req)
}

func (s *Server) consoleDownload(inst *instance, req request) (any, error) {
	var p api.ConsoleDownloadPayload
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	lines := inst.console.tail(0)
	switch p.Format {
	case "", "txt":
		var b strings.Builder
		for _, l := range lines {
			if inst.settings.Timestamps {
				b.WriteString("[" + l.Time.Format(time.RFC3339) + "] ")
			}
			b.WriteString(l.Text)
			b.WriteByte('\n')
		}
		return ConsoleLog{Format: "txt", Content: b.String(), Lines: len(lines)}, nil
	case "json":
		raw, err := json.Marshal(lines)
		if err != nil {
			return nil, err
		}
		return ConsoleLog{Format: "json", Content: string(raw), Lines: len(lines)}, nil
	default:
		return nil, badRequest("format must be txt or json")
	}
}

func (s *Server) consoleStatus(inst *instance, req request) (any, error) {
	return api.ConsoleStatus{
		Connected:   inst.connected,
		Running:     inst.running,
		BufferedLen: inst.console.len(),
		Settings:    inst.settings,
	}, nil
}

func (s *Server) consoleSettings(inst *instance, req request) (any, error) {
	var p api.ConsoleSettings
	if err := req.decode(&p); err != nil {
		return nil, err
	}
	if p.BufferLines > 0 {
		inst.console.resize(p.BufferLines)
		inst.settings.BufferLines = p.BufferLines
	}
	inst.settings.Timestamps = p.Timestamps
	return s.consoleStatus(inst, req)
}

// ListenAndServe serves plain HTTP on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()
	log.Info().Str("addr", addr).Str("data", s.dataDir).Msg("agent listening")
	return srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return fmt.Errorf("server not running")
	}
	return srv.Shutdown(ctx)
}
