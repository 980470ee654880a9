package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/nodewarden/internal/agent"
	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/mapping"
	"github.com/3cpo-dev/nodewarden/internal/registry"
	"github.com/3cpo-dev/nodewarden/internal/servers"
	"github.com/3cpo-dev/nodewarden/internal/store"
	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/internal/transport"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const agentToken = "agent-tok"

type testEnv struct {
	router    http.Handler
	registry  *registry.Registry
	agent     *httptest.Server
	collector *telemetry.Collector
	token     string
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func setup(t *testing.T, token string) *testEnv {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "panel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	collector := telemetry.NewCollector(true, 0)
	client := transport.New(transport.Options{Timeout: time.Second})
	reg := registry.New(client, registry.Options{Store: st, Collector: collector})
	commands := command.NewService(reg, client, collector)
	mappings := mapping.NewService(st, reg)
	mgr := servers.NewManager(st, mappings, commands)

	daemon, err := agent.New(agent.Options{Token: agentToken, DataDir: t.TempDir()})
	require.NoError(t, err)
	ts := httptest.NewServer(daemon.Handler())
	t.Cleanup(ts.Close)

	h := NewHandler(Deps{
		Registry:  reg,
		Commands:  commands,
		Mappings:  mappings,
		Servers:   mgr,
		Collector: collector,
		Token:     token,
	})
	return &testEnv{router: h.Router(), registry: reg, agent: ts, collector: collector, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	var res response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res), rr.Body.String())
	return rr.Code, res
}

func (e *testEnv) registerNode(t *testing.T, uuid string) {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"uuid": uuid, "base_url": e.agent.URL, "api_key": agentToken})
	require.Equal(t, http.StatusCreated, code, res.Error)
}

func (e *testEnv) createServer(t *testing.T, node string) api.Server {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/api/v1/servers", map[string]string{"node_uuid": node, "name": "lobby"})
	require.Equal(t, http.StatusCreated, code, res.Error)
	var srv api.Server
	require.NoError(t, json.Unmarshal(res.Data, &srv))
	return srv
}

func TestAuthentication(t *testing.T) {
	env := setup(t, "panel-token")

	for _, tc := range []struct {
		name   string
		header string
		want   int
		err    string
	}{
		{"missing", "", http.StatusUnauthorized, "authorization header required"},
		{"wrong scheme", "Basic panel-token", http.StatusUnauthorized, "authorization header required"},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "invalid token"},
		{"ok", "Bearer panel-token", http.StatusOK, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/nodes", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
			assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
			var res response
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
			assert.Equal(t, tc.err, res.Error)
		})
	}
}

func TestRegisterNode(t *testing.T) {
	env := setup(t, "")

	code, res := env.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"base_url": env.agent.URL, "api_key": agentToken})
	require.Equal(t, http.StatusCreated, code, res.Error)
	var view NodeView
	require.NoError(t, json.Unmarshal(res.Data, &view))
	assert.NotEmpty(t, view.UUID)
	require.NotNil(t, view.Status)
	assert.True(t, view.Status.Online)

	code, res = env.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"uuid": "bad", "base_url": env.agent.URL, "api_key": "wrong"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Contains(t, res.Error, "agent registration failed")

	code, _ = env.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"uuid": "x"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/nodes", map[string]string{"unknown": "field"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = env.do(t, http.MethodGet, "/api/v1/nodes/bad", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "agent not found", res.Error)

	code, res = env.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, code)
	var list []NodeView
	require.NoError(t, json.Unmarshal(res.Data, &list))
	assert.Len(t, list, 1)

	code, res = env.do(t, http.MethodDelete, "/api/v1/nodes/"+view.UUID, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"removed":true}`, string(res.Data))
}

func TestServerLifecycle(t *testing.T) {
	env := setup(t, "")
	env.registerNode(t, "n1")
	srv := env.createServer(t, "n1")
	assert.Equal(t, api.ServerOffline, srv.Status)
	base := "/api/v1/servers/" + srv.ID

	code, res := env.do(t, http.MethodGet, base+"/validate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":true,"nodeUuid":"n1"}`, string(res.Data))

	code, res = env.do(t, http.MethodPost, base+"/power", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, code, res.Error)
	require.NoError(t, json.Unmarshal(res.Data, &srv))
	assert.Equal(t, api.ServerRunning, srv.Status)

	code, res = env.do(t, http.MethodPost, base+"/power", map[string]string{"action": "start"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, res.Error, "server already running")

	code, _ = env.do(t, http.MethodPost, base+"/power", map[string]string{"action": "explode"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, base+"/migrate", map[string]string{"node_uuid": "n1"})
	assert.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusOK, code, res.Error)
	code, _ = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateServerOnUnknownNode(t *testing.T) {
	env := setup(t, "")

	code, res := env.do(t, http.MethodPost, "/api/v1/servers", map[string]string{"node_uuid": "ghost", "name": "lobby"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	var srv api.Server
	require.NoError(t, json.Unmarshal(res.Data, &srv))
	assert.Equal(t, api.ServerInstallFailed, srv.Status)
	assert.NotEmpty(t, srv.LastError)

	code, _ = env.do(t, http.MethodPost, "/api/v1/servers", map[string]string{"name": "lobby"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestConsoleAndFiles(t *testing.T) {
	env := setup(t, "")
	env.registerNode(t, "n1")
	srv := env.createServer(t, "n1")
	base := "/api/v1/servers/" + srv.ID

	code, res := env.do(t, http.MethodPost, base+"/console/command", map[string]string{"command": "say hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "server is not running", res.Error)

	env.do(t, http.MethodPost, base+"/power", map[string]string{"action": "start"})
	code, _ = env.do(t, http.MethodPost, base+"/console/command", map[string]string{"command": "say hi"})
	require.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodGet, base+"/console/history?lines=1", nil)
	require.Equal(t, http.StatusOK, code)
	var lines []api.ConsoleLine
	require.NoError(t, json.Unmarshal(res.Data, &lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "> say hi", lines[0].Text)

	code, _ = env.do(t, http.MethodPut, base+"/console/settings", api.ConsoleSettings{BufferLines: 50})
	assert.Equal(t, http.StatusOK, code)

	code, res = env.do(t, http.MethodPut, base+"/files/content", api.FileWritePayload{Path: "motd.txt", Content: "welcome"})
	require.Equal(t, http.StatusOK, code, res.Error)
	code, res = env.do(t, http.MethodGet, base+"/files/content?path=motd.txt", nil)
	require.Equal(t, http.StatusOK, code)
	var content api.FileContent
	require.NoError(t, json.Unmarshal(res.Data, &content))
	assert.Equal(t, "welcome", content.Content)

	blob := []byte{0, 1, 2, 0xfe, 0xff}
	code, res = env.do(t, http.MethodPost, base+"/files/upload", api.FileWritePayload{
		Path: "data.bin", Content: base64.StdEncoding.EncodeToString(blob), Encoding: api.EncodingBase64,
	})
	require.Equal(t, http.StatusOK, code, res.Error)
	code, res = env.do(t, http.MethodGet, base+"/files/download?path=data.bin", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(res.Data, &content))
	got, err := base64.StdEncoding.DecodeString(content.Content)
	require.NoError(t, err)
	assert.Equal(t, blob, got)

	code, res = env.do(t, http.MethodGet, base+"/files/content?path=../escape", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, res.Error, "path must not contain ..")

	code, _ = env.do(t, http.MethodGet, base+"/files/info?path=missing.txt", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestUnavailableAgent(t *testing.T) {
	env := setup(t, "")
	env.registerNode(t, "n1")
	srv := env.createServer(t, "n1")
	base := "/api/v1/servers/" + srv.ID

	env.agent.Close()
	code, res := env.do(t, http.MethodPost, "/api/v1/nodes/health", nil)
	require.Equal(t, http.StatusOK, code)
	var statuses map[string]api.AgentStatus
	require.NoError(t, json.Unmarshal(res.Data, &statuses))
	assert.False(t, statuses["n1"].Online)

	code, res = env.do(t, http.MethodGet, base+"/console/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "agent unavailable", res.Error)

	code, _ = env.do(t, http.MethodPost, base+"/power", map[string]string{"action": "start"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, res = env.do(t, http.MethodGet, base+"/validate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":false,"nodeUuid":"n1","error":"agent unavailable"}`, string(res.Data))
}

func TestUnmappedServer(t *testing.T) {
	env := setup(t, "")

	code, res := env.do(t, http.MethodGet, "/api/v1/servers/nope/files", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "no mapping", res.Error)

	code, _ = env.do(t, http.MethodGet, "/api/v1/servers/nope/mapping", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPut, "/api/v1/servers/nope/mapping", map[string]string{"node_uuid": "ghost"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodPost, "/api/v1/servers/nope/power", map[string]string{"action": "start"})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRequestTimer(t *testing.T) {
	env := setup(t, "")
	env.do(t, http.MethodGet, "/api/v1/nodes", nil)

	var found bool
	for _, m := range env.collector.GetMetrics() {
		if m.Name == "nodewarden_api_request_duration" && m.Labels["route"] == "/api/v1/nodes" {
			found = true
			assert.EqualValues(t, 1, m.Count)
		}
	}
	assert.True(t, found)
}
