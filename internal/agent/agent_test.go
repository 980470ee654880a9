package agent

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

func newTestServer(t *testing.T, token string) (*Server, http.Handler) {
	t.Helper()
	srv, err := New(Options{Version: "test", Token: token, DataDir: t.TempDir(), Collector: telemetry.NewCollector(true, 0)})
	require.NoError(t, err)
	return srv, srv.Handler()
}

func post(t *testing.T, h http.Handler, action, serverID string, payload any) (int, api.CommandResult) {
	t.Helper()
	body, err := json.Marshal(map[string]any{"serverId": serverID, "payload": payload})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/"+action, bytes.NewReader(body)))
	var res api.CommandResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res), rr.Body.String())
	return rr.Code, res
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Online)
	assert.Equal(t, "test", resp.Version)
}

func TestAuthentication(t *testing.T) {
	_, h := newTestServer(t, "s3cret")

	for _, tc := range []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer s3cret", http.StatusOK},
		{"other scheme", "Authorization", "Token s3cret", http.StatusOK},
		{"x-auth-token", "X-Auth-Token", "s3cret", http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			assert.Equal(t, tc.want, rr.Code)
		})
	}
}

func TestLifecycle(t *testing.T) {
	_, h := newTestServer(t, "")

	code, res := post(t, h, "server/start", "s1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "server not found", res.Error)

	code, res = post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})
	require.Equal(t, http.StatusOK, code, res.Error)
	code, _ = post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})
	assert.Equal(t, http.StatusConflict, code)

	code, res = post(t, h, "server/stop", "s1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not running", res.Error)

	code, res = post(t, h, "server/start", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	var state ServerState
	require.NoError(t, res.Decode(&state))
	assert.True(t, state.Running)

	code, res = post(t, h, "server/start", "s1", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server already running", res.Error)

	code, _ = post(t, h, "server/restart", "s1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = post(t, h, "server/kill", "s1", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = post(t, h, "server/delete", "s1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = post(t, h, "server/start", "s1", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCreateRejectsBadInput(t *testing.T) {
	_, h := newTestServer(t, "")

	code, res := post(t, h, "server/create", "../escape", api.CreateServerPayload{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid server id", res.Error)

	code, res = post(t, h, "server/create", "s1", api.CreateServerPayload{})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "server name is required", res.Error)

	code, res = post(t, h, "server/start", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "server id is required", res.Error)
}

func TestReloadKeepsServersStopped(t *testing.T) {
	dir := t.TempDir()
	first, err := New(Options{DataDir: dir})
	require.NoError(t, err)
	h := first.Handler()
	post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})
	post(t, h, "server/start", "s1", nil)

	second, err := New(Options{DataDir: dir})
	require.NoError(t, err)
	code, res := post(t, second.Handler(), "console/status", "s1", nil)
	require.Equal(t, http.StatusOK, code)
	var st api.ConsoleStatus
	require.NoError(t, res.Decode(&st))
	assert.False(t, st.Running)
}

func TestConsole(t *testing.T) {
	_, h := newTestServer(t, "")
	post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})

	code, res := post(t, h, "console/command", "s1", api.ConsoleCommandPayload{Command: "say hi"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "server is not running", res.Error)

	post(t, h, "server/start", "s1", nil)
	code, _ = post(t, h, "console/command", "s1", api.ConsoleCommandPayload{Command: "say hi"})
	require.Equal(t, http.StatusOK, code)

	_, res = post(t, h, "console/history", "s1", api.ConsoleHistoryPayload{Lines: 1})
	var lines []api.ConsoleLine
	require.NoError(t, res.Decode(&lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "> say hi", lines[0].Text)

	_, res = post(t, h, "console/download", "s1", api.ConsoleDownloadPayload{Format: "txt"})
	var dl ConsoleLog
	require.NoError(t, res.Decode(&dl))
	assert.Contains(t, dl.Content, "> say hi\n")
	assert.Equal(t, "txt", dl.Format)

	code, _ = post(t, h, "console/download", "s1", api.ConsoleDownloadPayload{Format: "xml"})
	assert.Equal(t, http.StatusBadRequest, code)

	_, res = post(t, h, "console/settings", "s1", api.ConsoleSettings{BufferLines: 2, Timestamps: true})
	var st api.ConsoleStatus
	require.NoError(t, res.Decode(&st))
	assert.Equal(t, 2, st.BufferedLen)
	assert.Equal(t, 2, st.Settings.BufferLines)
	assert.True(t, st.Running)

	_, res = post(t, h, "console/clear", "s1", nil)
	require.NoError(t, res.Decode(&st))
	assert.Zero(t, st.BufferedLen)

	_, res = post(t, h, "console/connect", "s1", nil)
	require.NoError(t, res.Decode(&st))
	assert.True(t, st.Connected)
}

func TestFiles(t *testing.T) {
	srv, h := newTestServer(t, "")
	post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})

	code, res := post(t, h, "files/write", "s1", api.FileWritePayload{Path: "config/server.properties", Content: "motd=hi"})
	require.Equal(t, http.StatusOK, code, res.Error)
	onDisk, err := os.ReadFile(filepath.Join(srv.serversDir(), "s1", "config", "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hi", string(onDisk))

	_, res = post(t, h, "files/read", "s1", api.FilePathPayload{Path: "/config/server.properties"})
	var content api.FileContent
	require.NoError(t, res.Decode(&content))
	assert.Equal(t, "motd=hi", content.Content)
	assert.Equal(t, api.EncodingUTF8, content.Encoding)

	post(t, h, "files/mkdir", "s1", api.FilePathPayload{Path: "world"})
	_, res = post(t, h, "files/list", "s1", api.FilePathPayload{})
	var entries []api.FileEntry
	require.NoError(t, res.Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "config", entries[0].Name)
	assert.True(t, entries[0].IsDir)

	code, _ = post(t, h, "files/rename", "s1", api.FileRenamePayload{OldPath: "config/server.properties", NewPath: "server.properties"})
	require.Equal(t, http.StatusOK, code)
	code, _ = post(t, h, "files/rename", "s1", api.FileRenamePayload{OldPath: "world", NewPath: "server.properties"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = post(t, h, "files/info", "s1", api.FilePathPayload{Path: "config/server.properties"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = post(t, h, "files/delete", "s1", api.FilePathPayload{Path: "/"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = post(t, h, "files/delete", "s1", api.FilePathPayload{Path: "world"})
	assert.Equal(t, http.StatusOK, code)
}

func TestUploadDownloadIsByteIdentical(t *testing.T) {
	_, h := newTestServer(t, "")
	post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})

	blob := []byte{0x00, 0xff, 0x10, 0x80, 'a', 0x00, 0xfe}
	code, res := post(t, h, "files/upload", "s1", api.FileWritePayload{
		Path:     "plugins/blob.bin",
		Content:  base64.StdEncoding.EncodeToString(blob),
		Encoding: api.EncodingBase64,
	})
	require.Equal(t, http.StatusOK, code, res.Error)

	code, res = post(t, h, "files/read", "s1", api.FilePathPayload{Path: "plugins/blob.bin"})
	assert.Equal(t, http.StatusBadRequest, code)

	_, res = post(t, h, "files/download", "s1", api.FilePathPayload{Path: "plugins/blob.bin"})
	var content api.FileContent
	require.NoError(t, res.Decode(&content))
	assert.Equal(t, api.EncodingBase64, content.Encoding)
	got, err := base64.StdEncoding.DecodeString(content.Content)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	assert.EqualValues(t, len(blob), content.Size)
}

func TestFilesStayInsideServerRoot(t *testing.T) {
	srv, h := newTestServer(t, "")
	post(t, h, "server/create", "s1", api.CreateServerPayload{Name: "lobby"})

	for _, p := range []string{"../s2/x", "a/../../x", "..\\x"} {
		code, res := post(t, h, "files/write", "s1", api.FileWritePayload{Path: p, Content: "x"})
		assert.Equal(t, http.StatusBadRequest, code, p)
		assert.False(t, res.Success)
	}

	// Absolute paths are rooted at the server directory.
	code, _ := post(t, h, "files/write", "s1", api.FileWritePayload{Path: "/etc/passwd", Content: "x"})
	require.Equal(t, http.StatusOK, code)
	_, err := os.Stat(filepath.Join(srv.serversDir(), "s1", "etc", "passwd"))
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	full, clean, err := resolve(root, "a//b/./c")
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", clean)
	assert.Equal(t, filepath.Join(root, "a", "b", "c"), full)

	_, _, err = resolve(root, "")
	assert.EqualError(t, err, "path is required")
	_, _, err = resolve(root, "a\x00b")
	assert.Error(t, err)
}

func TestRequestCounters(t *testing.T) {
	collector := telemetry.NewCollector(true, 0)
	srv, err := New(Options{DataDir: t.TempDir(), Collector: collector})
	require.NoError(t, err)
	post(t, srv.Handler(), "server/start", "missing", nil)
	assert.Equal(t, 1.0, collector.Value("nodewarden_agentd_requests", map[string]string{"action": "server/start", "status": "404"}))
}
