package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

func TestCallSendsAuthenticatedCommand(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true,"data":{"state":"running"}}`))
	}))
	defer srv.Close()

	c := New(Options{Timeout: time.Second, AuthScheme: "Bearer"})
	node := api.Node{UUID: "n1", BaseURL: srv.URL + "/", APIKey: "secret"}
	res := c.Call(context.Background(), node, api.Command{Action: "server/start", ServerID: "s1", Payload: map[string]int{"x": 1}})

	require.True(t, res.Success, res.Error)
	assert.False(t, res.Transport)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "/server/start", gotPath)
	assert.Equal(t, "s1", gotBody["serverId"])

	var data struct{ State string }
	require.NoError(t, res.Decode(&data))
	assert.Equal(t, "running", data.State)
}

func TestCallNon2xxWithEnvelopeIsAgentReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":"server not found"}`))
	}))
	defer srv.Close()

	res := New(Options{Timeout: time.Second}).Call(context.Background(), api.Node{BaseURL: srv.URL}, api.Command{Action: "server/start", ServerID: "s"})
	assert.False(t, res.Success)
	assert.False(t, res.Transport)
	assert.Equal(t, "server not found", res.Error)
}

func TestCallNon2xxWithoutEnvelopeIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	res := New(Options{Timeout: time.Second}).Call(context.Background(), api.Node{BaseURL: srv.URL}, api.Command{Action: "x"})
	assert.False(t, res.Success)
	assert.True(t, res.Transport)
	assert.Contains(t, res.Error, "status 502")
}

func TestCallMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	res := New(Options{Timeout: time.Second}).Call(context.Background(), api.Node{BaseURL: srv.URL}, api.Command{Action: "x"})
	assert.False(t, res.Success)
	assert.True(t, res.Transport)
	assert.Contains(t, res.Error, "decode response")
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := New(Options{Timeout: 100 * time.Millisecond}).Call(context.Background(), api.Node{BaseURL: srv.URL}, api.Command{Action: "x"})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Transport)
	assert.Contains(t, res.Error, "timed out")
}

func TestCallConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	res := New(Options{Timeout: time.Second}).Call(context.Background(), api.Node{BaseURL: url}, api.Command{Action: "x"})
	assert.False(t, res.Success)
	assert.True(t, res.Transport)
	assert.True(t, strings.HasPrefix(res.Error, "agent request failed"))
}

func TestProbe(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		ok   bool
	}{
		{"status ok", 200, `{"status":"ok"}`, true},
		{"online flag", 200, `{"online":true}`, true},
		{"success flag", 200, `{"success":true}`, true},
		{"no indicator", 200, `{"status":"starting"}`, false},
		{"server error", 500, `{"status":"ok"}`, false},
		{"not json", 200, `ok`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, StatusPath, r.URL.Path)
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			pr := New(Options{Timeout: time.Second}).Probe(context.Background(), api.Node{BaseURL: srv.URL})
			assert.Equal(t, tc.ok, pr.OK)
			if !tc.ok {
				assert.Error(t, pr.Err)
			}
		})
	}
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	body := []byte(strings.Repeat("a", 199) + strings.Repeat("é", 10))
	got := snippet(body)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 199)+"...", got)

	assert.Equal(t, "short", snippet([]byte("  short\n")))
}
