package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "nodewarden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nw.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveNode(context.Background(), api.Node{UUID: "n1", BaseURL: "http://a"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
	n, err := s.GetNode(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "http://a", n.BaseURL)
}

func TestNodes(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveNode(ctx, api.Node{UUID: "n2", BaseURL: "http://b", APIKey: "kb", RegisteredAt: at}))
	require.NoError(t, s.SaveNode(ctx, api.Node{ID: "1", UUID: "n1", BaseURL: "http://a", APIKey: "ka", RegisteredAt: at}))
	require.NoError(t, s.SaveNode(ctx, api.Node{ID: "1", UUID: "n1", BaseURL: "http://a2", APIKey: "ka2", RegisteredAt: at.Add(time.Hour)}))

	nodes, err := s.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "n1", nodes[0].UUID)
	assert.Equal(t, "http://a2", nodes[0].BaseURL)
	assert.Equal(t, "ka2", nodes[0].APIKey)
	assert.True(t, at.Equal(nodes[0].RegisteredAt), "upsert keeps the first registration time")
	assert.Equal(t, "n2", nodes[1].ID)

	require.NoError(t, s.DeleteNode(ctx, "n1"))
	require.NoError(t, s.DeleteNode(ctx, "n1"))
	_, err = s.GetNode(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.SaveNode(ctx, api.Node{BaseURL: "http://x"}))
}

func TestMappings(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	_, ok, err := s.GetMapping(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveMapping(ctx, api.ServerAgentMapping{ServerID: "s1", NodeUUID: "n1"}))
	require.NoError(t, s.SaveMapping(ctx, api.ServerAgentMapping{ServerID: "s2", NodeUUID: "n1"}))
	require.NoError(t, s.SaveMapping(ctx, api.ServerAgentMapping{ServerID: "s1", NodeUUID: "n2"}))

	m, ok, err := s.GetMapping(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n2", m.NodeUUID)
	assert.False(t, m.UpdatedAt.IsZero())

	onN1, err := s.ListMappings(ctx, "n1")
	require.NoError(t, err)
	require.Len(t, onN1, 1)
	assert.Equal(t, "s2", onN1[0].ServerID)

	all, err := s.ListMappings(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteMapping(ctx, "s1"))
	_, ok, err = s.GetMapping(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServers(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.CreateServer(ctx, api.Server{ID: "s1", NodeUUID: "n1", Name: "survival", Status: api.ServerInstalling}))
	assert.Error(t, s.CreateServer(ctx, api.Server{ID: "s1", NodeUUID: "n1", Name: "dup", Status: api.ServerInstalling}))

	require.NoError(t, s.UpdateServerStatus(ctx, "s1", api.ServerInstallFailed, "agent unavailable"))
	srv, err := s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, api.ServerInstallFailed, srv.Status)
	assert.Equal(t, "agent unavailable", srv.LastError)
	assert.Equal(t, "survival", srv.Name)

	require.NoError(t, s.UpdateServerStatus(ctx, "s1", api.ServerOffline, ""))
	require.NoError(t, s.UpdateServerNode(ctx, "s1", "n2"))
	srv, err = s.GetServer(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, srv.LastError)
	assert.Equal(t, "n2", srv.NodeUUID)

	assert.ErrorIs(t, s.UpdateServerStatus(ctx, "ghost", api.ServerRunning, ""), ErrNotFound)

	list, err := s.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteServer(ctx, "s1"))
	_, err = s.GetServer(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
