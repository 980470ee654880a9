package mapping

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

type memStore struct {
	mu       sync.Mutex
	mappings map[string]api.ServerAgentMapping
	reads    int
	err      error
}

func newMemStore() *memStore {
	return &memStore{mappings: map[string]api.ServerAgentMapping{}}
}

func (m *memStore) GetMapping(ctx context.Context, serverID string) (api.ServerAgentMapping, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.err != nil {
		return api.ServerAgentMapping{}, false, m.err
	}
	v, ok := m.mappings[serverID]
	return v, ok, nil
}

func (m *memStore) SaveMapping(ctx context.Context, v api.ServerAgentMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[v.ServerID] = v
	return nil
}

func (m *memStore) DeleteMapping(ctx context.Context, serverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, serverID)
	return nil
}

// fakeRegistry tracks nodes and their availability; unknown nodes are unavailable.
type fakeRegistry struct {
	mu     sync.Mutex
	online map[string]bool
	checks []string
}

func (f *fakeRegistry) Node(nodeUUID string) (api.Node, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.online[nodeUUID]
	return api.Node{UUID: nodeUUID}, ok
}

func (f *fakeRegistry) IsAgentAvailable(nodeUUID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks = append(f.checks, nodeUUID)
	return f.online[nodeUUID]
}

func TestValidateServerAgentOrder(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{online: map[string]bool{"n1": true, "n2": false}}
	svc := NewService(store, reg)
	ctx := context.Background()

	v := svc.ValidateServerAgent(ctx, "s1")
	assert.False(t, v.Valid)
	assert.Equal(t, "no mapping", v.Error)
	assert.Empty(t, reg.checks, "availability is not consulted without a mapping")

	_, err := svc.Assign(ctx, "s1", "n2")
	require.NoError(t, err)
	v = svc.ValidateServerAgent(ctx, "s1")
	assert.False(t, v.Valid)
	assert.Equal(t, "agent unavailable", v.Error)
	assert.Equal(t, "n2", v.NodeUUID)

	_, err = svc.Assign(ctx, "s1", "n1")
	require.NoError(t, err)
	v = svc.ValidateServerAgent(ctx, "s1")
	assert.True(t, v.Valid)
	assert.Empty(t, v.Error)
	assert.Equal(t, "n1", v.NodeUUID)
}

func TestValidateServerAgentIsNotCached(t *testing.T) {
	store := newMemStore()
	reg := &fakeRegistry{online: map[string]bool{"n1": true}}
	svc := NewService(store, reg)
	ctx := context.Background()
	_, err := svc.Assign(ctx, "s1", "n1")
	require.NoError(t, err)

	assert.True(t, svc.ValidateServerAgent(ctx, "s1").Valid)
	reg.mu.Lock()
	reg.online["n1"] = false
	reg.mu.Unlock()
	assert.False(t, svc.ValidateServerAgent(ctx, "s1").Valid)

	before := store.reads
	svc.ValidateServerAgent(ctx, "s1")
	assert.Equal(t, before+1, store.reads)
}

func TestValidateServerAgentStoreError(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk I/O error")
	svc := NewService(store, &fakeRegistry{online: map[string]bool{}})

	v := svc.ValidateServerAgent(context.Background(), "s1")
	assert.False(t, v.Valid)
	assert.Contains(t, v.Error, "disk I/O error")

	assert.Equal(t, "server id is required", svc.ValidateServerAgent(context.Background(), "").Error)
}

func TestAssignRequiresRegisteredNode(t *testing.T) {
	svc := NewService(newMemStore(), &fakeRegistry{online: map[string]bool{}})
	_, err := svc.Assign(context.Background(), "s1", "ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, command.ErrAgentNotFound)

	_, err = svc.Assign(context.Background(), "", "ghost")
	assert.ErrorIs(t, err, ErrServerIDRequired)
}

func TestLookupAndRelease(t *testing.T) {
	svc := NewService(newMemStore(), &fakeRegistry{online: map[string]bool{"n1": true}})
	ctx := context.Background()

	_, err := svc.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoMapping)

	_, err = svc.Assign(ctx, "s1", "n1")
	require.NoError(t, err)
	m, err := svc.Lookup(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "n1", m.NodeUUID)
	assert.False(t, m.UpdatedAt.IsZero())

	require.NoError(t, svc.Release(ctx, "s1"))
	require.NoError(t, svc.Release(ctx, "s1"))
	_, err = svc.Lookup(ctx, "s1")
	assert.ErrorIs(t, err, ErrNoMapping)
}
