package mapping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

var (
	ErrNoMapping        = errors.New("no mapping")
	ErrServerIDRequired = errors.New("server id is required")
)

// Store persists server to node bindings.
type Store interface {
	GetMapping(ctx context.Context, serverID string) (api.ServerAgentMapping, bool, error)
	SaveMapping(ctx context.Context, m api.ServerAgentMapping) error
	DeleteMapping(ctx context.Context, serverID string) error
}

// Registry answers which nodes exist and which are reachable.
type Registry interface {
	Node(nodeUUID string) (api.Node, bool)
	IsAgentAvailable(nodeUUID string) bool
}

// Validation is the outcome of checking a server against its agent.
type Validation struct {
	Valid    bool   `json:"valid"`
	NodeUUID string `json:"nodeUuid,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Service struct {
	store    Store
	registry Registry
	now      func() time.Time
}

func NewService(store Store, registry Registry) *Service {
	return &Service{store: store, registry: registry, now: time.Now}
}

// ValidateServerAgent checks the mapping first, then agent availability.
// Nothing is cached; each call reads the store and the registry again.
func (s *Service) ValidateServerAgent(ctx context.Context, serverID string) Validation {
	if serverID == "" {
		return Validation{Error: ErrServerIDRequired.Error()}
	}
	m, ok, err := s.store.GetMapping(ctx, serverID)
	if err != nil {
		log.Error().Err(err).Str("server", serverID).Msg("mapping lookup failed")
		return Validation{Error: fmt.Sprintf("lookup mapping: %v", err)}
	}
	if !ok {
		return Validation{Error: ErrNoMapping.Error()}
	}
	if !s.registry.IsAgentAvailable(m.NodeUUID) {
		return Validation{NodeUUID: m.NodeUUID, Error: command.ErrAgentUnavailable.Error()}
	}
	return Validation{Valid: true, NodeUUID: m.NodeUUID}
}

// Lookup returns the node currently hosting serverID.
func (s *Service) Lookup(ctx context.Context, serverID string) (api.ServerAgentMapping, error) {
	if serverID == "" {
		return api.ServerAgentMapping{}, ErrServerIDRequired
	}
	m, ok, err := s.store.GetMapping(ctx, serverID)
	if err != nil {
		return api.ServerAgentMapping{}, fmt.Errorf("lookup mapping: %w", err)
	}
	if !ok {
		return api.ServerAgentMapping{}, ErrNoMapping
	}
	return m, nil
}

// Assign binds serverID to nodeUUID, replacing any previous binding. The node
// must be registered; it does not need to be online.
func (s *Service) Assign(ctx context.Context, serverID, nodeUUID string) (api.ServerAgentMapping, error) {
	if serverID == "" {
		return api.ServerAgentMapping{}, ErrServerIDRequired
	}
	if _, ok := s.registry.Node(nodeUUID); !ok {
		return api.ServerAgentMapping{}, fmt.Errorf("assign %s to %s: %w", serverID, nodeUUID, command.ErrAgentNotFound)
	}

	prev, hadPrev, err := s.store.GetMapping(ctx, serverID)
	if err != nil {
		return api.ServerAgentMapping{}, fmt.Errorf("lookup mapping: %w", err)
	}

	m := api.ServerAgentMapping{ServerID: serverID, NodeUUID: nodeUUID, UpdatedAt: s.now().UTC()}
	if err := s.store.SaveMapping(ctx, m); err != nil {
		return api.ServerAgentMapping{}, fmt.Errorf("save mapping: %w", err)
	}

	ev := log.Info().Str("server", serverID).Str("node", nodeUUID)
	if hadPrev && prev.NodeUUID != nodeUUID {
		ev = ev.Str("previous", prev.NodeUUID)
	}
	ev.Msg("server mapped")
	return m, nil
}

// Release removes the binding. Releasing an unmapped server is not an error.
func (s *Service) Release(ctx context.Context, serverID string) error {
	if serverID == "" {
		return ErrServerIDRequired
	}
	if err := s.store.DeleteMapping(ctx, serverID); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	log.Info().Str("server", serverID).Msg("server mapping released")
	return nil
}
