package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/telemetry"
	"github.com/3cpo-dev/nodewarden/internal/transport"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrAgentUnavailable = errors.New("agent unavailable")
)

// Caller performs one agent call.
type Caller interface {
	Call(ctx context.Context, node api.Node, cmd api.Command) transport.Result
}

// Registry is the part of the agent registry the façade depends on.
type Registry interface {
	Node(nodeUUID string) (api.Node, bool)
	IsAgentAvailable(nodeUUID string) bool
	RecordProbeResult(nodeUUID string, ok bool, cause error, latency time.Duration)
	HealthCheckAll(ctx context.Context) map[string]api.AgentStatus
}

// Service exposes one method per agent operation. Every method returns a
// CommandResult; none of them return Go errors or panic on agent failure.
type Service struct {
	registry  Registry
	client    Caller
	collector *telemetry.Collector
}

func NewService(registry Registry, client Caller, collector *telemetry.Collector) *Service {
	return &Service{registry: registry, client: client, collector: collector}
}

// IsAgentAvailable is a cheap pre-flight gate against the last known status.
func (s *Service) IsAgentAvailable(nodeUUID string) bool {
	return s.registry.IsAgentAvailable(nodeUUID)
}

// HealthCheckAll probes every registered node concurrently.
func (s *Service) HealthCheckAll(ctx context.Context) map[string]api.AgentStatus {
	return s.registry.HealthCheckAll(ctx)
}

// dispatch resolves the node, gates on availability, validates, sends the
// command and feeds the outcome back into the registry as a liveness signal.
func (s *Service) dispatch(ctx context.Context, nodeUUID string, cmd api.Command, validate func() error) api.CommandResult {
	node, ok := s.registry.Node(nodeUUID)
	if !ok {
		s.count(cmd.Action, "not_found")
		return api.Fail(ErrAgentNotFound.Error())
	}
	if !s.registry.IsAgentAvailable(nodeUUID) {
		s.count(cmd.Action, "unavailable")
		return api.Fail(ErrAgentUnavailable.Error())
	}
	if validate != nil {
		if err := validate(); err != nil {
			s.count(cmd.Action, "invalid")
			return api.Fail(err.Error())
		}
	}

	// The agent call outlives the caller's cancellation; only the transport
	// timeout bounds it.
	res := s.client.Call(context.WithoutCancel(ctx), node, cmd)

	if res.Transport {
		s.registry.RecordProbeResult(nodeUUID, false, errors.New(res.Error), res.Latency)
		log.Warn().
			Str("node", nodeUUID).
			Str("action", cmd.Action).
			Str("server", cmd.ServerID).
			Str("error", res.Error).
			Msg("agent command failed in transport")
	} else {
		s.registry.RecordProbeResult(nodeUUID, true, nil, res.Latency)
	}

	status := "success"
	switch {
	case res.Transport:
		status = "transport_error"
	case !res.Success:
		status = "agent_error"
	}
	s.count(cmd.Action, status)
	s.collector.Timer("nodewarden_agent_command_duration", res.Latency, map[string]string{"action": cmd.Action})

	return res.CommandResult
}

func (s *Service) count(action, status string) {
	s.collector.Counter("nodewarden_agent_commands", 1, map[string]string{"action": action, "status": status})
}

// ValidationError reports a rejected input before anything is sent.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s=%q)", e.Message, e.Field, e.Value)
}

func requireServer(serverUUID string) error {
	if serverUUID == "" {
		return ValidationError{Field: "serverId", Message: "server id is required"}
	}
	return nil
}

// all runs checks in order and returns the first failure.
func all(checks ...func() error) func() error {
	return func() error {
		for _, check := range checks {
			if err := check(); err != nil {
				return err
			}
		}
		return nil
	}
}
