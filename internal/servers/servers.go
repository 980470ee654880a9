package servers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/mapping"
	"github.com/3cpo-dev/nodewarden/internal/store"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

var (
	ErrServerNotFound = errors.New("server not found")
	ErrServerBusy     = errors.New("server must be stopped")
)

// Records persists panel-side server records.
type Records interface {
	CreateServer(ctx context.Context, srv api.Server) error
	GetServer(ctx context.Context, id string) (api.Server, error)
	ListServers(ctx context.Context) ([]api.Server, error)
	UpdateServerStatus(ctx context.Context, id string, status api.ServerStatus, lastError string) error
	UpdateServerNode(ctx context.Context, id, nodeUUID string) error
	DeleteServer(ctx context.Context, id string) error
}

// Mapper owns server to node bindings.
type Mapper interface {
	Assign(ctx context.Context, serverID, nodeUUID string) (api.ServerAgentMapping, error)
	Release(ctx context.Context, serverID string) error
	Lookup(ctx context.Context, serverID string) (api.ServerAgentMapping, error)
}

// Agents is the subset of the command façade used by server flows.
type Agents interface {
	CreateServer(ctx context.Context, nodeUUID, serverUUID string, spec api.CreateServerPayload) api.CommandResult
	DeleteServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult
	StartServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult
	StopServer(ctx context.Context, nodeUUID, serverUUID, signal string, timeoutSeconds int) api.CommandResult
	RestartServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult
	KillServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult
}

// AgentError carries an unsuccessful CommandResult. It matches the command
// sentinels so callers can tell availability failures from agent replies.
type AgentError struct {
	Action  string
	Message string
}

func (e *AgentError) Error() string { return e.Action + ": " + e.Message }

func (e *AgentError) Is(target error) bool {
	switch target {
	case command.ErrAgentUnavailable, command.ErrAgentNotFound:
		return e.Message == target.Error()
	}
	return false
}

// Manager runs the multi-step server flows. Operations on the same server are
// serialized; different servers proceed in parallel.
type Manager struct {
	records Records
	mapper  Mapper
	agents  Agents
	locks   *keyedMutex
	newID   func() string
}

func NewManager(records Records, mapper Mapper, agents Agents) *Manager {
	return &Manager{
		records: records,
		mapper:  mapper,
		agents:  agents,
		locks:   newKeyedMutex(),
		newID:   uuid.NewString,
	}
}

func (m *Manager) Get(ctx context.Context, id string) (api.Server, error) {
	srv, err := m.records.GetServer(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return api.Server{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return srv, err
}

func (m *Manager) List(ctx context.Context) ([]api.Server, error) {
	return m.records.ListServers(ctx)
}

// Provision creates the server record, binds it to nodeUUID and asks the agent
// to install it. Any failure after the record exists leaves it install_failed
// with the cause in LastError; nothing is rolled back.
func (m *Manager) Provision(ctx context.Context, nodeUUID string, spec api.CreateServerPayload) (api.Server, error) {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return api.Server{}, command.ValidationError{Field: "name", Message: "server name is required"}
	}

	id := m.newID()
	unlock := m.locks.lock(id)
	defer unlock()

	srv := api.Server{ID: id, NodeUUID: nodeUUID, Name: spec.Name, Status: api.ServerInstalling}
	if err := m.records.CreateServer(ctx, srv); err != nil {
		return api.Server{}, err
	}
	logger := log.With().Str("server", id).Str("node", nodeUUID).Logger()
	logger.Info().Str("name", spec.Name).Msg("provisioning server")

	if _, err := m.mapper.Assign(ctx, id, nodeUUID); err != nil {
		return m.failInstall(ctx, srv, err)
	}
	if res := m.agents.CreateServer(ctx, nodeUUID, id, spec); !res.Success {
		return m.failInstall(ctx, srv, &AgentError{Action: command.ActionCreate, Message: res.Error})
	}

	if err := m.records.UpdateServerStatus(ctx, id, api.ServerOffline, ""); err != nil {
		return srv, err
	}
	logger.Info().Msg("server installed")
	return m.records.GetServer(ctx, id)
}

func (m *Manager) failInstall(ctx context.Context, srv api.Server, cause error) (api.Server, error) {
	log.Warn().Err(cause).Str("server", srv.ID).Str("node", srv.NodeUUID).Msg("server install failed")
	if err := m.records.UpdateServerStatus(ctx, srv.ID, api.ServerInstallFailed, cause.Error()); err != nil {
		return srv, errors.Join(cause, err)
	}
	srv.Status = api.ServerInstallFailed
	srv.LastError = cause.Error()
	return srv, cause
}

// Remove deletes the server from its agent, then drops the mapping and the
// record. With force the record is dropped even when the agent call fails.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	unlock := m.locks.lock(id)
	defer unlock()

	srv, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	bound, err := m.mapper.Lookup(ctx, id)
	switch {
	case err == nil:
		if err := m.records.UpdateServerStatus(ctx, id, api.ServerDeleting, ""); err != nil {
			return err
		}
		if res := m.agents.DeleteServer(ctx, bound.NodeUUID, id); !res.Success {
			agentErr := &AgentError{Action: command.ActionDelete, Message: res.Error}
			if !force {
				_ = m.records.UpdateServerStatus(ctx, id, srv.Status, agentErr.Error())
				return agentErr
			}
			log.Warn().Err(agentErr).Str("server", id).Msg("forcing removal after agent failure")
		}
	case !errors.Is(err, mapping.ErrNoMapping):
		return err
	}

	if err := m.mapper.Release(ctx, id); err != nil {
		return err
	}
	if err := m.records.DeleteServer(ctx, id); err != nil {
		return err
	}
	log.Info().Str("server", id).Msg("server removed")
	return nil
}

// Migrate rebinds a stopped server to another registered node. Server files
// are not copied; the target agent is expected to hold or recreate them.
func (m *Manager) Migrate(ctx context.Context, id, targetNode string) (api.Server, error) {
	unlock := m.locks.lock(id)
	defer unlock()

	srv, err := m.Get(ctx, id)
	if err != nil {
		return api.Server{}, err
	}
	switch srv.Status {
	case api.ServerOffline, api.ServerFailed, api.ServerInstallFailed:
	default:
		return srv, fmt.Errorf("%w: %s is %s", ErrServerBusy, id, srv.Status)
	}
	if srv.NodeUUID == targetNode {
		return srv, nil
	}

	if _, err := m.mapper.Assign(ctx, id, targetNode); err != nil {
		return srv, err
	}
	if err := m.records.UpdateServerNode(ctx, id, targetNode); err != nil {
		if _, rerr := m.mapper.Assign(ctx, id, srv.NodeUUID); rerr != nil {
			log.Error().Err(rerr).Str("server", id).Str("mapped", targetNode).Str("recorded", srv.NodeUUID).Msg("mapping and server record disagree")
			return srv, errors.Join(err, rerr)
		}
		return srv, err
	}
	log.Info().Str("server", id).Str("from", srv.NodeUUID).Str("to", targetNode).Msg("server migrated")
	return m.records.GetServer(ctx, id)
}

type PowerAction string

const (
	PowerStart   PowerAction = "start"
	PowerStop    PowerAction = "stop"
	PowerRestart PowerAction = "restart"
	PowerKill    PowerAction = "kill"
)

// StopOptions tune a graceful stop; zero values use the agent defaults.
type StopOptions struct {
	Signal         string `json:"signal,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Power runs a lifecycle action against the node the server is mapped to and
// records the resulting status.
func (m *Manager) Power(ctx context.Context, id string, action PowerAction, opts StopOptions) (api.Server, error) {
	var transient, final api.ServerStatus
	switch action {
	case PowerStart, PowerRestart:
		transient, final = api.ServerStarting, api.ServerRunning
	case PowerStop, PowerKill:
		transient, final = api.ServerStopping, api.ServerOffline
	default:
		return api.Server{}, command.ValidationError{Field: "action", Value: string(action), Message: "unknown power action"}
	}

	unlock := m.locks.lock(id)
	defer unlock()

	srv, err := m.Get(ctx, id)
	if err != nil {
		return api.Server{}, err
	}
	if srv.Status == api.ServerInstalling || srv.Status == api.ServerInstallFailed || srv.Status == api.ServerDeleting {
		return srv, fmt.Errorf("%w: %s is %s", ErrServerBusy, id, srv.Status)
	}
	bound, err := m.mapper.Lookup(ctx, id)
	if err != nil {
		return srv, err
	}

	if err := m.records.UpdateServerStatus(ctx, id, transient, ""); err != nil {
		return srv, err
	}

	var res api.CommandResult
	switch action {
	case PowerStart:
		res = m.agents.StartServer(ctx, bound.NodeUUID, id)
	case PowerRestart:
		res = m.agents.RestartServer(ctx, bound.NodeUUID, id)
	case PowerStop:
		res = m.agents.StopServer(ctx, bound.NodeUUID, id, opts.Signal, opts.TimeoutSeconds)
	case PowerKill:
		res = m.agents.KillServer(ctx, bound.NodeUUID, id)
	}

	if !res.Success {
		agentErr := &AgentError{Action: "server/" + string(action), Message: res.Error}
		// Nothing reached the agent: keep the last known status.
		status := api.ServerFailed
		if errors.Is(agentErr, command.ErrAgentUnavailable) || errors.Is(agentErr, command.ErrAgentNotFound) {
			status = srv.Status
		}
		if err := m.records.UpdateServerStatus(ctx, id, status, res.Error); err != nil {
			return srv, errors.Join(agentErr, err)
		}
		log.Warn().Str("server", id).Str("node", bound.NodeUUID).Str("action", string(action)).Str("error", res.Error).Msg("power action failed")
		updated, _ := m.records.GetServer(ctx, id)
		return updated, agentErr
	}

	if err := m.records.UpdateServerStatus(ctx, id, final, ""); err != nil {
		return srv, err
	}
	log.Info().Str("server", id).Str("action", string(action)).Str("status", string(final)).Msg("power action applied")
	return m.records.GetServer(ctx, id)
}
