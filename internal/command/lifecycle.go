package command

import (
	"context"
	"strings"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const (
	ActionStart   = "server/start"
	ActionStop    = "server/stop"
	ActionRestart = "server/restart"
	ActionKill    = "server/kill"
	ActionCreate  = "server/create"
	ActionDelete  = "server/delete"

	DefaultStopSignal  = "SIGTERM"
	DefaultStopTimeout = 30
)

var stopSignals = map[string]bool{
	"SIGTERM": true,
	"SIGINT":  true,
	"SIGQUIT": true,
	"SIGHUP":  true,
	"SIGKILL": true,
}

func (s *Service) StartServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionStart, nil)
}

// StopServer asks the agent to stop gracefully with signal, escalating after
// timeoutSeconds. Empty signal and non-positive timeout fall back to SIGTERM/30s.
func (s *Service) StopServer(ctx context.Context, nodeUUID, serverUUID, signal string, timeoutSeconds int) api.CommandResult {
	signal = strings.ToUpper(strings.TrimSpace(signal))
	if signal == "" {
		signal = DefaultStopSignal
	}
	if !strings.HasPrefix(signal, "SIG") {
		signal = "SIG" + signal
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = DefaultStopTimeout
	}
	payload := api.StopPayload{Signal: signal, TimeoutSeconds: timeoutSeconds}
	return s.dispatch(ctx, nodeUUID, api.Command{Action: ActionStop, ServerID: serverUUID, Payload: payload}, all(
		func() error { return requireServer(serverUUID) },
		func() error {
			if !stopSignals[signal] {
				return ValidationError{Field: "signal", Value: signal, Message: "unsupported stop signal"}
			}
			return nil
		},
	))
}

func (s *Service) RestartServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionRestart, nil)
}

// KillServer terminates the server process without a grace period.
func (s *Service) KillServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionKill, nil)
}

// CreateServer asks the agent to install a new server.
func (s *Service) CreateServer(ctx context.Context, nodeUUID, serverUUID string, spec api.CreateServerPayload) api.CommandResult {
	return s.dispatch(ctx, nodeUUID, api.Command{Action: ActionCreate, ServerID: serverUUID, Payload: spec}, all(
		func() error { return requireServer(serverUUID) },
		func() error {
			if strings.TrimSpace(spec.Name) == "" {
				return ValidationError{Field: "name", Message: "server name is required"}
			}
			return nil
		},
	))
}

// DeleteServer removes the server and its files from the agent.
func (s *Service) DeleteServer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionDelete, nil)
}

func (s *Service) lifecycle(ctx context.Context, nodeUUID, serverUUID, action string, payload any) api.CommandResult {
	cmd := api.Command{Action: action, ServerID: serverUUID, Payload: payload}
	return s.dispatch(ctx, nodeUUID, cmd, func() error { return requireServer(serverUUID) })
}
