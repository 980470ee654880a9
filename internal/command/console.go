package command

import (
	"context"
	"strings"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

const (
	ActionConsoleConnect    = "console/connect"
	ActionConsoleDisconnect = "console/disconnect"
	ActionConsoleCommand    = "console/command"
	ActionConsoleHistory    = "console/history"
	ActionConsoleClear      = "console/clear"
	ActionConsoleDownload   = "console/download"
	ActionConsoleStatus     = "console/status"
	ActionConsoleSettings   = "console/settings"

	DefaultHistoryLines = 100
	MaxHistoryLines     = 5000
)

func (s *Service) ConnectConsole(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionConsoleConnect, nil)
}

func (s *Service) DisconnectConsole(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionConsoleDisconnect, nil)
}

// SendConsoleCommand writes one line to the server's stdin.
func (s *Service) SendConsoleCommand(ctx context.Context, nodeUUID, serverUUID, command string) api.CommandResult {
	cmd := api.Command{
		Action:   ActionConsoleCommand,
		ServerID: serverUUID,
		Payload:  api.ConsoleCommandPayload{Command: command},
	}
	return s.dispatch(ctx, nodeUUID, cmd, all(
		func() error { return requireServer(serverUUID) },
		func() error {
			if strings.TrimSpace(command) == "" {
				return ValidationError{Field: "command", Message: "command is required"}
			}
			return nil
		},
	))
}

// GetConsoleHistory returns up to lines buffered console lines. Non-positive
// values use the default; larger requests are clamped.
func (s *Service) GetConsoleHistory(ctx context.Context, nodeUUID, serverUUID string, lines int) api.CommandResult {
	if lines <= 0 {
		lines = DefaultHistoryLines
	}
	if lines > MaxHistoryLines {
		lines = MaxHistoryLines
	}
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionConsoleHistory, api.ConsoleHistoryPayload{Lines: lines})
}

func (s *Service) ClearConsoleBuffer(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionConsoleClear, nil)
}

// DownloadConsoleLogs exports the console buffer as txt (default) or json.
func (s *Service) DownloadConsoleLogs(ctx context.Context, nodeUUID, serverUUID, format string) api.CommandResult {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "txt"
	}
	cmd := api.Command{
		Action:   ActionConsoleDownload,
		ServerID: serverUUID,
		Payload:  api.ConsoleDownloadPayload{Format: format},
	}
	return s.dispatch(ctx, nodeUUID, cmd, all(
		func() error { return requireServer(serverUUID) },
		func() error {
			if format != "txt" && format != "json" {
				return ValidationError{Field: "format", Value: format, Message: "format must be txt or json"}
			}
			return nil
		},
	))
}

func (s *Service) GetConsoleStatus(ctx context.Context, nodeUUID, serverUUID string) api.CommandResult {
	return s.lifecycle(ctx, nodeUUID, serverUUID, ActionConsoleStatus, nil)
}

func (s *Service) UpdateConsoleSettings(ctx context.Context, nodeUUID, serverUUID string, settings api.ConsoleSettings) api.CommandResult {
	cmd := api.Command{Action: ActionConsoleSettings, ServerID: serverUUID, Payload: settings}
	return s.dispatch(ctx, nodeUUID, cmd, all(
		func() error { return requireServer(serverUUID) },
		func() error {
			if settings.BufferLines < 0 || settings.BufferLines > MaxHistoryLines {
				return ValidationError{Field: "bufferLines", Message: "buffer lines out of range"}
			}
			return nil
		},
	))
}
