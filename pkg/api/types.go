package api

import (
	"encoding/json"
	"errors"
	"time"
)

// v0 contains the public types shared by the panel and its agents.

// Node is a registered remote execution target.
type Node struct {
	ID           string    `json:"id" yaml:"id"`
	UUID         string    `json:"uuid" yaml:"uuid"`
	BaseURL      string    `json:"base_url" yaml:"base_url"`
	APIKey       string    `json:"-" yaml:"api_key"`
	RegisteredAt time.Time `json:"registered_at" yaml:"-"`
}

type AgentState string

const (
	AgentRegistering AgentState = "registering"
	AgentOnline      AgentState = "online"
	AgentOffline     AgentState = "offline"
)

// AgentStatus is the liveness view of one node's agent. It is derived from probes
// and command attempts and is never the persisted source of truth.
type AgentStatus struct {
	NodeUUID            string     `json:"node_uuid"`
	State               AgentState `json:"state"`
	Online              bool       `json:"online"`
	LastCheckedAt       time.Time  `json:"last_checked_at"`
	LastError           *string    `json:"last_error"`
	LatencyMs           *int64     `json:"latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// ServerAgentMapping binds a logical server to the node currently hosting it.
type ServerAgentMapping struct {
	ServerID  string    `json:"server_id"`
	NodeUUID  string    `json:"node_uuid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command is one unit of work for an agent. It is built per call and never stored.
type Command struct {
	Action   string `json:"-"`
	ServerID string `json:"serverId"`
	Payload  any    `json:"payload,omitempty"`
}

// CommandResult is the envelope every agent operation resolves to.
type CommandResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the result data into v.
func (r CommandResult) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.New("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// Fail builds an unsuccessful result.
func Fail(msg string) CommandResult {
	return CommandResult{Success: false, Error: msg}
}

// OK builds a successful result carrying data.
func OK(data any) CommandResult {
	if data == nil {
		return CommandResult{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail("encode data: " + err.Error())
	}
	return CommandResult{Success: true, Data: raw}
}

// StatusResponse is returned by an agent's health endpoint.
type StatusResponse struct {
	Status  string    `json:"status"`
	Online  bool      `json:"online"`
	Version string    `json:"version,omitempty"`
	Host    string    `json:"host,omitempty"`
	Time    time.Time `json:"time"`
	Servers int       `json:"servers"`
}

// File payload encodings.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

type StopPayload struct {
	Signal         string `json:"signal"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type CreateServerPayload struct {
	Name        string            `json:"name"`
	Image       string            `json:"image,omitempty"`
	StartupCmd  string            `json:"startupCommand,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	MemoryMB    int               `json:"memoryMb,omitempty"`
}

type ConsoleCommandPayload struct {
	Command string `json:"command"`
}

type ConsoleHistoryPayload struct {
	Lines int `json:"lines"`
}

type ConsoleDownloadPayload struct {
	Format string `json:"format"`
}

type ConsoleSettings struct {
	BufferLines int  `json:"bufferLines,omitempty"`
	Timestamps  bool `json:"timestamps"`
}

type ConsoleLine struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

type ConsoleStatus struct {
	Connected   bool            `json:"connected"`
	Running     bool            `json:"running"`
	BufferedLen int             `json:"bufferedLines"`
	Settings    ConsoleSettings `json:"settings"`
}

type FilePathPayload struct {
	Path string `json:"path"`
}

type FileWritePayload struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

type FileRenamePayload struct {
	OldPath string `json:"oldPath"`
	NewPath string `json:"newPath"`
}

// FileContent is the data of read/download results.
type FileContent struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
}

type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

type ServerStatus string

const (
	ServerInstalling    ServerStatus = "installing"
	ServerInstallFailed ServerStatus = "install_failed"
	ServerOffline       ServerStatus = "offline"
	ServerStarting      ServerStatus = "starting"
	ServerRunning       ServerStatus = "running"
	ServerStopping      ServerStatus = "stopping"
	ServerFailed        ServerStatus = "failed"
	ServerDeleting      ServerStatus = "deleting"
)

// Server is the panel-side record of a provisioned game server.
type Server struct {
	ID        string       `json:"id"`
	NodeUUID  string       `json:"node_uuid"`
	Name      string       `json:"name"`
	Status    ServerStatus `json:"status"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
