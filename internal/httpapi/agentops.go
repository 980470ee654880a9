package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/mapping"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// target resolves the node hosting the server in the path. It writes the
// error response and returns false when the server cannot take commands.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (nodeUUID, serverID string, ok bool) {
	serverID = mux.Vars(r)["id"]
	v := h.mappings.ValidateServerAgent(r.Context(), serverID)
	if v.Valid {
		return v.NodeUUID, serverID, true
	}
	switch v.Error {
	case mapping.ErrNoMapping.Error():
		writeError(w, http.StatusNotFound, v.Error)
	case command.ErrAgentUnavailable.Error():
		writeError(w, http.StatusServiceUnavailable, v.Error)
	case mapping.ErrServerIDRequired.Error():
		writeError(w, http.StatusBadRequest, v.Error)
	default:
		writeError(w, http.StatusInternalServerError, v.Error)
	}
	return "", "", false
}

func (h *Handler) ConsoleConnect(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.ConnectConsole(r.Context(), node, srv))
	}
}

func (h *Handler) ConsoleDisconnect(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.DisconnectConsole(r.Context(), node, srv))
	}
}

func (h *Handler) ConsoleCommand(w http.ResponseWriter, r *http.Request) {
	var req api.ConsoleCommandPayload
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.SendConsoleCommand(r.Context(), node, srv, req.Command))
	}
}

func (h *Handler) ConsoleHistory(w http.ResponseWriter, r *http.Request) {
	lines, _ := strconv.Atoi(r.URL.Query().Get("lines"))
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.GetConsoleHistory(r.Context(), node, srv, lines))
	}
}

func (h *Handler) ConsoleClear(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.ClearConsoleBuffer(r.Context(), node, srv))
	}
}

func (h *Handler) ConsoleDownload(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.DownloadConsoleLogs(r.Context(), node, srv, r.URL.Query().Get("format")))
	}
}

func (h *Handler) ConsoleStatus(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.GetConsoleStatus(r.Context(), node, srv))
	}
}

func (h *Handler) ConsoleSettings(w http.ResponseWriter, r *http.Request) {
	var req api.ConsoleSettings
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.UpdateConsoleSettings(r.Context(), node, srv, req))
	}
}

func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.ListFiles(r.Context(), node, srv, r.URL.Query().Get("path")))
	}
}

func (h *Handler) ReadFile(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.ReadFile(r.Context(), node, srv, r.URL.Query().Get("path")))
	}
}

func (h *Handler) WriteFile(w http.ResponseWriter, r *http.Request) {
	var req api.FileWritePayload
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.WriteFile(r.Context(), node, srv, req.Path, req.Content))
	}
}

func (h *Handler) CreateDirectory(w http.ResponseWriter, r *http.Request) {
	var req api.FilePathPayload
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.CreateDirectory(r.Context(), node, srv, req.Path))
	}
}

func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.DeleteFile(r.Context(), node, srv, r.URL.Query().Get("path")))
	}
}

func (h *Handler) RenameFile(w http.ResponseWriter, r *http.Request) {
	var req api.FileRenamePayload
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.RenameFile(r.Context(), node, srv, req.OldPath, req.NewPath))
	}
}

func (h *Handler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.DownloadFile(r.Context(), node, srv, r.URL.Query().Get("path")))
	}
}

func (h *Handler) UploadFile(w http.ResponseWriter, r *http.Request) {
	var req api.FileWritePayload
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.UploadFile(r.Context(), node, srv, req.Path, req.Content, req.Encoding))
	}
}

func (h *Handler) FileInfo(w http.ResponseWriter, r *http.Request) {
	if node, srv, ok := h.target(w, r); ok {
		writeResult(w, h.commands.GetFileInfo(r.Context(), node, srv, r.URL.Query().Get("path")))
	}
}
