package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/internal/servers"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

func (h *Handler) ListServers(w http.ResponseWriter, r *http.Request) {
	list, err := h.servers.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []api.Server{}
	}
	writeData(w, http.StatusOK, list)
}

func (h *Handler) GetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := h.servers.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, srv)
}

type createServerRequest struct {
	NodeUUID string `json:"node_uuid"`
	api.CreateServerPayload
}

// CreateServer provisions a server. A failed install still answers with the
// install_failed record alongside the error.
func (h *Handler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var req createServerRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.NodeUUID == "" {
		writeErr(w, command.ValidationError{Field: "node_uuid", Message: "node_uuid is required"})
		return
	}
	srv, err := h.servers.Provision(r.Context(), req.NodeUUID, req.CreateServerPayload)
	if err != nil {
		if srv.ID != "" {
			writeJSON(w, http.StatusUnprocessableEntity, envelope{Success: false, Data: srv, Error: err.Error()})
			return
		}
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusCreated, srv)
}

func (h *Handler) DeleteServer(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.servers.Remove(r.Context(), mux.Vars(r)["id"], force); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

type powerRequest struct {
	Action servers.PowerAction `json:"action"`
	servers.StopOptions
}

func (h *Handler) PowerServer(w http.ResponseWriter, r *http.Request) {
	var req powerRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	srv, err := h.servers.Power(r.Context(), mux.Vars(r)["id"], req.Action, req.StopOptions)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, srv)
}

type nodeRequest struct {
	NodeUUID string `json:"node_uuid"`
}

func (h *Handler) MigrateServer(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	srv, err := h.servers.Migrate(r.Context(), mux.Vars(r)["id"], req.NodeUUID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, srv)
}

// ValidateServer reports whether the server's agent can take commands now.
func (h *Handler) ValidateServer(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.mappings.ValidateServerAgent(r.Context(), mux.Vars(r)["id"]))
}

func (h *Handler) GetMapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.mappings.Lookup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *Handler) AssignMapping(w http.ResponseWriter, r *http.Request) {
	var req nodeRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	m, err := h.mappings.Assign(r.Context(), mux.Vars(r)["id"], req.NodeUUID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (h *Handler) ReleaseMapping(w http.ResponseWriter, r *http.Request) {
	if err := h.mappings.Release(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, nil)
}
