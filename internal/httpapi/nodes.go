package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/3cpo-dev/nodewarden/internal/command"
	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// NodeView joins a node record with its last known agent status.
type NodeView struct {
	api.Node
	Status *api.AgentStatus `json:"status,omitempty"`
}

func (h *Handler) nodeView(n api.Node) NodeView {
	v := NodeView{Node: n}
	if st, ok := h.registry.Status(n.UUID); ok {
		v.Status = &st
	}
	return v
}

func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.registry.Nodes()
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, h.nodeView(n))
	}
	writeData(w, http.StatusOK, out)
}

func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	n, ok := h.registry.Node(mux.Vars(r)["uuid"])
	if !ok {
		writeError(w, http.StatusNotFound, command.ErrAgentNotFound.Error())
		return
	}
	writeData(w, http.StatusOK, h.nodeView(n))
}

type registerRequest struct {
	UUID    string `json:"uuid"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// RegisterNode probes the agent and registers it. The uuid is generated when
// omitted.
func (h *Handler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	req.BaseURL = strings.TrimSpace(req.BaseURL)
	if req.BaseURL == "" {
		writeErr(w, command.ValidationError{Field: "base_url", Message: "base_url is required"})
		return
	}
	if req.UUID == "" {
		req.UUID = uuid.NewString()
	}
	if !h.registry.RegisterAgent(r.Context(), req.UUID, req.BaseURL, req.APIKey) {
		writeError(w, http.StatusBadGateway, "agent registration failed: agent did not answer the status probe")
		return
	}
	n, _ := h.registry.Node(req.UUID)
	writeData(w, http.StatusCreated, h.nodeView(n))
}

func (h *Handler) UnregisterNode(w http.ResponseWriter, r *http.Request) {
	existed := h.registry.UnregisterAgent(r.Context(), mux.Vars(r)["uuid"])
	writeData(w, http.StatusOK, map[string]bool{"removed": existed})
}

func (h *Handler) DiscoverNodes(w http.ResponseWriter, r *http.Request) {
	report, err := h.registry.ForceDiscovery(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeData(w, http.StatusOK, report)
}

func (h *Handler) HealthCheckNodes(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.commands.HealthCheckAll(r.Context()))
}
