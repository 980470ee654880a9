package agent

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3cpo-dev/nodewarden/pkg/api"
)

// request is the body of every command POST.
type request struct {
	ServerID string          `json:"serverId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (r request) decode(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return &opError{status: http.StatusBadRequest, msg: "invalid payload: " + err.Error()}
	}
	return nil
}

// opError is a failed operation with the HTTP status it is reported with.
type opError struct {
	status int
	msg    string
}

func (e *opError) Error() string { return e.msg }

func badRequest(msg string) error { return &opError{status: http.StatusBadRequest, msg: msg} }
func notFound(msg string) error   { return &opError{status: http.StatusNotFound, msg: msg} }
func conflict(msg string) error   { return &opError{status: http.StatusConflict, msg: msg} }

func statusOf(err error) int {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.status
	}
	return http.StatusInternalServerError
}

// ConsoleLog is the data of a console/download result.
type ConsoleLog struct {
	Format  string `json:"format"`
	Content string `json:"content"`
	Lines   int    `json:"lines"`
}

// handlerFunc runs one action against a resolved server instance.
type handlerFunc func(inst *instance, req request) (any, error)

func writeEnvelope(w http.ResponseWriter, status int, res api.CommandResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}
