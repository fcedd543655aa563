package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/command"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/dispatch"
	"github.com/srg/bedrest/internal/manager"
	"github.com/srg/bedrest/internal/session"
)

// Dispatcher sends a named command to a bed.
type Dispatcher interface {
	Dispatch(ctx context.Context, label, cmd, hexArgument string) (*dispatch.Result, error)
}

// Status reports what the connection manager is doing.
type Status interface {
	State() manager.State
	Sightings() []manager.Sighting
}

// Sessions lists the tracked bed sessions.
type Sessions interface {
	Sessions() []*session.Session
}

// CommandResponse is the body of every /bed response.
type CommandResponse struct {
	Cmd     string `json:"cmd,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SessionStatus is one row of the /status session list.
type SessionStatus struct {
	Label   string        `json:"label"`
	Address string        `json:"address"`
	State   session.State `json:"state"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State     manager.State      `json:"state"`
	Sessions  []SessionStatus    `json:"sessions"`
	Sightings []manager.Sighting `json:"sightings"`
}

// ArgumentCommand is one row of the /commands argument list.
type ArgumentCommand struct {
	Min      uint64 `json:"min"`
	Max      uint64 `json:"max"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Template string `json:"template"`
}

// CommandsResponse is the body of GET /commands.
type CommandsResponse struct {
	Commands         map[string]string          `json:"commands"`
	ArgumentCommands map[string]ArgumentCommand `json:"argument_commands"`
}

// Handler serves the bed command surface plus the read-only status endpoints.
type Handler struct {
	dispatcher Dispatcher
	status     Status
	sessions   Sessions
	table      *command.Table
	logger     *logrus.Logger
	mux        *http.ServeMux
}

func NewHandler(dispatcher Dispatcher, status Status, sessions Sessions, table *command.Table, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{
		dispatcher: dispatcher,
		status:     status,
		sessions:   sessions,
		table:      table,
		logger:     logger,
		mux:        http.NewServeMux(),
	}
	h.mux.HandleFunc("/bed/", h.handleBed)
	h.mux.HandleFunc("/status", h.handleStatus)
	h.mux.HandleFunc("/commands", h.handleCommands)
	h.mux.HandleFunc("/", h.handleNotFound)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}
	h.mux.ServeHTTP(w, r)
}

// parseBedPath splits /bed/{label}/{command}[/{hex}] with an optional trailing slash.
func parseBedPath(path string) (label, cmd, hexArgument string, ok bool) {
	rest, found := strings.CutPrefix(path, "/bed/")
	if !found {
		return "", "", "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", false
		}
	}
	if len(parts) == 3 {
		hexArgument = parts[2]
	}
	return parts[0], parts[1], hexArgument, true
}

func (h *Handler) handleBed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	label, cmd, hexArgument, ok := parseBedPath(r.URL.Path)
	if !ok {
		h.invalidCommand(w, r)
		return
	}

	_, err := h.dispatcher.Dispatch(r.Context(), label, cmd, hexArgument)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, CommandResponse{Cmd: cmd, Success: true})
	case errors.Is(err, dispatch.ErrDeviceUnknown),
		errors.Is(err, command.ErrCommandNotFound),
		errors.Is(err, command.ErrArgumentOutOfRange),
		errors.Is(err, command.ErrArgumentBadEncoding):
		h.invalidCommand(w, r)
	case device.IsConnectionState(err, device.NotConnected):
		h.writeJSON(w, http.StatusOK, CommandResponse{Success: false, Error: "Not connected"})
	default:
		var werr *dispatch.WriteError
		msg := err.Error()
		if errors.As(err, &werr) {
			msg = werr.Err.Error()
		}
		h.writeJSON(w, http.StatusOK, CommandResponse{Cmd: cmd, Success: false, Error: msg})
	}
}

func (h *Handler) invalidCommand(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotFound, CommandResponse{
		Success: false,
		Error:   "Invalid command, you requested: " + r.URL.RequestURI(),
	})
}

// handleNotFound answers anything outside /bed, /status and /commands: 405 unless POST.
func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	h.invalidCommand(w, r)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		State:     h.status.State(),
		Sessions:  []SessionStatus{},
		Sightings: h.status.Sightings(),
	}
	if resp.Sightings == nil {
		resp.Sightings = []manager.Sighting{}
	}
	for _, s := range h.sessions.Sessions() {
		resp.Sessions = append(resp.Sessions, SessionStatus{
			Label:   s.Label(),
			Address: s.Address(),
			State:   s.State(),
		})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := CommandsResponse{
		Commands:         make(map[string]string),
		ArgumentCommands: make(map[string]ArgumentCommand),
	}
	for _, name := range h.table.SimpleNames() {
		payload, _ := h.table.Simple(name)
		resp.Commands[name] = command.FormatHex(payload)
	}
	for _, name := range h.table.ArgumentNames() {
		d, _ := h.table.Argument(name)
		resp.ArgumentCommands[name] = ArgumentCommand{
			Min:      d.Min,
			Max:      d.Max,
			Offset:   d.Offset,
			Length:   d.Length,
			Template: command.FormatHex(d.Template),
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.WithField("error", err).Warn("Failed to write response")
	}
}
