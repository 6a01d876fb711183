// Package sessions exposes the simulation lifecycle over HTTP: creating a
// session from its configuration document, inspecting it and terminating it.
package sessions

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/openfleet/carsim/core/logger"
	"github.com/openfleet/carsim/core/model"
	"github.com/openfleet/carsim/core/session"
)

type createResponse struct {
	SessionID            string               `json:"sessionID"`
	ControlChannelURL    string               `json:"controlChannelURL"`
	ArchitectureRevision int                  `json:"architectureRevision"`
	SimulationRevision   int                  `json:"simulationRevision"`
	Devices              []model.DeviceStatus `json:"devices"`
}

type detailResponse struct {
	SessionID         string                     `json:"sessionID"`
	ControlChannelURL string                     `json:"controlChannelURL"`
	Devices           []model.DeviceStatus       `json:"devices"`
	ArchDevices       []model.ArchitectureDevice `json:"archDevices"`
}

// NewHandler returns the handler serving /api/simulations.
func NewHandler(reg *session.Registry, log logger.Logger) http.Handler {
	h := &handler{reg: reg, log: log}
	return http.HandlerFunc(h.serve)
}

type handler struct {
	reg *session.Registry
	log logger.Logger
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/simulations")
	rest = strings.Trim(rest, "/")
	switch {
	case rest == "":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.create(w, r)
	case rest == "stats":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, h.reg.Stats())
	default:
		switch r.Method {
		case http.MethodGet:
			h.detail(w, rest)
		case http.MethodDelete:
			h.reg.Terminate(rest)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// create builds or refreshes the session described by the posted
// configuration document. Posting the same document twice returns the
// existing session.
func (h *handler) create(w http.ResponseWriter, r *http.Request) {
	var cfg model.SimulationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "malformed configuration: "+err.Error(), http.StatusBadRequest)
		return
	}
	m, err := h.reg.CreateOrGet(cfg, nil)
	if err != nil {
		h.log.Warnf("create session %q: %v", cfg.SessionID, err)
		status := http.StatusInternalServerError
		if errors.Is(err, session.ErrMissingSessionID) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	archRev, simRev := m.Revisions()
	writeJSON(w, createResponse{
		SessionID:            m.SessionID(),
		ControlChannelURL:    m.ControlURL(),
		ArchitectureRevision: archRev,
		SimulationRevision:   simRev,
		Devices:              m.AllDevicesStatus(),
	})
}

func (h *handler) detail(w http.ResponseWriter, id string) {
	m, ok := h.reg.Get(id)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, detailResponse{
		SessionID:         m.SessionID(),
		ControlChannelURL: m.ControlURL(),
		Devices:           m.AllDevicesStatus(),
		ArchDevices:       m.ArchDevices(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
