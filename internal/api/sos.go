package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"sosalert/internal/session"

	"github.com/go-chi/chi/v5"
)

type sosHandler struct {
	controller Controller
	alerts     Alerts
	maxBody    int64
	logger     *slog.Logger
}

type pressRequest struct {
	AdditionalInfo map[string]string `json:"additional_info"`
}

type commandResponse struct {
	Accepted bool             `json:"accepted"`
	State    session.Snapshot `json:"state"`
}

func (h *sosHandler) press(w http.ResponseWriter, r *http.Request) {
	payload, err := h.decodePress(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	accepted := h.controller.PressWithInfo(payload.AdditionalInfo)
	status := http.StatusAccepted
	if !accepted {
		status = http.StatusConflict
	}
	writeJSON(w, status, commandResponse{Accepted: accepted, State: h.controller.Snapshot()})
}

func (h *sosHandler) release(w http.ResponseWriter, _ *http.Request) {
	accepted := h.controller.Release()
	writeJSON(w, http.StatusOK, commandResponse{Accepted: accepted, State: h.controller.Snapshot()})
}

func (h *sosHandler) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Snapshot())
}

func (h *sosHandler) history(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.alerts.History(r.Context()))
}

func (h *sosHandler) pendingCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": h.alerts.PendingCount(r.Context())})
}

func (h *sosHandler) clearPending(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "alert id is required"})
		return
	}
	if err := h.alerts.RemovePending(r.Context(), id); err != nil {
		h.logger.Error("pending clearance failed", "alert_id", id, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "pending entry could not be removed"})
		return
	}
	h.logger.Info("pending alert cleared by operator", "alert_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// decodePress reads optional press body; empty body means no extra info.
func (h *sosHandler) decodePress(w http.ResponseWriter, r *http.Request) (pressRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return pressRequest{}, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return pressRequest{}, nil
	}

	var payload pressRequest
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&payload); err != nil {
		return pressRequest{}, fmt.Errorf("decode body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return pressRequest{}, errors.New("decode body: trailing data after JSON object")
	}
	return payload, nil
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
