package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/fabfab/firefly-match/internal/store"
)

type registerDeviceRequest struct {
	DeviceID  string `json:"device_id"`
	ApnsToken string `json:"apns_token"`
}

// handleRegisterDevice implements POST /api/notifications/register-device.
// The request body carries only a device id, not a user identifier, so the
// device must already be associated with a user from an earlier
// onboarding step (RegisterDevice); a device id with no owner is a 404
// rather than silently creating one.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.ApnsToken = strings.TrimSpace(req.ApnsToken)
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id: required field missing")
		return
	}
	if req.ApnsToken == "" {
		writeError(w, http.StatusBadRequest, "apns_token: required field missing")
		return
	}

	user, err := s.store.GetUserByDeviceID(r.Context(), req.DeviceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "device is not registered to any user")
			return
		}
		writeError(w, http.StatusInternalServerError, "look up device owner: "+err.Error())
		return
	}

	if err := s.store.UpdateApnsToken(r.Context(), user.ID, req.ApnsToken); err != nil {
		writeError(w, http.StatusInternalServerError, "update push token: "+err.Error())
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{"registered": true})
}
