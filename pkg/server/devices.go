package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/homespace/homespace/pkg/device"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
)

type toggleRequest struct {
	HomeID   string `json:"homeID"`
	DeviceID string `json:"deviceID"`
	// Status is the status the client believes the device currently has. A
	// stale value is rejected so two tabs cannot fight over one device.
	Status bool `json:"status"`
}

func (s *Server) handleToggleDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req toggleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.HomeID == "" || req.DeviceID == "" {
		writeJSONError(w, "homeID and deviceID are required", http.StatusBadRequest)
		return
	}

	res, err := s.toggler.Toggle(ctx, req.HomeID, req.DeviceID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrDeviceNotFound):
			writeJSONError(w, "device not found", http.StatusNotFound)
		case errors.Is(err, device.ErrStaleStatus):
			writeJSONError(w, "device status changed, refresh and retry", http.StatusConflict)
		default:
			log.Ctx(ctx).ErrorContext(ctx, "toggle failed", slog.Any("error", err))
			writeJSONError(w, "failed to toggle device", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := r.URL.Query().Get("homeID")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	devices, err := s.storage.ListDevices(ctx, homeID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list devices", slog.Any("error", err))
		writeJSONError(w, "failed to list devices", http.StatusInternalServerError)
		return
	}
	if devices == nil {
		devices = []types.Device{}
	}
	writeJSON(w, devices, http.StatusOK)
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var dev types.Device
	if !decodeBody(w, r, &dev) {
		return
	}
	if dev.HomeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	if err := dev.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	// devices start off; accounting starts with the first toggle
	dev.Status = false

	if err := s.storage.CreateDevice(ctx, dev); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to create device", slog.Any("error", err))
		writeJSONError(w, "failed to create device", http.StatusInternalServerError)
		return
	}
	writeJSON(w, dev, http.StatusCreated)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := r.URL.Query().Get("homeID")
	deviceID := r.PathValue("id")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	if err := s.storage.DeleteDevice(ctx, homeID, deviceID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete device", slog.Any("error", err))
		writeJSONError(w, "failed to delete device", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
