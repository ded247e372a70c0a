package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
	"github.com/homespace/homespace/pkg/types"
)

var sceneTimeRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func validateScene(sc types.Scene) error {
	if sc.HomeID == "" {
		return errors.New("homeID is required")
	}
	if sc.Name == "" {
		return errors.New("scene name is required")
	}
	if len(sc.Devices) == 0 {
		return errors.New("scene needs at least one device action")
	}
	for deviceID, action := range sc.Devices {
		switch action.Action {
		case types.SceneVerbTurnOn, types.SceneVerbTurnOff, types.SceneVerbToggle:
		default:
			return fmt.Errorf("unknown action %q for device %s", action.Action, deviceID)
		}
	}
	switch sc.Trigger {
	case types.SceneTriggerManual:
	case types.SceneTriggerTime:
		if !sceneTimeRe.MatchString(sc.Time) {
			return fmt.Errorf("time-triggered scene needs a HH:MM time, got %q", sc.Time)
		}
	default:
		return fmt.Errorf("unknown trigger %q", sc.Trigger)
	}
	return nil
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := r.URL.Query().Get("homeID")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	scenes, err := s.storage.ListScenes(ctx, homeID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list scenes", slog.Any("error", err))
		writeJSONError(w, "failed to list scenes", http.StatusInternalServerError)
		return
	}
	if scenes == nil {
		scenes = []types.Scene{}
	}
	writeJSON(w, scenes, http.StatusOK)
}

func (s *Server) handleCreateScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var sc types.Scene
	if !decodeBody(w, r, &sc) {
		return
	}
	if err := validateScene(sc); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.storage.PutScene(ctx, sc); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save scene", slog.Any("error", err))
		writeJSONError(w, "failed to save scene", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sc, http.StatusCreated)
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	homeID := r.URL.Query().Get("homeID")
	sceneID := r.PathValue("id")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	if err := s.storage.DeleteScene(ctx, homeID, sceneID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to delete scene", slog.Any("error", err))
		writeJSONError(w, "failed to delete scene", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeSceneRequest struct {
	HomeID  string `json:"homeID"`
	SceneID string `json:"sceneID"`
}

func (s *Server) handleExecuteScene(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req executeSceneRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.HomeID == "" || req.SceneID == "" {
		writeJSONError(w, "homeID and sceneID are required", http.StatusBadRequest)
		return
	}
	report, err := s.scenes.Execute(ctx, req.HomeID, req.SceneID)
	if err != nil {
		if errors.Is(err, storage.ErrSceneNotFound) {
			writeJSONError(w, "scene not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "scene execution failed", slog.Any("error", err))
		writeJSONError(w, "failed to execute scene", http.StatusInternalServerError)
		return
	}
	writeJSON(w, report, http.StatusOK)
}
