package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/storage"
)

type generate2FARequest struct {
	UserID string `json:"userID"`
}

func (s *Server) handleGenerate2FA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req generate2FARequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeJSONError(w, "userID is required", http.StatusBadRequest)
		return
	}
	enr, err := s.twofactor.Generate(ctx, req.UserID)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "2fa generation failed", slog.Any("error", err))
		writeJSONError(w, "failed to generate 2fa secret", http.StatusInternalServerError)
		return
	}
	writeJSON(w, enr, http.StatusOK)
}

type verify2FARequest struct {
	UserID string `json:"userID"`
	Token  string `json:"token"`
}

type verify2FAResponse struct {
	Verified bool `json:"verified"`
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verify2FARequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Token == "" {
		writeJSONError(w, "userID and token are required", http.StatusBadRequest)
		return
	}
	ok, err := s.twofactor.Verify(ctx, req.UserID, req.Token)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			writeJSONError(w, "user not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "2fa verification failed", slog.Any("error", err))
		writeJSONError(w, "failed to verify code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, verify2FAResponse{Verified: ok}, http.StatusOK)
}
