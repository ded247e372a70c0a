package server

import (
	"log/slog"
	"net/http"

	"github.com/homespace/homespace/pkg/log"
	"github.com/homespace/homespace/pkg/types"
)

// energyResponse is one scope's consumption document plus the period key the
// dashboard should highlight (today / this month / this year).
type energyResponse struct {
	Granularity types.Granularity    `json:"granularity"`
	CurrentKey  string               `json:"currentKey"`
	Periods     types.ConsumptionDoc `json:"periods"`
}

func parseGranularity(r *http.Request) (types.Granularity, bool) {
	switch g := r.URL.Query().Get("granularity"); g {
	case "", string(types.GranularityDaily):
		return types.GranularityDaily, true
	case string(types.GranularityMonthly):
		return types.GranularityMonthly, true
	case string(types.GranularityYearly):
		return types.GranularityYearly, true
	default:
		return "", false
	}
}

func (s *Server) currentKey(g types.Granularity) string {
	now := s.clock.Now()
	switch g {
	case types.GranularityMonthly:
		return types.MonthKey(now)
	case types.GranularityYearly:
		return types.YearKey(now)
	default:
		return types.DayKey(now)
	}
}

func (s *Server) serveEnergy(w http.ResponseWriter, r *http.Request, scope types.Scope) {
	ctx := r.Context()
	g, ok := parseGranularity(r)
	if !ok {
		writeJSONError(w, "granularity must be daily, monthly, or yearly", http.StatusBadRequest)
		return
	}
	doc, err := s.storage.GetConsumption(ctx, scope, g)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get consumption", slog.Any("error", err))
		writeJSONError(w, "failed to get consumption", http.StatusInternalServerError)
		return
	}
	if doc == nil {
		doc = types.ConsumptionDoc{}
	}
	writeJSON(w, energyResponse{
		Granularity: g,
		CurrentKey:  s.currentKey(g),
		Periods:     doc,
	}, http.StatusOK)
}

// handleHomeEnergy serves the home-level aggregates the dashboard reads.
func (s *Server) handleHomeEnergy(w http.ResponseWriter, r *http.Request) {
	homeID := r.URL.Query().Get("homeID")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	s.serveEnergy(w, r, types.Scope{HomeID: homeID})
}

// handleDeviceEnergy serves one device's consumption documents.
func (s *Server) handleDeviceEnergy(w http.ResponseWriter, r *http.Request) {
	homeID := r.URL.Query().Get("homeID")
	deviceID := r.PathValue("id")
	if homeID == "" {
		writeJSONError(w, "homeID is required", http.StatusBadRequest)
		return
	}
	s.serveEnergy(w, r, types.Scope{HomeID: homeID, DeviceID: deviceID})
}
