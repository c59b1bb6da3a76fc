package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/report"
	"github.com/calkiosk/kiosk-sentinel/internal/services"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

// PipelineStatus aggregates the live view served at /api/status.
type PipelineStatus struct {
	Verdict     models.HealthVerdict             `json:"verdict"`
	Filter      state.FilterState                `json:"filter"`
	Shipper     state.ShipperState               `json:"shipper"`
	Escalation  map[string]state.EscalationState `json:"escalation"`
	GeneratedAt time.Time                        `json:"generated_at"`
}

// StatusSource supplies the live pipeline counters. The watchdog daemon
// provides it; read-only access only.
type StatusSource interface {
	FilterState() state.FilterState
	ShipperState() state.ShipperState
	EscalationStates() map[string]state.EscalationState
}

// StatusHandler serves the operator's status surface.
type StatusHandler struct {
	source     StatusSource
	history    services.EventHistoryProvider
	aggregator *report.Aggregator
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(source StatusSource, history services.EventHistoryProvider, aggregator *report.Aggregator) *StatusHandler {
	return &StatusHandler{source: source, history: history, aggregator: aggregator}
}

// DeriveVerdict condenses live pipeline counters into the health verdict:
// critical while a recovery ladder sits at the reboot rung (level 4),
// degraded while any ladder is engaged or deliveries are failing, healthy
// otherwise.
func DeriveVerdict(filterState state.FilterState, escalation map[string]state.EscalationState) models.HealthVerdict {
	verdict := models.VerdictHealthy
	for _, st := range escalation {
		if !st.Engaged {
			continue
		}
		if st.CurrentLevel >= 4 {
			return models.VerdictCritical
		}
		verdict = models.VerdictDegraded
	}
	if filterState.DeliveryFailures > 0 {
		verdict = models.VerdictDegraded
	}
	return verdict
}

// GetStatus handles the request for current counters and verdict.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	escalation := h.source.EscalationStates()
	filterState := h.source.FilterState()

	writeJSON(w, PipelineStatus{
		Verdict:     DeriveVerdict(filterState, escalation),
		Filter:      filterState,
		Shipper:     h.source.ShipperState(),
		Escalation:  escalation,
		GeneratedAt: time.Now().UTC(),
	})
}

// GetRecentEvents handles the request to get recent history rows.
func (h *StatusHandler) GetRecentEvents(w http.ResponseWriter, r *http.Request) {
	limitStr := r.URL.Query().Get("limit")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 20 // Default limit
	}

	events, err := h.history.GetRecentEvents(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to retrieve events")
		http.Error(w, "Failed to retrieve events: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

// GetDailyReport serves a stored daily report by date (YYYY-MM-DD).
func (h *StatusHandler) GetDailyReport(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, "daily-"+chi.URLParam(r, "date"))
}

// GetWeeklyReport serves a stored weekly report by week start (YYYY-MM-DD).
func (h *StatusHandler) GetWeeklyReport(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, "weekly-"+chi.URLParam(r, "date"))
}

func (h *StatusHandler) serveReport(w http.ResponseWriter, stem string) {
	rep, err := h.aggregator.ReadReport(stem)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.Error(w, "report not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("report", stem).Msg("Failed to read report")
		http.Error(w, "Failed to read report", http.StatusInternalServerError)
		return
	}
	writeJSON(w, rep)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
