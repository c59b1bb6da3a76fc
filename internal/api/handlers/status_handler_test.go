package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calkiosk/kiosk-sentinel/internal/models"
	"github.com/calkiosk/kiosk-sentinel/internal/state"
)

type fakeSource struct {
	filter     state.FilterState
	shipper    state.ShipperState
	escalation map[string]state.EscalationState
}

func (s *fakeSource) FilterState() state.FilterState   { return s.filter }
func (s *fakeSource) ShipperState() state.ShipperState { return s.shipper }
func (s *fakeSource) EscalationStates() map[string]state.EscalationState {
	return s.escalation
}

func TestDeriveVerdict(t *testing.T) {
	quiet := map[string]state.EscalationState{
		"browser": {},
		"system":  {},
	}

	cases := []struct {
		name       string
		filter     state.FilterState
		escalation map[string]state.EscalationState
		want       models.HealthVerdict
	}{
		{"all quiet", state.FilterState{}, quiet, models.VerdictHealthy},
		{
			"ladder engaged",
			state.FilterState{},
			map[string]state.EscalationState{
				"browser": {Engaged: true, CurrentLevel: 1},
				"system":  {},
			},
			models.VerdictDegraded,
		},
		{
			"delivery failures",
			state.FilterState{DeliveryFailures: 3},
			quiet,
			models.VerdictDegraded,
		},
		{
			"reboot rung reached",
			state.FilterState{},
			map[string]state.EscalationState{
				"browser": {},
				"system":  {Engaged: true, CurrentLevel: 4},
			},
			models.VerdictCritical,
		},
		{
			"disengaged high level is not critical",
			state.FilterState{},
			map[string]state.EscalationState{
				"browser": {},
				"system":  {CurrentLevel: 4},
			},
			models.VerdictHealthy,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DeriveVerdict(c.filter, c.escalation); got != c.want {
				t.Errorf("DeriveVerdict() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestGetStatus(t *testing.T) {
	source := &fakeSource{
		filter:  state.FilterState{ForwardedTotal: 12, DeliveryFailures: 1},
		shipper: state.ShipperState{ShipCount: 12},
		escalation: map[string]state.EscalationState{
			"browser": {Engaged: true, CurrentLevel: 1},
			"system":  {},
		},
	}
	h := NewStatusHandler(source, nil, nil)

	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got PipelineStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Verdict != models.VerdictDegraded {
		t.Errorf("verdict = %s, want degraded", got.Verdict)
	}
	if got.Filter.ForwardedTotal != 12 || got.Shipper.ShipCount != 12 {
		t.Errorf("counters = %d forwarded, %d shipped", got.Filter.ForwardedTotal, got.Shipper.ShipCount)
	}
	if !got.Escalation["browser"].Engaged {
		t.Error("escalation state missing from response")
	}
}
