package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/errs"
)

// HTTPAPI implements API against the enrichment HTTP endpoint described in
// spec §6.2: GET by (event_id, hash), honoring the 420 error-budget status.
type HTTPAPI struct {
	Client  *http.Client
	BaseURL string
}

type wireEvent struct {
	EventID                uint64  `json:"event_id"`
	EventTime              int64   `json:"event_time"`
	LocationID             int64   `json:"location_id"`
	VictimEntityID         int64   `json:"victim_entity_id"`
	VictimOrgID            int64   `json:"victim_org_id"`
	VictimAllianceID       *int64  `json:"victim_alliance_id"`
	AttackerCount          int     `json:"attacker_count"`
	AttackerOrgIDs         []int64 `json:"attacker_org_ids"`
	AttackerAllianceIDs    []int64 `json:"attacker_alliance_ids"`
	AttackerVehicleTypeIDs []int64 `json:"attacker_vehicle_type_ids"`
	FinalAttackerVehicleID int64   `json:"final_attacker_vehicle_id"`
	TotalValue             float64 `json:"total_value"`
	IsMinorKill             bool   `json:"is_minor_kill"`
}

// FetchEvent implements API.
func (a *HTTPAPI) FetchEvent(ctx context.Context, eventID uint64, hash string) (*domain.Event, error) {
	url := fmt.Sprintf("%s/%d/%s", a.BaseURL, eventID, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: build request: %w", err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, errs.ErrRateLimited
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, errs.ErrTransient
	}
	if resp.StatusCode >= 400 {
		return nil, errs.ErrPermanent
	}

	var w wireEvent
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}

	e := &domain.Event{
		EventID:                w.EventID,
		EventTime:              time.Unix(w.EventTime, 0).UTC(),
		LocationID:             w.LocationID,
		VictimEntityID:         w.VictimEntityID,
		VictimOrgID:            w.VictimOrgID,
		VictimAllianceID:       w.VictimAllianceID,
		AttackerCount:          w.AttackerCount,
		AttackerOrgIDs:         domain.NewInt64Set(w.AttackerOrgIDs),
		AttackerAllianceIDs:    domain.NewInt64Set(w.AttackerAllianceIDs),
		AttackerVehicleTypeIDs: domain.NewInt64Set(w.AttackerVehicleTypeIDs),
		FinalAttackerVehicleID: w.FinalAttackerVehicleID,
		TotalValue:             w.TotalValue,
		IsMinorKill:            w.IsMinorKill,
		IngestedAt:             time.Now().UTC(),
	}
	return e, nil
}
