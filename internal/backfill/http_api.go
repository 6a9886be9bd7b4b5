package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/corvid-net/sentinel/internal/domain"
	"github.com/corvid-net/sentinel/internal/errs"
)

// HTTPSecondaryAPI implements SecondaryAPI against the secondary historical
// API described in spec §6.3: GET by region, newest-first, cursor-paginated.
type HTTPSecondaryAPI struct {
	Client  *http.Client
	BaseURL string
}

type wirePage struct {
	Events     []wireEvent `json:"events"`
	NextCursor string      `json:"next_cursor"`
	HasMore    bool        `json:"has_more"`
}

type wireEvent struct {
	EventID                uint64  `json:"event_id"`
	EventTime              int64   `json:"event_time"`
	LocationID             int64   `json:"location_id"`
	VictimEntityID         int64   `json:"victim_entity_id"`
	VictimOrgID            int64   `json:"victim_org_id"`
	AttackerCount          int     `json:"attacker_count"`
	AttackerOrgIDs         []int64 `json:"attacker_org_ids"`
	AttackerAllianceIDs    []int64 `json:"attacker_alliance_ids"`
	AttackerVehicleTypeIDs []int64 `json:"attacker_vehicle_type_ids"`
	FinalAttackerVehicleID int64   `json:"final_attacker_vehicle_id"`
	TotalValue             float64 `json:"total_value"`
	IsMinorKill            bool    `json:"is_minor_kill"`
}

// FetchRegion implements SecondaryAPI.
func (a *HTTPSecondaryAPI) FetchRegion(ctx context.Context, regionID int64, cursor string) ([]*domain.Event, string, bool, error) {
	url := fmt.Sprintf("%s/region/%d?cursor=%s", a.BaseURL, regionID, cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("backfill: build request: %w", err)
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, "", false, errs.ErrTransient
	}
	if resp.StatusCode >= 400 {
		return nil, "", false, errs.ErrPermanent
	}

	var page wirePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, "", false, fmt.Errorf("%w: %v", errs.ErrInvalidPayload, err)
	}

	events := make([]*domain.Event, 0, len(page.Events))
	for _, w := range page.Events {
		events = append(events, &domain.Event{
			EventID:                w.EventID,
			EventTime:              time.Unix(w.EventTime, 0).UTC(),
			LocationID:             w.LocationID,
			VictimEntityID:         w.VictimEntityID,
			VictimOrgID:            w.VictimOrgID,
			AttackerCount:          w.AttackerCount,
			AttackerOrgIDs:         domain.NewInt64Set(w.AttackerOrgIDs),
			AttackerAllianceIDs:    domain.NewInt64Set(w.AttackerAllianceIDs),
			AttackerVehicleTypeIDs: domain.NewInt64Set(w.AttackerVehicleTypeIDs),
			FinalAttackerVehicleID: w.FinalAttackerVehicleID,
			TotalValue:             w.TotalValue,
			IsMinorKill:            w.IsMinorKill,
			IngestedAt:             time.Now().UTC(),
		})
	}
	return events, page.NextCursor, page.HasMore, nil
}
