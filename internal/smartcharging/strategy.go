package smartcharging

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"csms/internal/models"

	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
)

// Strategy builds the candidate profiles of a site area. Stations listed in
// excluded get none.
type Strategy interface {
	BuildChargingProfiles(ctx context.Context, site *models.SiteArea, excluded []string) ([]*models.ChargingProfile, error)
}

type StationSource interface {
	ListBySiteArea(ctx context.Context, siteAreaID string) ([]*models.ChargingStation, error)
}

type TariffSource interface {
	GetActiveForSiteArea(ctx context.Context, siteAreaID string) (*models.Tariff, error)
}

type ProfileLister interface {
	ListByStation(ctx context.Context, stationID string) ([]*models.ChargingProfile, error)
}

const txProfileStackLevel = 1

// TariffStrategy limits every connector with a running transaction according
// to the site area's tariff over the next Horizon. Each tariff window
// boundary starts a new schedule period.
type TariffStrategy struct {
	Stations    StationSource
	Tariffs     TariffSource
	Profiles    ProfileLister
	Horizon     time.Duration
	DefaultAmps float64
	Now         func() time.Time
}

func NewTariffStrategy(stations StationSource, tariffs TariffSource, profiles ProfileLister, horizon time.Duration, defaultAmps float64) *TariffStrategy {
	return &TariffStrategy{
		Stations:    stations,
		Tariffs:     tariffs,
		Profiles:    profiles,
		Horizon:     horizon,
		DefaultAmps: defaultAmps,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

type activeConnector struct {
	station   *models.ChargingStation
	connector *models.Connector
}

func (s *TariffStrategy) BuildChargingProfiles(ctx context.Context, site *models.SiteArea, excluded []string) ([]*models.ChargingProfile, error) {
	tariff, err := s.Tariffs.GetActiveForSiteArea(ctx, site.SiteAreaID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tariff: %w", err)
	}
	if tariff == nil {
		return nil, nil
	}
	stations, err := s.Stations.ListBySiteArea(ctx, site.SiteAreaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}

	var active []activeConnector
	for _, st := range stations {
		if slices.Contains(excluded, st.ID) {
			continue
		}
		for _, c := range st.Connectors {
			if c.CurrentTransactionID != 0 {
				active = append(active, activeConnector{station: st, connector: c})
			}
		}
	}
	if len(active) == 0 {
		return nil, nil
	}

	share := 0.0
	if site.MaxAmps > 0 {
		share = site.MaxAmps / float64(len(active))
	}
	now := s.Now().Truncate(time.Second)
	bounds := boundaries(tariff, now, s.Horizon)
	duration := int(s.Horizon.Seconds())
	taken := make(map[string]*profileIDs)

	out := make([]*models.ChargingProfile, 0, len(active))
	for _, a := range active {
		capacity := a.connector.AmperageLimit
		if capacity <= 0 {
			capacity = s.DefaultAmps
		}
		if share > 0 && share < capacity {
			capacity = share
		}
		id, err := s.allocateID(ctx, a.station.ID, a.connector, taken)
		if err != nil {
			return nil, err
		}
		out = append(out, &models.ChargingProfile{
			ChargingStationID: a.station.ID,
			ConnectorID:       a.connector.ConnectorID,
			TransactionID:     a.connector.CurrentTransactionID,
			CreatedAt:         now,
			Profile: &types.ChargingProfile{
				ChargingProfileId:      id,
				TransactionId:          a.connector.CurrentTransactionID,
				StackLevel:             txProfileStackLevel,
				ChargingProfilePurpose: types.ChargingProfilePurposeTxProfile,
				ChargingProfileKind:    types.ChargingProfileKindAbsolute,
				ChargingSchedule: &types.ChargingSchedule{
					Duration:               &duration,
					StartSchedule:          types.NewDateTime(now),
					ChargingRateUnit:       types.ChargingRateUnitAmperes,
					ChargingSchedulePeriod: schedulePeriods(tariff, bounds, now, capacity),
				},
			},
		})
	}
	return out, nil
}

// profileIDs tracks the charging profile ids of one station during a build.
type profileIDs struct {
	existing []*models.ChargingProfile
	used     map[int]bool
}

// allocateID reuses the id of the transaction's current profile, otherwise
// takes the first free id starting at the transaction id.
func (s *TariffStrategy) allocateID(ctx context.Context, stationID string, c *models.Connector, taken map[string]*profileIDs) (int, error) {
	ids := taken[stationID]
	if ids == nil {
		existing, err := s.Profiles.ListByStation(ctx, stationID)
		if err != nil {
			return 0, fmt.Errorf("failed to list charging profiles: %w", err)
		}
		ids = &profileIDs{existing: existing, used: make(map[int]bool, len(existing))}
		for _, p := range existing {
			if p.Profile != nil {
				ids.used[p.Profile.ChargingProfileId] = true
			}
		}
		taken[stationID] = ids
	}
	for _, p := range ids.existing {
		if p.Profile != nil && p.TransactionID == c.CurrentTransactionID && p.ConnectorID == c.ConnectorID {
			return p.Profile.ChargingProfileId, nil
		}
	}
	id := c.CurrentTransactionID
	if id <= 0 {
		id = 1
	}
	for ids.used[id] {
		id++
	}
	ids.used[id] = true
	return id, nil
}

// boundaries returns now and every window edge inside the horizon, sorted.
// Edges are rounded up to whole seconds, the resolution of StartPeriod.
func boundaries(tariff *models.Tariff, now time.Time, horizon time.Duration) []time.Time {
	end := now.Add(horizon)
	out := []time.Time{now}
	for _, w := range tariff.Windows {
		for _, t := range []time.Time{w.From, w.To} {
			if r := t.Truncate(time.Second); r.Before(t) {
				t = r.Add(time.Second)
			}
			if t.After(now) && t.Before(end) {
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return slices.CompactFunc(out, func(a, b time.Time) bool { return a.Equal(b) })
}

func schedulePeriods(tariff *models.Tariff, bounds []time.Time, now time.Time, capacity float64) []types.ChargingSchedulePeriod {
	var periods []types.ChargingSchedulePeriod
	for _, b := range bounds {
		limit := LimitForPrice(tariff.PriceAt(b), capacity)
		if n := len(periods); n > 0 && periods[n-1].Limit == limit {
			continue
		}
		periods = append(periods, types.ChargingSchedulePeriod{
			StartPeriod: int(b.Sub(now).Seconds()),
			Limit:       limit,
		})
	}
	return periods
}
