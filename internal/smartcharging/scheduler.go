package smartcharging

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"csms/internal/deferred"
	"csms/internal/lock"
	"csms/internal/models"
	"csms/internal/notify"
	"csms/internal/ocpp"

	"go.uber.org/zap"
)

var ErrSiteAreaNotFound = errors.New("site area not found")

// pushAttempts is the first push plus two retries.
const pushAttempts = 3

type SiteAreaSource interface {
	Get(ctx context.Context, id string) (*models.SiteArea, error)
}

type ProfileStore interface {
	Save(ctx context.Context, p *models.ChargingProfile) error
}

// ProfileClient is satisfied by the gateway client.
type ProfileClient interface {
	SetChargingProfile(ctx context.Context, stationID string, req ocpp.SetChargingProfileRequest) error
}

type TaskRunner interface {
	Go(stationID, name string, fn deferred.Task)
}

type Deps struct {
	Strategy Strategy
	Sites    SiteAreaSource
	Profiles ProfileStore
	Client   ProfileClient
	Locks    lock.Manager
	Notifier notify.Sink
	Tasks    TaskRunner
}

// Result counts the pushes of the last run. Excluded lists every station
// that failed during the invocation.
type Result struct {
	Applied  int      `json:"applied"`
	Failed   int      `json:"failed"`
	Excluded []string `json:"excluded,omitempty"`
}

type Scheduler struct {
	d          Deps
	RetryDelay time.Duration
	logger     *zap.Logger
}

func New(d Deps, logger *zap.Logger) *Scheduler {
	return &Scheduler{d: d, RetryDelay: 2 * time.Second, logger: logger.Named("smartcharging")}
}

// ComputeAndApplyChargingProfiles recomputes the profiles of a site area and
// pushes them under the site area lock. When a push fails the whole
// computation runs once more with the failing stations excluded.
func (s *Scheduler) ComputeAndApplyChargingProfiles(ctx context.Context, siteAreaID string) (Result, error) {
	log := s.logger.With(zap.String("site_area_id", siteAreaID))
	h, err := s.d.Locks.Acquire(ctx, lock.SiteAreaKey(siteAreaID))
	if err != nil {
		log.Warn("smart charging skipped: cannot acquire site area lock", zap.Error(err))
		return Result{}, err
	}
	defer func() {
		if err := s.d.Locks.Release(context.WithoutCancel(ctx), h); err != nil {
			log.Warn("failed to release site area lock", zap.Error(err))
		}
	}()

	site, err := s.d.Sites.Get(ctx, siteAreaID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load site area: %w", err)
	}
	if site == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrSiteAreaNotFound, siteAreaID)
	}

	res, err := s.run(ctx, site, nil, log)
	if err != nil {
		return res, err
	}
	if res.Failed > 0 {
		log.Info("retrying smart charging once", zap.Strings("excluded", res.Excluded))
		res, err = s.run(ctx, site, res.Excluded, log)
		if err != nil {
			return res, err
		}
	}
	log.Info("smart charging applied",
		zap.Int("applied", res.Applied),
		zap.Int("failed", res.Failed),
		zap.Strings("excluded", res.Excluded),
	)
	return res, nil
}

// run takes the exclusion list by value and returns the extended copy.
func (s *Scheduler) run(ctx context.Context, site *models.SiteArea, excluded []string, log *zap.Logger) (Result, error) {
	excluded = slices.Clone(excluded)
	profiles, err := s.d.Strategy.BuildChargingProfiles(ctx, site, excluded)
	if err != nil {
		return Result{Excluded: excluded}, fmt.Errorf("failed to build charging profiles: %w", err)
	}
	// Lower limits first so no station briefly runs on a stale high one.
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].FirstLimit() < profiles[j].FirstLimit()
	})

	var res Result
	for _, p := range profiles {
		if slices.Contains(excluded, p.ChargingStationID) {
			continue
		}
		if err := s.push(ctx, p, log); err != nil {
			res.Failed++
			excluded = append(excluded, p.ChargingStationID)
			log.Error("charging profile push failed, station excluded",
				zap.String("charge_point_id", p.ChargingStationID),
				zap.Int("connector_id", p.ConnectorID),
				zap.Error(err),
			)
			s.notify(ctx, site, p, err)
			continue
		}
		res.Applied++
	}
	res.Excluded = excluded
	return res, nil
}

func (s *Scheduler) push(ctx context.Context, p *models.ChargingProfile, log *zap.Logger) error {
	req := ocpp.SetChargingProfileRequest{ConnectorId: p.ConnectorID, CsChargingProfiles: p.Profile}
	var err error
	for attempt := 1; attempt <= pushAttempts; attempt++ {
		if err = s.d.Client.SetChargingProfile(ctx, p.ChargingStationID, req); err == nil {
			break
		}
		log.Warn("charging profile push attempt failed",
			zap.String("charge_point_id", p.ChargingStationID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == pushAttempts {
			return err
		}
		if s.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.RetryDelay):
			}
		}
	}
	if err := s.d.Profiles.Save(ctx, p); err != nil {
		// The station already runs the profile.
		log.Error("failed to save charging profile", zap.String("charge_point_id", p.ChargingStationID), zap.Error(err))
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, site *models.SiteArea, p *models.ChargingProfile, err error) {
	if s.d.Notifier == nil {
		return
	}
	s.d.Notifier.Notify(ctx, notify.Notification{
		Kind:              notify.KindProfilePushFailed,
		Severity:          notify.SeverityError,
		ChargingStationID: p.ChargingStationID,
		ConnectorID:       p.ConnectorID,
		TransactionID:     p.TransactionID,
		SiteAreaID:        site.SiteAreaID,
		Message:           "charging profile push failed",
		Data: map[string]string{
			"attempts": strconv.Itoa(pushAttempts),
			"error":    err.Error(),
		},
	})
}

// Trigger recomputes the station's site area in the background.
func (s *Scheduler) Trigger(stationID, siteAreaID string) {
	if siteAreaID == "" {
		s.logger.Debug("station outside any site area, smart charging skipped", zap.String("charge_point_id", stationID))
		return
	}
	s.d.Tasks.Go(stationID, "smart-charging", func(ctx context.Context) {
		_, err := s.ComputeAndApplyChargingProfiles(ctx, siteAreaID)
		if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Error("smart charging failed",
				zap.String("charge_point_id", stationID),
				zap.String("site_area_id", siteAreaID),
				zap.Error(err),
			)
		}
	})
}
