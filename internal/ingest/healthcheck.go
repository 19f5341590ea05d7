package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker periodically derives connectivity and battery status for every
// station from stored measurements.
type HealthChecker struct {
	store     Store
	publisher HealthPublisher
	location  *time.Location
	interval  time.Duration
	freshness time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewHealthChecker returns a checker. publisher may be nil.
func NewHealthChecker(store Store, publisher HealthPublisher, location *time.Location, interval time.Duration, logger zerolog.Logger) *HealthChecker {
	if location == nil {
		location = time.UTC
	}
	return &HealthChecker{
		store:     store,
		publisher: publisher,
		location:  location,
		interval:  interval,
		freshness: time.Hour,
		now:       time.Now,
		logger:    logger,
	}
}

// Run writes one health log per station and records the task outcome.
func (h *HealthChecker) Run(ctx context.Context) error {
	now := h.now()
	started := now

	stations, err := h.store.ListStations(ctx)
	if err != nil {
		h.record(ctx, TaskFailed, err.Error())
		return fmt.Errorf("list stations: %w", err)
	}

	resolver, err := NewSensorResolver(ctx, h.store)
	if err != nil {
		h.record(ctx, TaskFailed, err.Error())
		return err
	}

	var errs []error
	for _, st := range stations {
		entry, err := h.check(ctx, resolver, st, now)
		if err != nil {
			h.logger.Error().Err(err).Str("station", st.SerialNumber).Msg("health check failed")
			errs = append(errs, err)
			continue
		}
		if h.publisher != nil {
			if err := h.publisher.PublishHealth(ctx, st, entry); err != nil {
				h.logger.Warn().Err(err).Str("station", st.SerialNumber).Msg("publish health")
			}
		}
	}

	err = errors.Join(errs...)
	if err != nil {
		h.record(ctx, TaskFailed, err.Error())
		return err
	}

	h.record(ctx, TaskSuccess, fmt.Sprintf("checked %d stations", len(stations)))
	h.logger.Debug().
		Int("stations", len(stations)).
		Dur("elapsed", h.now().Sub(started)).
		Msg("station health check completed")
	return nil
}

func (h *HealthChecker) check(ctx context.Context, resolver *SensorResolver, st Station, now time.Time) (StationHealthLog, error) {
	entry := StationHealthLog{
		StationID:          st.ID,
		BatteryStatus:      StatusUnknown,
		ConnectivityStatus: StatusNoData,
	}

	latest, err := h.store.LatestMeasurement(ctx, st.ID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return entry, fmt.Errorf("latest measurement for %s: %w", st.SerialNumber, err)
	case now.Sub(latest.ObservedAt) <= h.freshness:
		entry.ConnectivityStatus = StatusConnected
	default:
		entry.ConnectivityStatus = StatusDisconnected
	}

	local := now.In(h.location)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.location)
	if types := BatterySensorTypes(resolver, st.Brand); len(types) > 0 {
		battery, err := h.store.LatestReadingOf(ctx, st.ID, types, dayStart)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return entry, fmt.Errorf("latest battery for %s: %w", st.SerialNumber, err)
		default:
			entry.BatteryStatus = FormatBattery(battery.Value)
		}
	}

	if err := h.store.AppendHealthLog(ctx, &entry); err != nil {
		return entry, fmt.Errorf("append health log for %s: %w", st.SerialNumber, err)
	}
	return entry, nil
}

func (h *HealthChecker) record(ctx context.Context, status TaskStatus, message string) {
	if err := h.store.RecordTask(context.WithoutCancel(ctx), TaskStationHealthCheck, h.interval, status, message, h.now()); err != nil {
		h.logger.Error().Err(err).Msg("record health check status")
	}
}
