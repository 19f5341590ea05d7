package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Pipeline binds a vendor client to the catalog policies it is ingested with.
type Pipeline struct {
	Client         VendorClient
	Match          MatchMode
	UnknownSensors UnknownSensorPolicy
	// StationSerials, when set, replaces the catalog lookup by brand. Each serial
	// is registered in the catalog on first sight.
	StationSerials []string
	Health         HealthMapping
}

// Options tunes an Orchestrator. Zero values fall back to defaults.
type Options struct {
	Window      time.Duration
	Location    *time.Location
	SoftTimeout time.Duration
	HardTimeout time.Duration
	Workers     int
	Mirror      MeasurementMirror
	Publisher   HealthPublisher
}

const (
	DefaultWindow      = 12 * time.Hour
	DefaultSoftTimeout = 45 * time.Minute
	DefaultHardTimeout = 50 * time.Minute
)

// StationReport summarizes one station's share of a cycle.
type StationReport struct {
	Serial   string
	Readings int
	Written  int
	Skipped  int
	Dropped  int
	Failed   int
	Err      error
}

// VendorReport summarizes one vendor's share of a cycle.
type VendorReport struct {
	Vendor   Vendor
	Stations []StationReport
	Err      error
}

// CycleReport summarizes one ingestion cycle.
type CycleReport struct {
	ID             string
	Window         TimeWindow
	Status         TaskStatus
	Vendors        []VendorReport
	SensorsCreated int
}

// Orchestrator runs ingestion cycles across all configured vendors.
type Orchestrator struct {
	store     Store
	guard     TaskGuard
	pipelines []Pipeline
	writer    *MeasurementWriter
	publisher HealthPublisher

	window      time.Duration
	location    *time.Location
	softTimeout time.Duration
	hardTimeout time.Duration
	workers     int

	now    func() time.Time
	logger zerolog.Logger
}

// NewOrchestrator creates a new Orchestrator.
func NewOrchestrator(store Store, guard TaskGuard, pipelines []Pipeline, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = DefaultSoftTimeout
	}
	if opts.HardTimeout < opts.SoftTimeout {
		opts.HardTimeout = opts.SoftTimeout + (DefaultHardTimeout - DefaultSoftTimeout)
	}
	if opts.Workers <= 0 || opts.Workers > len(pipelines) {
		opts.Workers = max(len(pipelines), 1)
	}

	return &Orchestrator{
		store:       store,
		guard:       guard,
		pipelines:   pipelines,
		writer:      NewMeasurementWriter(store, opts.Location, opts.Mirror),
		publisher:   opts.Publisher,
		window:      opts.Window,
		location:    opts.Location,
		softTimeout: opts.SoftTimeout,
		hardTimeout: opts.HardTimeout,
		workers:     opts.Workers,
		now:         time.Now,
		logger:      logger,
	}
}

// Window returns the cycle window ending now, in station-local time.
func (o *Orchestrator) Window() TimeWindow {
	end := o.now().In(o.location)
	return TimeWindow{Start: end.Add(-o.window), End: end}
}

// RunCycle performs one guarded ingestion cycle. It returns ErrTaskRunning when
// another cycle holds the guard. Vendors run concurrently; a failing vendor
// never stops the others.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	report := CycleReport{ID: uuid.NewString()}
	logger := o.logger.With().Str("cycle_id", report.ID).Logger()

	acquired, err := o.guard.Acquire(ctx, TaskDataFetcher, report.ID, o.hardTimeout)
	if err != nil {
		return report, fmt.Errorf("acquire %s: %w", TaskDataFetcher, err)
	}
	if !acquired {
		logger.Info().Msg("data fetch already running, skipping cycle")
		return report, ErrTaskRunning
	}

	report.Window = o.Window()
	logger.Info().
		Time("window_start", report.Window.Start).
		Time("window_end", report.Window.End).
		Int("vendors", len(o.pipelines)).
		Msg("ingestion cycle started")

	resolver, err := NewSensorResolver(ctx, o.store)
	if err != nil {
		report.Status = TaskFailed
		o.release(ctx, report.ID, TaskFailed, err.Error(), logger)
		return report, err
	}

	workCtx, cancel := context.WithTimeout(ctx, o.hardTimeout)
	results := make([]VendorReport, len(o.pipelines))
	sem := make(chan struct{}, o.workers)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i, p := range o.pipelines {
		wg.Add(1)
		go func(i int, p Pipeline) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = VendorReport{Vendor: p.Client.Vendor(), Err: fmt.Errorf("panic: %v", r)}
				}
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-workCtx.Done():
				results[i] = VendorReport{Vendor: p.Client.Vendor(), Err: workCtx.Err()}
				return
			}

			results[i] = o.runPipeline(workCtx, p, report.Window, resolver, logger)
		}(i, p)
	}

	go func() {
		wg.Wait()
		cancel()
		close(done)
	}()

	soft := time.NewTimer(o.softTimeout)
	defer soft.Stop()

	select {
	case <-done:
	case <-soft.C:
		report.Status = TaskTimeout
		msg := fmt.Sprintf("cycle exceeded soft timeout of %s", o.softTimeout)
		logger.Error().Dur("soft_timeout", o.softTimeout).Msg("ingestion cycle timed out")
		o.release(ctx, report.ID, TaskTimeout, msg, logger)
		return report, errors.New(msg)
	}

	report.Vendors = results
	report.SensorsCreated = resolver.Created()

	var (
		errs     []error
		failures []string
		written  int
	)
	for _, vr := range results {
		for _, sr := range vr.Stations {
			written += sr.Written
		}
		if vr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", vr.Vendor, vr.Err))
			failures = append(failures, string(vr.Vendor))
		}
	}

	report.Status = TaskSuccess
	msg := fmt.Sprintf("wrote %d measurements", written)
	if len(errs) > 0 {
		report.Status = TaskFailed
		msg = fmt.Sprintf("%s; failed vendors: %s", msg, strings.Join(failures, ", "))
	}
	o.release(ctx, report.ID, report.Status, msg, logger)

	logger.Info().
		Str("status", string(report.Status)).
		Int("written", written).
		Int("sensors_created", report.SensorsCreated).
		Msg("ingestion cycle finished")

	return report, errors.Join(errs...)
}

func (o *Orchestrator) release(ctx context.Context, owner string, status TaskStatus, msg string, logger zerolog.Logger) {
	if err := o.guard.Release(context.WithoutCancel(ctx), TaskDataFetcher, owner, status, msg); err != nil {
		logger.Error().Err(err).Msg("release data fetch guard")
	}
}

func (o *Orchestrator) stationsFor(ctx context.Context, p Pipeline) ([]Station, error) {
	vendor := p.Client.Vendor()
	if len(p.StationSerials) == 0 {
		return o.store.StationsByBrand(ctx, vendor)
	}

	stations := make([]Station, 0, len(p.StationSerials))
	for _, serial := range p.StationSerials {
		st, err := o.store.GetOrCreateStation(ctx, serial, vendor)
		if err != nil {
			return nil, fmt.Errorf("register station %s: %w", serial, err)
		}
		stations = append(stations, st)
	}
	return stations, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, p Pipeline, window TimeWindow, resolver *SensorResolver, logger zerolog.Logger) VendorReport {
	vendor := p.Client.Vendor()
	rep := VendorReport{Vendor: vendor}
	logger = logger.With().Str("vendor", string(vendor)).Logger()

	stations, err := o.stationsFor(ctx, p)
	if err != nil {
		logger.Error().Err(err).Msg("load stations")
		rep.Err = err
		return rep
	}

	var failed []error
	for _, st := range stations {
		if err := ctx.Err(); err != nil {
			rep.Err = err
			return rep
		}

		sr := o.ingestStation(ctx, p, st, window, resolver, logger)
		rep.Stations = append(rep.Stations, sr)
		if sr.Err == nil {
			continue
		}
		if IsKind(sr.Err, KindAuth) {
			logger.Error().Err(sr.Err).Msg("credentials rejected, aborting vendor")
			rep.Err = sr.Err
			return rep
		}
		failed = append(failed, sr.Err)
	}

	if len(stations) > 0 && len(failed) == len(stations) {
		rep.Err = errors.Join(failed...)
	}

	logger.Info().
		Int("stations", len(stations)).
		Int("failed", len(failed)).
		Msg("vendor ingestion finished")
	return rep
}

func (o *Orchestrator) ingestStation(ctx context.Context, p Pipeline, st Station, window TimeWindow, resolver *SensorResolver, logger zerolog.Logger) StationReport {
	sr := StationReport{Serial: st.SerialNumber}
	logger = logger.With().Str("station", st.SerialNumber).Logger()

	readings, err := p.Client.Fetch(ctx, st, window)
	if err != nil {
		logger.Warn().Err(err).Msg("fetch failed")
		sr.Err = err
		if IsKind(err, KindAuth) || ctx.Err() != nil {
			return sr
		}
	}
	sr.Readings = len(readings)

	aligned := AlignHourly(readings)
	for _, key := range aligned.Keys() {
		sensorID, ok, err := resolver.Resolve(ctx, key.SensorKey, p.Match, p.UnknownSensors)
		if err != nil {
			logger.Error().Err(err).Str("sensor", key.SensorKey).Msg("resolve sensor")
			sr.Failed++
			continue
		}
		if !ok {
			logger.Debug().Str("sensor", key.SensorKey).Msg("unknown sensor dropped")
			sr.Dropped++
			continue
		}

		if err := resolver.EnsureLink(ctx, st.ID, sensorID); err != nil {
			logger.Warn().Err(err).Str("sensor", key.SensorKey).Msg("link sensor")
		}

		inserted, err := o.writer.Write(ctx, st, sensorID, key.SensorKey, key.Hour, aligned[key].Value)
		switch {
		case err != nil:
			logger.Error().Err(err).Str("sensor", key.SensorKey).Msg("write measurement")
			sr.Failed++
		case inserted:
			sr.Written++
		default:
			sr.Skipped++
		}
	}

	health := DeriveHealth(st.ID, p.Health, aligned)
	if err := o.store.AppendHealthLog(ctx, &health); err != nil {
		logger.Error().Err(err).Msg("append health log")
	} else if o.publisher != nil {
		if err := o.publisher.PublishHealth(ctx, st, health); err != nil {
			logger.Warn().Err(err).Msg("publish health")
		}
	}

	logger.Debug().
		Int("readings", sr.Readings).
		Int("written", sr.Written).
		Int("skipped", sr.Skipped).
		Int("dropped", sr.Dropped).
		Msg("station ingested")
	return sr
}
