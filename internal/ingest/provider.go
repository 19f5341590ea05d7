package ingest

import (
	"context"
	"time"
)

// VendorClient abstracts one vendor API (PAWS, Zentra, Barani, OTT).
type VendorClient interface {
	Vendor() Vendor
	Fetch(ctx context.Context, station Station, window TimeWindow) ([]RawReading, error)
}

// LocalReadings exposes already persisted readings, reshaped as raw readings
// keyed by catalog sensor type.
type LocalReadings interface {
	ReadingsInWindow(ctx context.Context, stationID uint, window TimeWindow) ([]RawReading, error)
}

// Catalog is the station/sensor catalog consumed by ingestion.
type Catalog interface {
	ListStations(ctx context.Context) ([]Station, error)
	StationsByBrand(ctx context.Context, brand Vendor) ([]Station, error)
	GetOrCreateStation(ctx context.Context, serial string, brand Vendor) (Station, error)
	ListSensors(ctx context.Context) ([]Sensor, error)
	GetOrCreateSensor(ctx context.Context, sensorType, unit string) (Sensor, error)
	EnsureStationSensor(ctx context.Context, stationID, sensorID uint) error
}

// MeasurementStore persists and queries measurement rows.
type MeasurementStore interface {
	LocalReadings
	// InsertMeasurement reports false when a row for the same
	// (station, sensor, date, time) slot already exists.
	InsertMeasurement(ctx context.Context, m *Measurement) (bool, error)
	LatestMeasurement(ctx context.Context, stationID uint) (Measurement, error)
	LatestReadingOf(ctx context.Context, stationID uint, sensorTypes []string, since time.Time) (Measurement, error)
}

// HealthStore persists station health snapshots.
type HealthStore interface {
	AppendHealthLog(ctx context.Context, log *StationHealthLog) error
	LatestHealthLogs(ctx context.Context) ([]StationHealthLog, error)
}

// TaskStore persists task execution records.
type TaskStore interface {
	// AcquireTask marks the task running for owner if no unexpired lease is held.
	AcquireTask(ctx context.Context, task string, interval time.Duration, owner string, lease time.Duration, now time.Time) (bool, error)
	// FinishTask records the final status. A timed out task keeps its lease so the
	// guard holds until in-flight work is cut off by the hard timeout.
	FinishTask(ctx context.Context, task, owner string, status TaskStatus, message string, now time.Time) error
	// RecordTask writes a status without any lease semantics.
	RecordTask(ctx context.Context, task string, interval time.Duration, status TaskStatus, message string, now time.Time) error
	GetTask(ctx context.Context, task string) (TaskExecution, error)
	ListTasks(ctx context.Context) ([]TaskExecution, error)
}

// Store is the contract the in-memory store and the gorm store satisfy.
type Store interface {
	Catalog
	MeasurementStore
	HealthStore
	TaskStore
}

// TaskGuard enforces at most one in-flight run of a named task across processes.
type TaskGuard interface {
	Acquire(ctx context.Context, task, owner string, lease time.Duration) (bool, error)
	Release(ctx context.Context, task, owner string, status TaskStatus, message string) error
}

// MeasurementMirror receives a copy of every newly written measurement.
type MeasurementMirror interface {
	Mirror(station Station, sensorKey string, m Measurement)
}

// HealthPublisher fans out health snapshots to external consumers.
type HealthPublisher interface {
	PublishHealth(ctx context.Context, station Station, log StationHealthLog) error
}
