package ingest

import (
	"context"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// MeasurementWriter persists one aligned value per (station, sensor, hour).
// Conflicting slots are skipped, never overwritten.
type MeasurementWriter struct {
	store    MeasurementStore
	location *time.Location
	mirror   MeasurementMirror
}

// NewMeasurementWriter returns a writer that splits canonical hours into
// station-local date and time. mirror may be nil.
func NewMeasurementWriter(store MeasurementStore, location *time.Location, mirror MeasurementMirror) *MeasurementWriter {
	if location == nil {
		location = time.UTC
	}
	return &MeasurementWriter{store: store, location: location, mirror: mirror}
}

// SplitHour formats a canonical hour as station-local date and time strings.
func SplitHour(hour time.Time, location *time.Location) (string, string) {
	local := hour.In(location)
	return local.Format(dateLayout), local.Format(timeLayout)
}

// Write stores value for the station/sensor at hour. It reports whether a new
// row was inserted.
func (w *MeasurementWriter) Write(ctx context.Context, station Station, sensorID uint, sensorKey string, hour time.Time, value float64) (bool, error) {
	date, clock := SplitHour(hour, w.location)
	m := Measurement{
		StationID:  station.ID,
		SensorID:   sensorID,
		Date:       date,
		Time:       clock,
		ObservedAt: hour.UTC(),
		Value:      value,
		Status:     MeasurementStatus,
		Note:       MeasurementNote,
	}

	inserted, err := w.store.InsertMeasurement(ctx, &m)
	if err != nil {
		return false, &StorageWriteError{StationID: station.ID, SensorID: sensorID, Hour: hour, Err: err}
	}
	if inserted && w.mirror != nil {
		w.mirror.Mirror(station, sensorKey, m)
	}
	return inserted, nil
}
