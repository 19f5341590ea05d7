package ingest

import (
	"time"
)

// Vendor identifies a third-party station data provider. The value doubles as
// the catalog brand name of the stations it serves.
type Vendor string

const (
	VendorPAWS   Vendor = "3D Paws"
	VendorZentra Vendor = "Zentra"
	VendorBarani Vendor = "Allmeteo"
	VendorOTT    Vendor = "OTT Hydromet"
)

// Station is a vendor-identified weather station owned by the catalog.
type Station struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	SerialNumber string     `gorm:"uniqueIndex;size:100;not null" json:"serial_number"`
	Name         string     `json:"name"`
	Brand        Vendor     `gorm:"index;size:100" json:"brand"`
	Latitude     *float64   `json:"latitude,omitempty"`
	Longitude    *float64   `json:"longitude,omitempty"`
	InstallDate  *time.Time `json:"install_date,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Sensor is a normalized sensor catalog entry, unique per type.
type Sensor struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Type string `gorm:"uniqueIndex;size:255;not null" json:"type"`
	Unit string `gorm:"size:50" json:"unit"`
}

// StationSensor asserts that a station reports a given sensor type.
type StationSensor struct {
	StationID uint      `gorm:"primaryKey" json:"station_id"`
	SensorID  uint      `gorm:"primaryKey" json:"sensor_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Measurement is an immutable hourly fact row. Date and Time hold the
// canonical hour in station-local time; ObservedAt holds the same instant in UTC.
type Measurement struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	StationID  uint      `gorm:"uniqueIndex:idx_measurement_slot;index:idx_measurement_station_observed;not null" json:"station_id"`
	SensorID   uint      `gorm:"uniqueIndex:idx_measurement_slot;not null" json:"sensor_id"`
	Date       string    `gorm:"uniqueIndex:idx_measurement_slot;size:10;not null" json:"date"`
	Time       string    `gorm:"uniqueIndex:idx_measurement_slot;size:8;not null" json:"time"`
	ObservedAt time.Time `gorm:"index:idx_measurement_station_observed" json:"observed_at"`
	Value      float64   `json:"value"`
	Status     string    `gorm:"size:50" json:"status"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

const (
	MeasurementStatus = "Successful"
	MeasurementNote   = "Data Acquired"
)

// StationHealthLog is an append-only health snapshot for a station.
type StationHealthLog struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	StationID          uint      `gorm:"index:idx_health_station_created;not null" json:"station_id"`
	BatteryStatus      string    `gorm:"size:50" json:"battery_status"`
	ConnectivityStatus string    `gorm:"index;size:50" json:"connectivity_status"`
	CreatedAt          time.Time `gorm:"index:idx_health_station_created;index" json:"created_at"`
}

// TaskStatus is the state recorded on a task's execution record.
type TaskStatus string

const (
	TaskIdle    TaskStatus = "idle"
	TaskRunning TaskStatus = "running"
	TaskSuccess TaskStatus = "success"
	TaskFailed  TaskStatus = "failed"
	TaskTimeout TaskStatus = "timeout"
)

const (
	TaskDataFetcher        = "data_fetcher"
	TaskStationHealthCheck = "station_health_check"
)

// TaskExecution is the persisted execution-status record of a named periodic
// task. While LeaseUntil lies in the future the task is held by Owner.
type TaskExecution struct {
	TaskName   string     `gorm:"primaryKey;size:100" json:"task_name"`
	Interval   int        `gorm:"column:interval_seconds" json:"interval"`
	Status     TaskStatus `gorm:"size:20" json:"status"`
	Owner      string     `gorm:"size:64" json:"owner,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Message    string     `json:"message,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RawReading is a single vendor-neutral sample.
type RawReading struct {
	SensorKey string
	Timestamp time.Time
	Value     float64
}

// TimeWindow is the closed interval an ingestion cycle asks vendors for.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the window, bounds included.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}
