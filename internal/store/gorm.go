package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/i474232898/station-ingest/internal/ingest"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// GormStore is the relational implementation of ingest.Store.
type GormStore struct {
	db *gorm.DB
}

// Open connects to the given driver and migrates the schema.
func Open(driver, dsn string) (*GormStore, error) {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL DB: %w", err)
	}

	if driver == DriverSQLite {
		// a single connection keeps ":memory:" databases shared across calls
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &GormStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(
		&ingest.Station{},
		&ingest.Sensor{},
		&ingest.StationSensor{},
		&ingest.Measurement{},
		&ingest.StationHealthLog{},
		&ingest.TaskExecution{},
	)
}

func (s *GormStore) GetDB() *gorm.DB {
	return s.db
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ingest.ErrNotFound
	}
	return err
}

func (s *GormStore) ListStations(ctx context.Context) ([]ingest.Station, error) {
	var stations []ingest.Station
	if err := s.db.WithContext(ctx).Order("id").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	return stations, nil
}

func (s *GormStore) StationsByBrand(ctx context.Context, brand ingest.Vendor) ([]ingest.Station, error) {
	var stations []ingest.Station
	if err := s.db.WithContext(ctx).Where("brand = ?", brand).Order("id").Find(&stations).Error; err != nil {
		return nil, fmt.Errorf("list %s stations: %w", brand, err)
	}
	return stations, nil
}

// CreateStation inserts a catalog station.
func (s *GormStore) CreateStation(ctx context.Context, st *ingest.Station) error {
	return s.db.WithContext(ctx).Create(st).Error
}

func (s *GormStore) GetOrCreateStation(ctx context.Context, serial string, brand ingest.Vendor) (ingest.Station, error) {
	var st ingest.Station
	err := s.db.WithContext(ctx).
		Where(ingest.Station{SerialNumber: serial}).
		Attrs(ingest.Station{Name: serial, Brand: brand}).
		FirstOrCreate(&st).Error
	if err != nil {
		// lost a concurrent insert race on the unique serial
		if lookupErr := s.db.WithContext(ctx).Where("serial_number = ?", serial).First(&st).Error; lookupErr == nil {
			return st, nil
		}
		return ingest.Station{}, fmt.Errorf("get or create station %s: %w", serial, err)
	}
	return st, nil
}

func (s *GormStore) ListSensors(ctx context.Context) ([]ingest.Sensor, error) {
	var sensors []ingest.Sensor
	if err := s.db.WithContext(ctx).Order("id").Find(&sensors).Error; err != nil {
		return nil, fmt.Errorf("list sensors: %w", err)
	}
	return sensors, nil
}

func (s *GormStore) GetOrCreateSensor(ctx context.Context, sensorType, unit string) (ingest.Sensor, error) {
	var sn ingest.Sensor
	err := s.db.WithContext(ctx).
		Where(ingest.Sensor{Type: sensorType}).
		Attrs(ingest.Sensor{Unit: unit}).
		FirstOrCreate(&sn).Error
	if err != nil {
		if lookupErr := s.db.WithContext(ctx).Where("type = ?", sensorType).First(&sn).Error; lookupErr == nil {
			return sn, nil
		}
		return ingest.Sensor{}, fmt.Errorf("get or create sensor %q: %w", sensorType, err)
	}
	return sn, nil
}

// UpdateSensorUnit sets the unit of a catalog sensor.
func (s *GormStore) UpdateSensorUnit(ctx context.Context, sensorID uint, unit string) error {
	res := s.db.WithContext(ctx).Model(&ingest.Sensor{}).Where("id = ?", sensorID).Update("unit", unit)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func (s *GormStore) EnsureStationSensor(ctx context.Context, stationID, sensorID uint) error {
	link := ingest.StationSensor{StationID: stationID, SensorID: sensorID}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
}

func (s *GormStore) InsertMeasurement(ctx context.Context, m *ingest.Measurement) (bool, error) {
	m.ObservedAt = m.ObservedAt.UTC()
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type readingRow struct {
	Type       string
	ObservedAt time.Time
	Value      float64
}

func (s *GormStore) ReadingsInWindow(ctx context.Context, stationID uint, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	var rows []readingRow
	err := s.db.WithContext(ctx).
		Table("measurements").
		Select("sensors.type AS type, measurements.observed_at AS observed_at, measurements.value AS value").
		Joins("JOIN sensors ON sensors.id = measurements.sensor_id").
		Where("measurements.station_id = ? AND measurements.observed_at >= ? AND measurements.observed_at <= ?",
			stationID, window.Start.UTC(), window.End.UTC()).
		Order("measurements.observed_at").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("readings in window for station %d: %w", stationID, err)
	}

	out := make([]ingest.RawReading, 0, len(rows))
	for _, r := range rows {
		out = append(out, ingest.RawReading{SensorKey: r.Type, Timestamp: r.ObservedAt, Value: r.Value})
	}
	return out, nil
}

func (s *GormStore) LatestMeasurement(ctx context.Context, stationID uint) (ingest.Measurement, error) {
	var m ingest.Measurement
	err := s.db.WithContext(ctx).
		Where("station_id = ?", stationID).
		Order("observed_at DESC, id DESC").
		First(&m).Error
	return m, notFound(err)
}

func (s *GormStore) LatestReadingOf(ctx context.Context, stationID uint, sensorTypes []string, since time.Time) (ingest.Measurement, error) {
	var m ingest.Measurement
	if len(sensorTypes) == 0 {
		return m, ingest.ErrNotFound
	}
	err := s.db.WithContext(ctx).
		Joins("JOIN sensors ON sensors.id = measurements.sensor_id").
		Where("measurements.station_id = ? AND sensors.type IN ? AND measurements.observed_at >= ?",
			stationID, sensorTypes, since.UTC()).
		Order("measurements.observed_at DESC, measurements.id DESC").
		First(&m).Error
	return m, notFound(err)
}

func (s *GormStore) AppendHealthLog(ctx context.Context, entry *ingest.StationHealthLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *GormStore) LatestHealthLogs(ctx context.Context) ([]ingest.StationHealthLog, error) {
	var logs []ingest.StationHealthLog
	latest := s.db.Model(&ingest.StationHealthLog{}).Select("MAX(id)").Group("station_id")
	err := s.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Order("station_id").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("latest health logs: %w", err)
	}
	return logs, nil
}

func (s *GormStore) AcquireTask(ctx context.Context, task string, interval time.Duration, owner string, lease time.Duration, now time.Time) (bool, error) {
	now = now.UTC()
	seed := ingest.TaskExecution{
		TaskName:  task,
		Interval:  int(interval / time.Second),
		Status:    ingest.TaskIdle,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return false, fmt.Errorf("seed task %s: %w", task, err)
	}

	res := s.db.WithContext(ctx).
		Model(&ingest.TaskExecution{}).
		Where("task_name = ? AND (lease_until IS NULL OR lease_until < ?)", task, now).
		Updates(map[string]any{
			"interval_seconds": int(interval / time.Second),
			"status":           ingest.TaskRunning,
			"owner":            owner,
			"lease_until":      now.Add(lease),
			"started_at":       now,
			"message":          "",
			"updated_at":       now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("acquire task %s: %w", task, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) FinishTask(ctx context.Context, task, owner string, status ingest.TaskStatus, message string, now time.Time) error {
	now = now.UTC()
	updates := map[string]any{
		"status":      status,
		"message":     message,
		"finished_at": now,
		"updated_at":  now,
	}
	if status != ingest.TaskTimeout {
		updates["lease_until"] = nil
	}

	res := s.db.WithContext(ctx).
		Model(&ingest.TaskExecution{}).
		Where("task_name = ? AND owner = ?", task, owner).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("finish task %s: %w", task, res.Error)
	}
	if res.RowsAffected == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordTask(ctx context.Context, task string, interval time.Duration, status ingest.TaskStatus, message string, now time.Time) error {
	now = now.UTC()
	row := ingest.TaskExecution{
		TaskName:  task,
		Interval:  int(interval / time.Second),
		Status:    status,
		Message:   message,
		UpdatedAt: now,
	}
	stampColumn := "finished_at"
	if status == ingest.TaskRunning {
		row.StartedAt = &now
		stampColumn = "started_at"
	} else {
		row.FinishedAt = &now
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "task_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"interval_seconds", "status", "message", "updated_at", stampColumn}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record task %s: %w", task, err)
	}
	return nil
}

func (s *GormStore) GetTask(ctx context.Context, task string) (ingest.TaskExecution, error) {
	var t ingest.TaskExecution
	err := s.db.WithContext(ctx).Where("task_name = ?", task).First(&t).Error
	return t, notFound(err)
}

func (s *GormStore) ListTasks(ctx context.Context) ([]ingest.TaskExecution, error) {
	var tasks []ingest.TaskExecution
	if err := s.db.WithContext(ctx).Order("task_name").Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}
