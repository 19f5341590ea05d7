package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/i474232898/station-ingest/internal/ingest"
)

type slotKey struct {
	stationID uint
	sensorID  uint
	date      string
	time      string
}

// MemoryStore is a concurrency-safe in-memory implementation of ingest.Store.
type MemoryStore struct {
	mu sync.RWMutex

	stations     map[uint]ingest.Station
	serials      map[string]uint
	sensors      map[uint]ingest.Sensor
	sensorTypes  map[string]uint
	links        map[[2]uint]ingest.StationSensor
	measurements []ingest.Measurement
	slots        map[slotKey]struct{}
	healthLogs   []ingest.StationHealthLog
	tasks        map[string]ingest.TaskExecution

	nextStation     uint
	nextSensor      uint
	nextMeasurement uint
	nextHealth      uint

	// maxHistory caps retained measurements; <= 0 means unlimited.
	maxHistory int
}

// NewMemoryStore creates a new MemoryStore.
// If maxHistory is <= 0, it is treated as unlimited.
func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{
		stations:    make(map[uint]ingest.Station),
		serials:     make(map[string]uint),
		sensors:     make(map[uint]ingest.Sensor),
		sensorTypes: make(map[string]uint),
		links:       make(map[[2]uint]ingest.StationSensor),
		slots:       make(map[slotKey]struct{}),
		tasks:       make(map[string]ingest.TaskExecution),
		maxHistory:  maxHistory,
	}
}

// AddStation seeds the catalog with a station and returns it with its id set.
func (s *MemoryStore) AddStation(st ingest.Station) ingest.Station {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.serials[st.SerialNumber]; ok {
		return s.stations[id]
	}
	s.nextStation++
	st.ID = s.nextStation
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.stations[st.ID] = st
	s.serials[st.SerialNumber] = st.ID
	return st
}

func (s *MemoryStore) ListStations(_ context.Context) ([]ingest.Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ingest.Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) StationsByBrand(ctx context.Context, brand ingest.Vendor) ([]ingest.Station, error) {
	all, _ := s.ListStations(ctx)
	out := make([]ingest.Station, 0, len(all))
	for _, st := range all {
		if st.Brand == brand {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetOrCreateStation(_ context.Context, serial string, brand ingest.Vendor) (ingest.Station, error) {
	return s.AddStation(ingest.Station{SerialNumber: serial, Name: serial, Brand: brand}), nil
}

func (s *MemoryStore) ListSensors(_ context.Context) ([]ingest.Sensor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ingest.Sensor, 0, len(s.sensors))
	for _, sn := range s.sensors {
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetOrCreateSensor(_ context.Context, sensorType, unit string) (ingest.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.sensorTypes[sensorType]; ok {
		return s.sensors[id], nil
	}
	s.nextSensor++
	sn := ingest.Sensor{ID: s.nextSensor, Type: sensorType, Unit: unit}
	s.sensors[sn.ID] = sn
	s.sensorTypes[sensorType] = sn.ID
	return sn, nil
}

func (s *MemoryStore) EnsureStationSensor(_ context.Context, stationID, sensorID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := [2]uint{stationID, sensorID}
	if _, ok := s.links[k]; !ok {
		s.links[k] = ingest.StationSensor{StationID: stationID, SensorID: sensorID, CreatedAt: time.Now().UTC()}
	}
	return nil
}

// StationSensors returns the sensor ids linked to a station.
func (s *MemoryStore) StationSensors(stationID uint) []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []uint
	for k := range s.links {
		if k[0] == stationID {
			ids = append(ids, k[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// InsertMeasurement appends a measurement unless its slot is already taken,
// and enforces retention.
func (s *MemoryStore) InsertMeasurement(_ context.Context, m *ingest.Measurement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := slotKey{stationID: m.StationID, sensorID: m.SensorID, date: m.Date, time: m.Time}
	if _, ok := s.slots[k]; ok {
		return false, nil
	}

	s.nextMeasurement++
	m.ID = s.nextMeasurement
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.measurements = append(s.measurements, *m)
	s.slots[k] = struct{}{}

	// Enforce retention by count. Slot keys outlive their rows so a trimmed
	// hour is never written twice.
	if s.maxHistory > 0 && len(s.measurements) > s.maxHistory {
		over := len(s.measurements) - s.maxHistory
		s.measurements = s.measurements[over:]
	}
	return true, nil
}

// Measurements returns a copy of all stored measurements in insertion order.
func (s *MemoryStore) Measurements() []ingest.Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.Measurement(nil), s.measurements...)
}

func (s *MemoryStore) ReadingsInWindow(_ context.Context, stationID uint, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ingest.RawReading
	for _, m := range s.measurements {
		if m.StationID != stationID || !window.Contains(m.ObservedAt) {
			continue
		}
		out = append(out, ingest.RawReading{
			SensorKey: s.sensors[m.SensorID].Type,
			Timestamp: m.ObservedAt,
			Value:     m.Value,
		})
	}
	return out, nil
}

func (s *MemoryStore) LatestMeasurement(_ context.Context, stationID uint) (ingest.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest ingest.Measurement
		found  bool
	)
	for _, m := range s.measurements {
		if m.StationID != stationID {
			continue
		}
		if !found || !m.ObservedAt.Before(latest.ObservedAt) {
			latest, found = m, true
		}
	}
	if !found {
		return ingest.Measurement{}, ingest.ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) LatestReadingOf(_ context.Context, stationID uint, sensorTypes []string, since time.Time) (ingest.Measurement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[uint]struct{}, len(sensorTypes))
	for _, t := range sensorTypes {
		if id, ok := s.sensorTypes[t]; ok {
			wanted[id] = struct{}{}
		}
	}

	var (
		latest ingest.Measurement
		found  bool
	)
	for _, m := range s.measurements {
		if _, ok := wanted[m.SensorID]; !ok || m.StationID != stationID || m.ObservedAt.Before(since) {
			continue
		}
		if !found || !m.ObservedAt.Before(latest.ObservedAt) {
			latest, found = m, true
		}
	}
	if !found {
		return ingest.Measurement{}, ingest.ErrNotFound
	}
	return latest, nil
}

func (s *MemoryStore) AppendHealthLog(_ context.Context, log *ingest.StationHealthLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextHealth++
	log.ID = s.nextHealth
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.healthLogs = append(s.healthLogs, *log)
	return nil
}

func (s *MemoryStore) LatestHealthLogs(_ context.Context) ([]ingest.StationHealthLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[uint]ingest.StationHealthLog)
	for _, l := range s.healthLogs {
		latest[l.StationID] = l
	}
	out := make([]ingest.StationHealthLog, 0, len(latest))
	for _, l := range latest {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StationID < out[j].StationID })
	return out, nil
}

// HealthLogs returns a copy of every health log for a station.
func (s *MemoryStore) HealthLogs(stationID uint) []ingest.StationHealthLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ingest.StationHealthLog
	for _, l := range s.healthLogs {
		if l.StationID == stationID {
			out = append(out, l)
		}
	}
	return out
}

func (s *MemoryStore) AcquireTask(_ context.Context, task string, interval time.Duration, owner string, lease time.Duration, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[task]
	if !ok {
		t = ingest.TaskExecution{TaskName: task, Status: ingest.TaskIdle}
	}
	if t.LeaseUntil != nil && !t.LeaseUntil.Before(now) {
		return false, nil
	}

	until := now.Add(lease)
	started := now
	t.Interval = int(interval / time.Second)
	t.Status = ingest.TaskRunning
	t.Owner = owner
	t.LeaseUntil = &until
	t.StartedAt = &started
	t.Message = ""
	t.UpdatedAt = now
	s.tasks[task] = t
	return true, nil
}

func (s *MemoryStore) FinishTask(_ context.Context, task, owner string, status ingest.TaskStatus, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[task]
	if !ok || t.Owner != owner {
		return ingest.ErrNotFound
	}

	finished := now
	t.Status = status
	t.Message = message
	t.FinishedAt = &finished
	t.UpdatedAt = now
	if status != ingest.TaskTimeout {
		t.LeaseUntil = nil
	}
	s.tasks[task] = t
	return nil
}

func (s *MemoryStore) RecordTask(_ context.Context, task string, interval time.Duration, status ingest.TaskStatus, message string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[task]
	if !ok {
		t = ingest.TaskExecution{TaskName: task}
	}
	stamp := now
	t.Interval = int(interval / time.Second)
	t.Status = status
	t.Message = message
	t.UpdatedAt = now
	if status == ingest.TaskRunning {
		t.StartedAt = &stamp
	} else {
		t.FinishedAt = &stamp
	}
	s.tasks[task] = t
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, task string) (ingest.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[task]
	if !ok {
		return ingest.TaskExecution{}, ingest.ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]ingest.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ingest.TaskExecution, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].TaskName, out[j].TaskName) < 0 })
	return out, nil
}
