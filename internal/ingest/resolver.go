package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// UnknownSensorPolicy decides what happens to a sensor key absent from the catalog.
type UnknownSensorPolicy int

const (
	SensorDrop UnknownSensorPolicy = iota
	SensorAutoCreate
)

// MatchMode selects how a vendor sensor key is compared to catalog types.
type MatchMode int

const (
	MatchExact MatchMode = iota
	// MatchContains accepts the first catalog type, in sorted order, that
	// contains the key case-insensitively.
	MatchContains
)

type linkKey struct {
	stationID uint
	sensorID  uint
}

// SensorResolver maps vendor sensor keys to catalog sensor ids for the duration
// of one ingestion cycle. It is safe for concurrent use; an auto-created sensor
// is created at most once per key.
type SensorResolver struct {
	catalog Catalog

	mu      sync.Mutex
	byType  map[string]uint
	types   []string
	links   map[linkKey]struct{}
	created int
}

// NewSensorResolver snapshots the sensor catalog.
func NewSensorResolver(ctx context.Context, catalog Catalog) (*SensorResolver, error) {
	sensors, err := catalog.ListSensors(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sensor catalog: %w", err)
	}

	r := &SensorResolver{
		catalog: catalog,
		byType:  make(map[string]uint, len(sensors)),
		links:   make(map[linkKey]struct{}),
	}
	for _, s := range sensors {
		r.byType[s.Type] = s.ID
		r.types = append(r.types, s.Type)
	}
	sort.Strings(r.types)
	return r, nil
}

// Resolve returns the catalog sensor id for key. ok is false when the key is
// unknown and the policy drops it.
func (r *SensorResolver) Resolve(ctx context.Context, key string, match MatchMode, policy UnknownSensorPolicy) (uint, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.lookup(key, match); ok {
		return id, true, nil
	}
	if policy != SensorAutoCreate {
		return 0, false, nil
	}

	sensor, err := r.catalog.GetOrCreateSensor(ctx, key, "")
	if err != nil {
		return 0, false, fmt.Errorf("create sensor %q: %w", key, err)
	}
	if _, ok := r.byType[sensor.Type]; !ok {
		r.types = append(r.types, sensor.Type)
		sort.Strings(r.types)
	}
	r.byType[sensor.Type] = sensor.ID
	r.byType[key] = sensor.ID
	r.created++
	return sensor.ID, true, nil
}

func (r *SensorResolver) lookup(key string, match MatchMode) (uint, bool) {
	t, ok := r.lookupType(key, match)
	if !ok {
		return 0, false
	}
	return r.byType[t], true
}

// CatalogTypes returns the catalog types keys resolve to under match, in key
// order and without duplicates. Unknown keys are skipped; nothing is created.
func (r *SensorResolver) CatalogTypes(keys []string, match MatchMode) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		t, ok := r.lookupType(strings.TrimSpace(key), match)
		if !ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (r *SensorResolver) lookupType(key string, match MatchMode) (string, bool) {
	if key == "" {
		return "", false
	}
	if _, ok := r.byType[key]; ok {
		return key, true
	}
	if match != MatchContains {
		return "", false
	}
	lower := strings.ToLower(key)
	for _, t := range r.types {
		if strings.Contains(strings.ToLower(t), lower) {
			return t, true
		}
	}
	return "", false
}

// EnsureLink records the station/sensor association once per cycle.
func (r *SensorResolver) EnsureLink(ctx context.Context, stationID, sensorID uint) error {
	k := linkKey{stationID: stationID, sensorID: sensorID}

	r.mu.Lock()
	_, seen := r.links[k]
	r.mu.Unlock()
	if seen {
		return nil
	}

	if err := r.catalog.EnsureStationSensor(ctx, stationID, sensorID); err != nil {
		return fmt.Errorf("link station %d sensor %d: %w", stationID, sensorID, err)
	}

	r.mu.Lock()
	r.links[k] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Created returns how many sensors were auto-created.
func (r *SensorResolver) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}
