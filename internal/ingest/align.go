package ingest

import (
	"sort"
	"time"
)

// BucketKey identifies one sensor's canonical hour. Hour is stored in UTC so
// equal instants from differently zoned readings share a bucket.
type BucketKey struct {
	SensorKey string
	Hour      time.Time
}

// Aligned maps each (sensor, canonical hour) to the single reading chosen for it.
type Aligned map[BucketKey]RawReading

// RoundToHour rounds t to the nearest whole hour in t's own location.
// A minute value of 30 or more rounds up. Seconds and sub-seconds are dropped.
func RoundToHour(t time.Time) time.Time {
	hour := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	if t.Minute() >= 30 {
		hour = hour.Add(time.Hour)
	}
	return hour
}

// AlignHourly buckets readings by (sensor key, canonical hour) and keeps, per
// bucket, the reading whose timestamp is closest to the hour. On equal distance
// the reading seen first wins.
func AlignHourly(readings []RawReading) Aligned {
	type pick struct {
		reading  RawReading
		distance time.Duration
	}

	best := make(map[BucketKey]pick, len(readings))
	for _, r := range readings {
		if r.SensorKey == "" || r.Timestamp.IsZero() {
			continue
		}

		hour := RoundToHour(r.Timestamp)
		key := BucketKey{SensorKey: r.SensorKey, Hour: hour.UTC()}
		distance := r.Timestamp.Sub(hour).Abs()

		cur, ok := best[key]
		if !ok || distance < cur.distance {
			best[key] = pick{reading: r, distance: distance}
		}
	}

	out := make(Aligned, len(best))
	for k, p := range best {
		out[k] = p.reading
	}
	return out
}

// Keys returns the bucket keys ordered by hour, then sensor key.
func (a Aligned) Keys() []BucketKey {
	keys := make([]BucketKey, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Hour.Equal(keys[j].Hour) {
			return keys[i].Hour.Before(keys[j].Hour)
		}
		return keys[i].SensorKey < keys[j].SensorKey
	})
	return keys
}

// Latest returns the reading of the most recent hour that holds any of the
// given sensor keys. Earlier keys take precedence within the same hour.
func (a Aligned) Latest(sensorKeys ...string) (RawReading, bool) {
	var (
		found  RawReading
		foundH time.Time
		ok     bool
	)
	for _, key := range sensorKeys {
		for k, r := range a {
			if k.SensorKey != key {
				continue
			}
			if !ok || k.Hour.After(foundH) {
				found, foundH, ok = r, k.Hour, true
			}
		}
	}
	return found, ok
}
