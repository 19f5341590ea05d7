package ingest

import (
	"context"
	"math"
	"testing"
	"time"
)

func TestClassifySignal(t *testing.T) {
	cases := []struct {
		dbm  float64
		want string
	}{
		{-50, StatusExcellent},
		{-70, StatusExcellent},
		{-70.5, StatusGood},
		{-85, StatusGood},
		{-99.9, StatusFair},
		{-100, StatusFair},
		{-101, StatusPoor},
		{math.NaN(), StatusUnknown},
		{math.Inf(-1), StatusUnknown},
	}
	for _, tc := range cases {
		if got := ClassifySignal(tc.dbm); got != tc.want {
			t.Fatalf("ClassifySignal(%v): got %q, want %q", tc.dbm, got, tc.want)
		}
	}
}

func TestClassifySignalText(t *testing.T) {
	if got := ClassifySignalText(" -80 "); got != StatusGood {
		t.Fatalf("got %q, want %q", got, StatusGood)
	}
	if got := ClassifySignalText("n/a"); got != StatusUnknown {
		t.Fatalf("got %q, want %q", got, StatusUnknown)
	}
}

func TestFormatBattery(t *testing.T) {
	cases := map[float64]string{
		87:   "87%",
		87.5: "87.5%",
		0:    "0%",
	}
	for in, want := range cases {
		if got := FormatBattery(in); got != want {
			t.Fatalf("FormatBattery(%v): got %q, want %q", in, got, want)
		}
	}
	if got := FormatBattery(math.NaN()); got != StatusUnknown {
		t.Fatalf("NaN: got %q", got)
	}
}

func TestDeriveHealthUsesLatestHour(t *testing.T) {
	h := func(hour int) time.Time { return time.Date(2024, 12, 4, hour, 0, 0, 0, time.UTC) }
	aligned := AlignHourly([]RawReading{
		{SensorKey: "css", Timestamp: h(10), Value: -60},
		{SensorKey: "Cell Signal Strength", Timestamp: h(11), Value: -95},
		{SensorKey: "bpc", Timestamp: h(11), Value: 40},
		{SensorKey: "Battery Percent Charge", Timestamp: h(11), Value: 99},
	})

	got := DeriveHealth(5, PAWSHealth, aligned)
	if got.StationID != 5 {
		t.Fatalf("station id: got %d", got.StationID)
	}
	if got.ConnectivityStatus != StatusFair {
		t.Fatalf("connectivity: got %q, want %q", got.ConnectivityStatus, StatusFair)
	}
	if got.BatteryStatus != "40%" {
		t.Fatalf("battery: got %q, want 40%%", got.BatteryStatus)
	}
}

func TestDeriveHealthWithoutHealthKeys(t *testing.T) {
	got := DeriveHealth(1, OTTHealth, AlignHourly([]RawReading{
		{SensorKey: "WaterLevel", Timestamp: time.Date(2024, 12, 4, 1, 0, 0, 0, time.UTC), Value: 1},
	}))
	if got.BatteryStatus != StatusUnknown || got.ConnectivityStatus != StatusUnknown {
		t.Fatalf("unexpected health: %+v", got)
	}
}

func TestBatterySensorTypesFollowVendorMatching(t *testing.T) {
	cat := &fakeCatalog{sensors: []Sensor{
		{ID: 1, Type: "Battery"},
		{ID: 2, Type: "bpc"},
		{ID: 3, Type: "Battery Percent"},
	}}
	r, err := NewSensorResolver(context.Background(), cat)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}

	if got := BatterySensorTypes(r, VendorBarani); len(got) != 1 || got[0] != "Battery" {
		t.Fatalf("barani: got %v", got)
	}
	if got := BatterySensorTypes(r, VendorPAWS); len(got) != 1 || got[0] != "bpc" {
		t.Fatalf("paws: got %v", got)
	}
	if got := BatterySensorTypes(r, VendorOTT); len(got) != 0 {
		t.Fatalf("ott: got %v", got)
	}
	if got := BatterySensorTypes(r, Vendor("elsewhere")); len(got) != 3 {
		t.Fatalf("unknown brand: got %v", got)
	}
}
