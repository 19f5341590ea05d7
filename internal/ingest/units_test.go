package ingest

import "testing"

func TestSuggestedUnit(t *testing.T) {
	cases := []struct {
		sensorType string
		want       string
		ok         bool
	}{
		{"Air Temperature", "°C", true},
		{"Battery", "V", true},
		{"bp1", "hPa", true},
		{"Soil Temperature (45cm)", "°C", true},
		{"Wind Dir Max", "°", true},
		{"Max Wind Speed", "m/s", true},
		{"WaterLevel", "", false},
	}
	for _, tc := range cases {
		got, ok := SuggestedUnit(tc.sensorType)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("SuggestedUnit(%q): got %q %v, want %q %v", tc.sensorType, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPendingUnits(t *testing.T) {
	got := PendingUnits([]Sensor{
		{ID: 1, Type: "zeta"},
		{ID: 2, Type: "Relative Humidity", Unit: "%"},
		{ID: 3, Type: "Dew Point"},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 pending sensors, got %d", len(got))
	}
	if got[0].Type != "Dew Point" || got[0].SuggestedUnit != "°C" {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Type != "zeta" || got[1].SuggestedUnit != "" {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}
