package ingest

import (
	"sort"
	"strings"

	"github.com/i474232898/station-ingest/internal/common"
)

var curatedUnits = map[string]string{
	"Leaf Wetness":            "%",
	"Soil Moisture (10cm)":    "%",
	"Soil Moisture (20cm)":    "%",
	"Soil Moisture (30cm)":    "%",
	"Soil Temp (15cm)":        "°C",
	"5 min rain":              "mm",
	"Barometric Pressure":     "hPa",
	"Baro Tendency":           "hPa",
	"Battery":                 "V",
	"Daily Rain":              "mm",
	"Gust Direction":          "°",
	"Gust Speed":              "m/s",
	"Hours of Sunshine":       "hr",
	"Solar Radiation Avg":     "W/m²",
	"Solar Radiation Total":   "W/m²",
	"Wind Dir Average":        "°",
	"Wind Dir Inst":           "°",
	"Wind Speed Average":      "m/s",
	"Wind Speed Inst":         "m/s",
	"Air Temperature":         "°C",
	"Dew Point":               "°C",
	"Maximum Air Temperature": "°C",
	"Minimum Air Temperature": "°C",
	"Relative Humidity":       "%",
	"EvapoTranspiration":      "mm",

	// vendor-native keys standardized onto the same units
	"temperature":          "°C",
	"bt1":                  "°C",
	"mt1":                  "°C",
	"Wind Speed":           "m/s",
	"ws":                   "m/s",
	"wind_ave10":           "m/s",
	"wind_max10":           "m/s",
	"wind_min10":           "m/s",
	"Atmospheric Pressure": "hPa",
	"bp1":                  "hPa",
	"pressure":             "hPa",
}

// keywordUnits guesses a unit from words in the type name. Order matters:
// speeds are checked before directions.
var keywordUnits = []struct {
	keywords []string
	unit     string
}{
	{[]string{"temp", "dew point"}, "°C"},
	{[]string{"humidity", "moisture", "wetness"}, "%"},
	{[]string{"pressure", "baro"}, "hPa"},
	{[]string{"rain", "precip", "evapo"}, "mm"},
	{[]string{"wind speed", "gust speed", "wind_"}, "m/s"},
	{[]string{"direction", " dir"}, "°"},
	{[]string{"radiation"}, "W/m²"},
}

// SuggestedUnit returns the curated unit for a sensor type, falling back to a
// keyword guess.
func SuggestedUnit(sensorType string) (string, bool) {
	if u, ok := curatedUnits[sensorType]; ok {
		return u, true
	}
	lower := strings.ToLower(sensorType)
	for _, k := range keywordUnits {
		if common.HasAny(lower, k.keywords...) {
			return k.unit, true
		}
	}
	return "", false
}

// PendingSensor is a catalog sensor still missing its unit.
type PendingSensor struct {
	Sensor
	SuggestedUnit string `json:"suggested_unit,omitempty"`
}

// PendingUnits lists sensors with an empty unit, ordered by type.
func PendingUnits(sensors []Sensor) []PendingSensor {
	out := make([]PendingSensor, 0)
	for _, s := range sensors {
		if s.Unit != "" {
			continue
		}
		p := PendingSensor{Sensor: s}
		p.SuggestedUnit, _ = SuggestedUnit(s.Type)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
