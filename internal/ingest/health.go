package ingest

import (
	"math"
	"strconv"
	"strings"
)

const (
	StatusUnknown      = "Unknown"
	StatusExcellent    = "Excellent"
	StatusGood         = "Good"
	StatusFair         = "Fair"
	StatusPoor         = "Poor"
	StatusConnected    = "Connected"
	StatusDisconnected = "Disconnected"
	StatusNoData       = "No Data"
)

// HealthMapping names the sensor keys a vendor reports health through.
// Earlier keys take precedence. Match is how the vendor's pipeline resolves
// those keys to catalog types, so stored rows can be found again later.
type HealthMapping struct {
	SignalKeys  []string
	BatteryKeys []string
	Match       MatchMode
}

var (
	PAWSHealth = HealthMapping{
		SignalKeys:  []string{"css", "Cell Signal Strength"},
		BatteryKeys: []string{"bpc", "Battery Percent Charge"},
	}
	ZentraHealth = HealthMapping{BatteryKeys: []string{"Battery Percent"}}
	BaraniHealth = HealthMapping{BatteryKeys: []string{"battery"}, Match: MatchContains}
	OTTHealth    = HealthMapping{}
)

var vendorHealth = map[Vendor]HealthMapping{
	VendorPAWS:   PAWSHealth,
	VendorZentra: ZentraHealth,
	VendorBarani: BaraniHealth,
	VendorOTT:    OTTHealth,
}

// BatterySensorTypes lists the catalog sensor types a station of the given
// brand stores battery readings under. An unknown brand gets every vendor's.
func BatterySensorTypes(resolver *SensorResolver, brand Vendor) []string {
	if m, ok := vendorHealth[brand]; ok {
		return resolver.CatalogTypes(m.BatteryKeys, m.Match)
	}

	var out []string
	for _, v := range []Vendor{VendorPAWS, VendorZentra, VendorBarani, VendorOTT} {
		m := vendorHealth[v]
		out = append(out, resolver.CatalogTypes(m.BatteryKeys, m.Match)...)
	}
	return out
}

// ClassifySignal buckets a cellular signal strength in dBm.
func ClassifySignal(dbm float64) string {
	switch {
	case math.IsNaN(dbm) || math.IsInf(dbm, 0):
		return StatusUnknown
	case dbm >= -70:
		return StatusExcellent
	case dbm >= -85:
		return StatusGood
	case dbm >= -100:
		return StatusFair
	default:
		return StatusPoor
	}
}

// ClassifySignalText parses and classifies a textual signal value.
func ClassifySignalText(s string) string {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return StatusUnknown
	}
	return ClassifySignal(v)
}

// FormatBattery renders a battery percentage such as "87%" or "87.5%".
func FormatBattery(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return StatusUnknown
	}
	return strconv.FormatFloat(v, 'f', -1, 64) + "%"
}

// DeriveHealth builds a health snapshot from a station's aligned readings.
func DeriveHealth(stationID uint, mapping HealthMapping, aligned Aligned) StationHealthLog {
	log := StationHealthLog{
		StationID:          stationID,
		BatteryStatus:      StatusUnknown,
		ConnectivityStatus: StatusUnknown,
	}
	if r, ok := aligned.Latest(mapping.BatteryKeys...); ok {
		log.BatteryStatus = FormatBattery(r.Value)
	}
	if r, ok := aligned.Latest(mapping.SignalKeys...); ok {
		log.ConnectivityStatus = ClassifySignal(r.Value)
	}
	return log
}
