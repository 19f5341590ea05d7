package vendors

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/common"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const ottTimeLayout = "2006-01-02T15:04:05Z07:00"

// OTTConfig configures the OTT HydroMet client.
type OTTConfig struct {
	BaseURL  string
	APIKey   string
	ClientID string
}

// OTTClient implements ingest.VendorClient for OTT HydroMet. Each station's
// sensor list is fetched first, then each sensor's data. A failing sensor is
// skipped; a failing sensor list fails the station.
type OTTClient struct {
	cfg    OTTConfig
	http   *resilientClient
	logger zerolog.Logger
}

func NewOTTClient(client *http.Client, cfg OTTConfig, logger zerolog.Logger) *OTTClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OTTClient{
		cfg:    cfg,
		http:   newResilientClient(ingest.VendorOTT, client, ingest.KindUnexpectedStatus),
		logger: logger,
	}
}

func (c *OTTClient) Vendor() ingest.Vendor {
	return ingest.VendorOTT
}

type ottSensor struct {
	SensorName string `json:"sensorName" validate:"required"`
	Unit       string `json:"unit"`
}

type ottSensorList struct {
	Sensors []ottSensor `json:"sensors" validate:"dive"`
}

type ottSensorData struct {
	SensorData []struct {
		SampleTime any `json:"sampleTime"`
		Value      any `json:"value"`
	} `json:"sensorData" validate:"required"`
}

func (c *OTTClient) Fetch(ctx context.Context, station ingest.Station, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	sensors, err := c.listSensors(ctx, station.SerialNumber)
	if err != nil {
		return nil, err
	}

	var out []ingest.RawReading
	for _, sensor := range sensors {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		data, err := c.sensorData(ctx, station.SerialNumber, sensor.SensorName, window)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("station", station.SerialNumber).
				Str("sensor", sensor.SensorName).
				Msg("sensor data fetch failed")
			continue
		}

		for _, sample := range data.SensorData {
			ts, ok := common.ParseTimestamp(sample.SampleTime)
			if !ok {
				continue
			}
			value, ok := common.ParseNumber(sample.Value)
			if !ok {
				continue
			}
			out = append(out, ingest.RawReading{SensorKey: sensor.SensorName, Timestamp: ts, Value: value})
		}
	}
	return out, nil
}

// listSensors accepts both {"sensors": [...]} and a bare array.
func (c *OTTClient) listSensors(ctx context.Context, stationID string) ([]ottSensor, error) {
	values := url.Values{}
	values.Set("stationId", stationID)

	body, err := c.http.do(ctx, stationID, c.get(c.cfg.BaseURL+"/sensors?"+values.Encode()))
	if err != nil {
		return nil, err
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var list []ottSensor
		if err := decodeJSON(ingest.VendorOTT, trimmed, &list); err != nil {
			return nil, err
		}
		return list, validateSensors(list)
	}

	var payload ottSensorList
	if err := decodeJSON(ingest.VendorOTT, body, &payload); err != nil {
		return nil, err
	}
	return payload.Sensors, nil
}

func validateSensors(list []ottSensor) error {
	if err := validate.Var(list, "dive"); err != nil {
		return ingest.NewFetchError(ingest.VendorOTT, ingest.KindMalformed, 0, err)
	}
	return nil
}

func (c *OTTClient) sensorData(ctx context.Context, stationID, sensorName string, window ingest.TimeWindow) (ottSensorData, error) {
	values := url.Values{}
	values.Set("stationId", stationID)
	values.Set("sensorName", sensorName)
	values.Set("startTime", window.Start.Format(ottTimeLayout))
	values.Set("endTime", window.End.Format(ottTimeLayout))

	var payload ottSensorData
	body, err := c.http.do(ctx, stationID+"/"+sensorName, c.get(c.cfg.BaseURL+"/sensordata?"+values.Encode()))
	if err != nil {
		return payload, err
	}
	err = decodeJSON(ingest.VendorOTT, body, &payload)
	return payload, err
}

func (c *OTTClient) get(target string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("api-key", c.cfg.APIKey)
		req.Header.Set("clientId", c.cfg.ClientID)
		return req, nil
	}
}
