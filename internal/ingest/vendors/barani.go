package vendors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/common"
	"github.com/i474232898/station-ingest/internal/ingest"
)

// baraniSkipFields are record fields that never carry a measurement.
var baraniSkipFields = map[string]struct{}{
	"sn":        {},
	"timestamp": {},
	"device_id": {},
}

// BaraniConfig configures the Allmeteo (Barani) historical data client.
type BaraniConfig struct {
	BaseURL string
	Token   string
}

// BaraniClient implements ingest.VendorClient for the Allmeteo API.
// Calls are made once, without retry.
type BaraniClient struct {
	cfg    BaraniConfig
	http   *resilientClient
	logger zerolog.Logger
}

func NewBaraniClient(client *http.Client, cfg BaraniConfig, logger zerolog.Logger) *BaraniClient {
	return &BaraniClient{
		cfg:    cfg,
		http:   newResilientClient(ingest.VendorBarani, client, ingest.KindUnexpectedStatus),
		logger: logger,
	}
}

func (c *BaraniClient) Vendor() ingest.Vendor {
	return ingest.VendorBarani
}

func (c *BaraniClient) Fetch(ctx context.Context, station ingest.Station, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	body, err := c.http.do(ctx, station.SerialNumber, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, station.SerialNumber, window)
	})
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := decodeJSON(ingest.VendorBarani, body, &records); err != nil {
		return nil, err
	}

	var out []ingest.RawReading
	skipped := 0
	for _, record := range records {
		ts, ok := common.ParseTimestamp(record["timestamp"])
		if !ok {
			skipped++
			continue
		}
		for field, raw := range record {
			if _, skip := baraniSkipFields[field]; skip {
				continue
			}
			value, ok := common.ParseNumber(raw)
			if !ok {
				continue
			}
			out = append(out, ingest.RawReading{SensorKey: field, Timestamp: ts, Value: value})
		}
	}

	if skipped > 0 {
		c.logger.Debug().
			Str("station", station.SerialNumber).
			Int("skipped", skipped).
			Msg("records without a usable timestamp")
	}
	return out, nil
}

func (c *BaraniClient) newRequest(ctx context.Context, serial string, window ingest.TimeWindow) (*http.Request, error) {
	devices, err := json.Marshal([]string{serial})
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("devices", string(devices)); err != nil {
		return nil, fmt.Errorf("write devices field: %w", err)
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("from_time", strconv.FormatInt(window.Start.Unix(), 10))
	values.Set("to_time", strconv.FormatInt(window.End.Unix(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"?"+values.Encode(), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req, nil
}
