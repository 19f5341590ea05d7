package vendors

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/common"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const (
	zentraTimeLayout      = "2006-01-02 15:04:05"
	zentraDefaultPerPage  = 1000
	zentraMaxPages        = 500
	zentraDefaultRetryGap = 60 * time.Second
)

// ZentraConfig configures the Zentra Cloud client.
type ZentraConfig struct {
	BaseURL string
	Token   string
	PerPage int
	Retry   RetryPolicy
}

// DefaultZentraRetry retries rate-limited calls up to five attempts, honoring
// Retry-After and defaulting to 60 seconds.
var DefaultZentraRetry = RetryPolicy{
	MaxAttempts: 5,
	Backoff:     RetryAfterBackoff(zentraDefaultRetryGap),
	Retryable:   RetryOn(ingest.KindRateLimited),
}

// ZentraClient implements ingest.VendorClient for Zentra Cloud.
type ZentraClient struct {
	cfg    ZentraConfig
	http   *resilientClient
	logger zerolog.Logger
}

func NewZentraClient(client *http.Client, cfg ZentraConfig, logger zerolog.Logger) *ZentraClient {
	if cfg.PerPage <= 0 {
		cfg.PerPage = zentraDefaultPerPage
	}
	return &ZentraClient{
		cfg:    cfg,
		http:   newResilientClient(ingest.VendorZentra, client, ingest.KindUnexpectedStatus),
		logger: logger,
	}
}

func (c *ZentraClient) Vendor() ingest.Vendor {
	return ingest.VendorZentra
}

type zentraPage struct {
	Data map[string][]zentraSeries `json:"data" validate:"required"`
}

type zentraSeries struct {
	Metadata map[string]any  `json:"metadata"`
	Readings []zentraReading `json:"readings"`
}

type zentraReading struct {
	Datetime any `json:"datetime"`
	Value    any `json:"value"`
}

// Fetch pages through readings until a page comes back short or empty. A
// failure on the first page is returned; later failures end pagination and
// keep what was gathered.
func (c *ZentraClient) Fetch(ctx context.Context, station ingest.Station, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	var out []ingest.RawReading
	for page := 1; page <= zentraMaxPages; page++ {
		body, err := c.fetchPage(ctx, station.SerialNumber, window, page)
		if err != nil {
			if page == 1 {
				return nil, err
			}
			c.logger.Warn().
				Err(err).
				Str("station", station.SerialNumber).
				Int("page", page).
				Msg("pagination stopped early")
			break
		}

		total := 0
		for name, series := range body.Data {
			for _, s := range series {
				total += len(s.Readings)
				for _, r := range s.Readings {
					ts, ok := common.ParseTimestamp(r.Datetime)
					if !ok {
						continue
					}
					value, ok := common.ParseNumber(r.Value)
					if !ok {
						continue
					}
					out = append(out, ingest.RawReading{SensorKey: name, Timestamp: ts, Value: value})
				}
			}
		}

		if total < c.cfg.PerPage {
			break
		}
	}
	return out, nil
}

func (c *ZentraClient) fetchPage(ctx context.Context, serial string, window ingest.TimeWindow, page int) (zentraPage, error) {
	var payload zentraPage
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		body, err := c.http.do(ctx, serial, func(ctx context.Context) (*http.Request, error) {
			values := url.Values{}
			values.Set("device_sn", serial)
			values.Set("start_date", window.Start.Format(zentraTimeLayout))
			values.Set("end_date", window.End.Format(zentraTimeLayout))
			values.Set("output_format", "json")
			values.Set("per_page", strconv.Itoa(c.cfg.PerPage))
			values.Set("page_num", strconv.Itoa(page))
			values.Set("sort_by", "asc")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+values.Encode(), nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Token "+c.cfg.Token)
			return req, nil
		})
		if err != nil {
			return err
		}
		payload = zentraPage{}
		return decodeJSON(ingest.VendorZentra, body, &payload)
	})
	return payload, err
}
