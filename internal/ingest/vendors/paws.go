package vendors

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/common"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const pawsTimeLayout = "2006-01-02T15:04:05Z"

// PAWSConfig configures the 3D PAWS portal client.
type PAWSConfig struct {
	PortalURL string
	Email     string
	APIKey    string
	Retry     RetryPolicy
}

// DefaultPAWSRetry retries transient failures twice, five seconds apart.
var DefaultPAWSRetry = RetryPolicy{
	MaxAttempts: 3,
	Backoff:     FixedBackoff(5 * time.Second),
	Retryable:   RetryOn(ingest.KindTransient),
}

// PAWSClient implements ingest.VendorClient for the 3D PAWS portal.
type PAWSClient struct {
	cfg      PAWSConfig
	http     *resilientClient
	fallback ingest.LocalReadings
	logger   zerolog.Logger
}

// NewPAWSClient builds a client. The portal serves a self-signed certificate,
// so TLS verification is disabled on a copy of client's transport. When the
// portal answers 403, readings are served from fallback instead.
func NewPAWSClient(client *http.Client, cfg PAWSConfig, fallback ingest.LocalReadings, logger zerolog.Logger) *PAWSClient {
	cfg.PortalURL = strings.TrimRight(cfg.PortalURL, "/")
	return &PAWSClient{
		cfg:      cfg,
		http:     newResilientClient(ingest.VendorPAWS, insecureClient(client), ingest.KindTransient),
		fallback: fallback,
		logger:   logger,
	}
}

func insecureClient(base *http.Client) *http.Client {
	out := &http.Client{Timeout: 30 * time.Second}
	if base != nil {
		*out = *base
	}

	var transport *http.Transport
	if t, ok := out.Transport.(*http.Transport); ok && t != nil {
		transport = t.Clone()
	} else if out.Transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	} else {
		// custom round trippers are left untouched
		return out
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{}
	}
	transport.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // portal uses a self-signed certificate
	out.Transport = transport
	return out
}

func (c *PAWSClient) Vendor() ingest.Vendor {
	return ingest.VendorPAWS
}

// pawsResponse is the GeoJSON-like payload returned by the portal.
type pawsResponse struct {
	Features []struct {
		Properties struct {
			Data []pawsEntry `json:"data"`
		} `json:"properties"`
	} `json:"features" validate:"required,min=1"`
}

type pawsEntry struct {
	Time         any            `json:"time"`
	Measurements map[string]any `json:"measurements"`
}

func (c *PAWSClient) Fetch(ctx context.Context, station ingest.Station, window ingest.TimeWindow) ([]ingest.RawReading, error) {
	var payload pawsResponse
	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		body, err := c.http.do(ctx, station.SerialNumber, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.dataURL(station.SerialNumber, window), nil)
		})
		if err != nil {
			return err
		}
		payload = pawsResponse{}
		return decodeJSON(ingest.VendorPAWS, body, &payload)
	})

	if ingest.IsKind(err, ingest.KindForbidden) && c.fallback != nil {
		c.logger.Warn().
			Str("station", station.SerialNumber).
			Msg("portal refused access, serving stored readings")
		readings, ferr := c.fallback.ReadingsInWindow(ctx, station.ID, window)
		if ferr != nil {
			return nil, fmt.Errorf("paws fallback for %s: %w", station.SerialNumber, ferr)
		}
		return readings, nil
	}
	if err != nil {
		return nil, err
	}

	return payload.readings(), nil
}

// dataURL keeps the portal's parameter order: start, end, email, api_key.
func (c *PAWSClient) dataURL(serial string, window ingest.TimeWindow) string {
	return fmt.Sprintf("%s/api/v1/data/%s?start=%s&end=%s&email=%s&api_key=%s",
		c.cfg.PortalURL,
		url.PathEscape(serial),
		url.QueryEscape(window.Start.UTC().Format(pawsTimeLayout)),
		url.QueryEscape(window.End.UTC().Format(pawsTimeLayout)),
		url.QueryEscape(c.cfg.Email),
		url.QueryEscape(c.cfg.APIKey),
	)
}

func (p pawsResponse) readings() []ingest.RawReading {
	var out []ingest.RawReading
	for _, entry := range p.Features[0].Properties.Data {
		ts, ok := common.ParseTimestamp(entry.Time)
		if !ok {
			continue
		}
		for key, raw := range entry.Measurements {
			value, ok := common.ParseNumber(raw)
			if !ok {
				continue
			}
			out = append(out, ingest.RawReading{SensorKey: key, Timestamp: ts, Value: value})
		}
	}
	return out
}
