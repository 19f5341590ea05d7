package vendors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/ingest"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func withSleeper(p RetryPolicy, s *sleepRecorder) RetryPolicy {
	p.Sleep = s.Sleep
	return p
}

type staticReadings []ingest.RawReading

func (r staticReadings) ReadingsInWindow(context.Context, uint, ingest.TimeWindow) ([]ingest.RawReading, error) {
	return r, nil
}

var (
	testStation = ingest.Station{ID: 7, SerialNumber: "SN-1"}
	testLoc     = time.FixedZone("station", -4*60*60)
	testWindow  = ingest.TimeWindow{
		Start: time.Date(2024, 12, 4, 0, 0, 0, 0, testLoc),
		End:   time.Date(2024, 12, 4, 12, 0, 0, 0, testLoc),
	}
)

func TestPAWSFetchParsesMeasurements(t *testing.T) {
	var gotQuery, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"features":[{"properties":{"data":[
			{"time":"2024-12-04T04:02:00Z","measurements":{"bt1":21.5,"css":"-72","bad":"n/a"},"test":"false"},
			{"time":"not a time","measurements":{"bt1":1}}
		]}}]}`)
	}))
	defer srv.Close()

	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL, Email: "ops@example.com", APIKey: "k"}, nil, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotPath != "/api/v1/data/SN-1" {
		t.Fatalf("path: got %q", gotPath)
	}
	wantQuery := "start=2024-12-04T04%3A00%3A00Z&end=2024-12-04T16%3A00%3A00Z&email=ops%40example.com&api_key=k"
	if gotQuery != wantQuery {
		t.Fatalf("query: got %q, want %q", gotQuery, wantQuery)
	}

	if len(readings) != 2 {
		t.Fatalf("readings: got %d, want 2 (%+v)", len(readings), readings)
	}
	values := map[string]float64{}
	for _, r := range readings {
		values[r.SensorKey] = r.Value
	}
	if values["bt1"] != 21.5 || values["css"] != -72 {
		t.Fatalf("unexpected values: %+v", values)
	}
}

func TestPAWSRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"features":[{"properties":{"data":[]}}]}`)
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL, Retry: withSleeper(DefaultPAWSRetry, sleeper)}, nil, zerolog.Nop())
	if _, err := client.Fetch(context.Background(), testStation, testWindow); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls: got %d, want 3", got)
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 5*time.Second {
		t.Fatalf("delays: got %v", sleeper.delays)
	}
}

func TestPAWSGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL, Retry: withSleeper(DefaultPAWSRetry, sleeper)}, nil, zerolog.Nop())
	_, err := client.Fetch(context.Background(), testStation, testWindow)
	if !ingest.IsKind(err, ingest.KindTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("calls: got %d, want 3", got)
	}
}

func TestPAWSForbiddenFallsBackToStoredReadings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	stored := staticReadings{{SensorKey: "Air Temperature", Timestamp: testWindow.Start, Value: 20}}
	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL}, stored, zerolog.Nop())

	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 1 || readings[0].SensorKey != "Air Temperature" {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

func TestPAWSUnauthorizedIsAuthError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL, Retry: withSleeper(DefaultPAWSRetry, &sleepRecorder{})}, nil, zerolog.Nop())
	_, err := client.Fetch(context.Background(), testStation, testWindow)
	if !ingest.IsKind(err, ingest.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestPAWSMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"features":[]}`)
	}))
	defer srv.Close()

	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL}, nil, zerolog.Nop())
	_, err := client.Fetch(context.Background(), testStation, testWindow)
	if !ingest.IsKind(err, ingest.KindMalformed) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func zentraPageBody(sensor string, n int, start time.Time) string {
	type reading struct {
		Datetime string   `json:"datetime"`
		Value    *float64 `json:"value"`
	}
	readings := make([]reading, 0, n)
	for i := 0; i < n; i++ {
		v := float64(i)
		readings = append(readings, reading{
			Datetime: start.Add(time.Duration(i) * 5 * time.Minute).Format("2006-01-02 15:04:05-07:00"),
			Value:    &v,
		})
	}
	body, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			sensor: []map[string]any{{"metadata": map[string]any{"units": "°C"}, "readings": readings}},
		},
	})
	return string(body)
}

func TestZentraPaginatesUntilEmptyPage(t *testing.T) {
	var (
		mu    sync.Mutex
		pages []string
		auth  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		pages = append(pages, q.Get("page_num"))
		auth = r.Header.Get("Authorization")
		mu.Unlock()

		if q.Get("device_sn") != "SN-1" || q.Get("per_page") != "2" || q.Get("sort_by") != "asc" ||
			q.Get("output_format") != "json" || q.Get("start_date") != "2024-12-04 00:00:00" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch q.Get("page_num") {
		case "1", "2":
			fmt.Fprint(w, zentraPageBody("Air Temperature", 2, testWindow.Start))
		default:
			fmt.Fprint(w, `{"data":{}}`)
		}
	}))
	defer srv.Close()

	client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL, Token: "tok", PerPage: 2}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(pages, ",") != "1,2,3" {
		t.Fatalf("pages: got %v", pages)
	}
	if auth != "Token tok" {
		t.Fatalf("authorization: got %q", auth)
	}
	if len(readings) != 4 {
		t.Fatalf("readings: got %d, want 4", len(readings))
	}
}

func TestZentraStopsOnShortPage(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, zentraPageBody("Air Temperature", 1, testWindow.Start))
	}))
	defer srv.Close()

	client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL, PerPage: 2}, zerolog.Nop())
	if _, err := client.Fetch(context.Background(), testStation, testWindow); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestZentraHonoursRetryAfter(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			fmt.Fprint(w, zentraPageBody("Battery Percent", 1, testWindow.Start))
		}
	}))
	defer srv.Close()

	sleeper := &sleepRecorder{}
	client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL, Retry: withSleeper(DefaultZentraRetry, sleeper)}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("readings: got %d, want 1", len(readings))
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] != 7*time.Second || sleeper.delays[1] != 60*time.Second {
		t.Fatalf("delays: got %v", sleeper.delays)
	}
}

func TestZentraGivesUpAfterFiveRateLimits(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL, Retry: withSleeper(DefaultZentraRetry, &sleepRecorder{})}, zerolog.Nop())
	_, err := client.Fetch(context.Background(), testStation, testWindow)
	if !ingest.IsKind(err, ingest.KindRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("calls: got %d, want 5", got)
	}
}

func TestZentraDoesNotRetryAuthOrServerErrors(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError} {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(status)
		}))

		client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL, Retry: withSleeper(DefaultZentraRetry, &sleepRecorder{})}, zerolog.Nop())
		_, err := client.Fetch(context.Background(), testStation, testWindow)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", status)
		}
		if status == http.StatusInternalServerError && !ingest.IsKind(err, ingest.KindUnexpectedStatus) {
			t.Fatalf("status %d: expected unexpected-status error, got %v", status, err)
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Fatalf("status %d: calls got %d, want 1", status, got)
		}
	}
}

func TestZentraSkipsNullValuesAndBadDatetimes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"Air Temperature":[{"metadata":{},"readings":[
			{"datetime":"2024-12-04 00:05:00-04:00","value":null},
			{"datetime":"garbage","value":3},
			{"datetime":"2024-12-04 00:10:00-04:00","value":4.5}
		]}]}}`)
	}))
	defer srv.Close()

	client := NewZentraClient(srv.Client(), ZentraConfig{BaseURL: srv.URL}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 4.5 {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

func TestBaraniPostsDevicesForm(t *testing.T) {
	var (
		devices string
		auth    string
		query   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		devices = r.FormValue("devices")
		auth = r.Header.Get("Authorization")
		query = r.URL.RawQuery
		fmt.Fprint(w, `[
			{"sn":"SN-1","device_id":12,"timestamp":"2024-12-04T04:00:00Z","temperature":"21.5","battery":87,"status":"ok"},
			{"sn":"SN-1","temperature":1}
		]`)
	}))
	defer srv.Close()

	client := NewBaraniClient(srv.Client(), BaraniConfig{BaseURL: srv.URL, Token: "tok"}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if devices != `["SN-1"]` {
		t.Fatalf("devices: got %q", devices)
	}
	if auth != "Bearer tok" {
		t.Fatalf("authorization: got %q", auth)
	}
	wantQuery := fmt.Sprintf("from_time=%d&to_time=%d", testWindow.Start.Unix(), testWindow.End.Unix())
	if query != wantQuery {
		t.Fatalf("query: got %q, want %q", query, wantQuery)
	}

	values := map[string]float64{}
	for _, r := range readings {
		values[r.SensorKey] = r.Value
	}
	if len(values) != 2 || values["temperature"] != 21.5 || values["battery"] != 87 {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

func TestBaraniDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewBaraniClient(srv.Client(), BaraniConfig{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := client.Fetch(context.Background(), testStation, testWindow); err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls: got %d, want 1", got)
	}
}

func TestOTTSkipsFailingSensor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key" || r.Header.Get("clientId") != "client" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/sensors":
			fmt.Fprint(w, `{"sensors":[{"sensorName":"Water Level","unit":"m"},{"sensorName":"Broken","unit":""}]}`)
		case "/sensordata":
			if r.URL.Query().Get("sensorName") == "Broken" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			fmt.Fprint(w, `{"sensorData":[{"sampleTime":"2024-12-04T04:00:00Z","value":1.25}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewOTTClient(srv.Client(), OTTConfig{BaseURL: srv.URL, APIKey: "key", ClientID: "client"}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 1 || readings[0].SensorKey != "Water Level" || readings[0].Value != 1.25 {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

func TestOTTFailingSensorsDoNotOpenCircuitForOthers(t *testing.T) {
	var sensors []string
	for i := 1; i <= 6; i++ {
		sensors = append(sensors, fmt.Sprintf(`{"sensorName":"Broken%d"}`, i))
	}
	sensors = append(sensors, `{"sensorName":"Water Level","unit":"m"}`)
	sensorList := `{"sensors":[` + strings.Join(sensors, ",") + `]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sensors":
			fmt.Fprint(w, sensorList)
		case "/sensordata":
			if strings.HasPrefix(r.URL.Query().Get("sensorName"), "Broken") {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, `{"sensorData":[{"sampleTime":"2024-12-04T04:00:00Z","value":1.25}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewOTTClient(srv.Client(), OTTConfig{BaseURL: srv.URL}, zerolog.Nop())
	for _, station := range []ingest.Station{{ID: 1, SerialNumber: "OTT-1"}, {ID: 2, SerialNumber: "OTT-2"}} {
		readings, err := client.Fetch(context.Background(), station, testWindow)
		if err != nil {
			t.Fatalf("%s: fetch: %v", station.SerialNumber, err)
		}
		if len(readings) != 1 || readings[0].SensorKey != "Water Level" {
			t.Fatalf("%s: expected the healthy sensor, got %+v", station.SerialNumber, readings)
		}
	}
}

func TestPAWSFailingStationsDoNotOpenCircuitForOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/SN-OK") {
			fmt.Fprint(w, `{"features":[{"properties":{"data":[
				{"time":"2024-12-04T04:00:00Z","measurements":{"bt1":20}}
			]}}]}`)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewPAWSClient(srv.Client(), PAWSConfig{PortalURL: srv.URL, Retry: withSleeper(DefaultPAWSRetry, &sleepRecorder{})}, nil, zerolog.Nop())
	for i := 1; i <= 3; i++ {
		station := ingest.Station{ID: uint(i), SerialNumber: fmt.Sprintf("SN-BAD-%d", i)}
		if _, err := client.Fetch(context.Background(), station, testWindow); !ingest.IsKind(err, ingest.KindTransient) {
			t.Fatalf("%s: expected transient error, got %v", station.SerialNumber, err)
		}
	}

	readings, err := client.Fetch(context.Background(), ingest.Station{ID: 9, SerialNumber: "SN-OK"}, testWindow)
	if err != nil {
		t.Fatalf("healthy station: %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("healthy station readings: %+v", readings)
	}
}

func TestOTTAcceptsBareSensorArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sensors":
			fmt.Fprint(w, `[{"sensorName":"Rain","unit":"mm"}]`)
		default:
			fmt.Fprint(w, `{"sensorData":[{"sampleTime":1733284800,"value":"0.2"}]}`)
		}
	}))
	defer srv.Close()

	client := NewOTTClient(srv.Client(), OTTConfig{BaseURL: srv.URL}, zerolog.Nop())
	readings, err := client.Fetch(context.Background(), testStation, testWindow)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(readings) != 1 || readings[0].Value != 0.2 {
		t.Fatalf("unexpected readings: %+v", readings)
	}
}

func TestOTTSensorListFailureFailsStation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewOTTClient(srv.Client(), OTTConfig{BaseURL: srv.URL}, zerolog.Nop())
	_, err := client.Fetch(context.Background(), testStation, testWindow)
	if !ingest.IsKind(err, ingest.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestRetryPolicyStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	policy := RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(error) bool { return true },
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}

	err := policy.Do(ctx, func(context.Context) error {
		attempts++
		return ingest.NewFetchError(ingest.VendorPAWS, ingest.KindTransient, 500, nil)
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts: got %d, want 1", attempts)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 12, 4, 10, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("12", now); got != 12*time.Second {
		t.Fatalf("seconds: got %v", got)
	}
	if got := parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now); got != 30*time.Second {
		t.Fatalf("http date: got %v", got)
	}
	if got := parseRetryAfter("soon", now); got != 0 {
		t.Fatalf("garbage: got %v", got)
	}
}
