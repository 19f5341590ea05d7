package tsdb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/config"
	"github.com/i474232898/station-ingest/internal/ingest"
)

const measurementName = "station_measurement"

// InfluxDB owns the client and the non-blocking write API.
type InfluxDB struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	logger   zerolog.Logger
	done     chan struct{}
}

func NewConnection(ctx context.Context, cfg config.InfluxConfig, logger zerolog.Logger) (*InfluxDB, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	db := &InfluxDB{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		logger:   logger,
		done:     make(chan struct{}),
	}
	go db.drainErrors()
	return db, nil
}

// drainErrors logs asynchronous write failures until Close.
func (i *InfluxDB) drainErrors() {
	errs := i.writeAPI.Errors()
	for {
		select {
		case err := <-errs:
			i.logger.Warn().Err(err).Msg("influx write failed")
		case <-i.done:
			return
		}
	}
}

// Mirror returns a MeasurementMirror writing through this connection.
func (i *InfluxDB) Mirror() *Mirror {
	return NewMirror(i.writeAPI, i.logger)
}

func (i *InfluxDB) Close() {
	i.writeAPI.Flush()
	close(i.done)
	i.client.Close()
}

type pointWriter interface {
	WritePoint(point *write.Point)
}

// Mirror copies newly written measurements into InfluxDB.
type Mirror struct {
	writer pointWriter
	logger zerolog.Logger
}

func NewMirror(writer pointWriter, logger zerolog.Logger) *Mirror {
	return &Mirror{writer: writer, logger: logger}
}

func (m *Mirror) Mirror(station ingest.Station, sensorKey string, row ingest.Measurement) {
	tags := map[string]string{
		"station":   station.SerialNumber,
		"brand":     string(station.Brand),
		"sensor":    sensorKey,
		"sensor_id": strconv.FormatUint(uint64(row.SensorID), 10),
	}
	fields := map[string]interface{}{
		"value": row.Value,
	}

	m.writer.WritePoint(influxdb2.NewPoint(measurementName, tags, fields, row.ObservedAt))

	m.logger.Debug().
		Str("station", station.SerialNumber).
		Str("sensor", sensorKey).
		Float64("value", row.Value).
		Msg("mirrored measurement to influxDB")
}
