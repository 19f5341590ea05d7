package httpapi

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/i474232898/station-ingest/internal/ingest"
)

var validate = validator.New()

// CycleRunner runs one guarded ingestion cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (ingest.CycleReport, error)
}

// Handler serves the operational API.
type Handler struct {
	store   ingest.Store
	runner  CycleRunner
	base    context.Context
	logger  zerolog.Logger
	running atomic.Bool
	now     func() time.Time
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. Manually
// triggered cycles run detached from the request under base.
func RegisterRoutes(base context.Context, app *fiber.App, store ingest.Store, runner CycleRunner, logger zerolog.Logger) *Handler {
	h := &Handler{store: store, runner: runner, base: base, logger: logger, now: time.Now}

	v1 := app.Group("/api/v1")
	v1.Get("/tasks", h.listTasks)
	v1.Get("/tasks/:name", h.getTask)
	v1.Get("/stations/health", h.stationHealth)
	v1.Get("/sensors/pending", h.pendingSensors)
	v1.Post("/ingestion/run", h.triggerIngestion)

	return h
}

func (h *Handler) listTasks(c *fiber.Ctx) error {
	tasks, err := h.store.ListTasks(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list tasks")
	}
	return c.JSON(fiber.Map{"tasks": tasks})
}

func (h *Handler) getTask(c *fiber.Ctx) error {
	task, err := h.store.GetTask(c.UserContext(), c.Params("name"))
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "unknown task")
		}
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch task")
	}
	return c.JSON(task)
}

// healthQuery holds query parameters for the station health endpoint.
type healthQuery struct {
	Brand string `validate:"omitempty,oneof='3D Paws' Zentra Allmeteo 'OTT Hydromet'"`
}

// stationHealth is one row of the latest-health listing.
type stationHealth struct {
	StationID          uint          `json:"station_id"`
	SerialNumber       string        `json:"serial_number"`
	Name               string        `json:"name"`
	Brand              ingest.Vendor `json:"brand"`
	BatteryStatus      string        `json:"battery_status"`
	ConnectivityStatus string        `json:"connectivity_status"`
	CheckedAt          time.Time     `json:"checked_at"`
}

func (h *Handler) stationHealth(c *fiber.Ctx) error {
	q := healthQuery{Brand: c.Query("brand")}
	if err := validate.Struct(q); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	stations, err := h.store.ListStations(ctx)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list stations")
	}
	logs, err := h.store.LatestHealthLogs(ctx)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch station health")
	}

	byID := make(map[uint]ingest.Station, len(stations))
	for _, st := range stations {
		byID[st.ID] = st
	}

	out := make([]stationHealth, 0, len(logs))
	for _, l := range logs {
		st, ok := byID[l.StationID]
		if !ok || (q.Brand != "" && string(st.Brand) != q.Brand) {
			continue
		}
		out = append(out, stationHealth{
			StationID:          st.ID,
			SerialNumber:       st.SerialNumber,
			Name:               st.Name,
			Brand:              st.Brand,
			BatteryStatus:      l.BatteryStatus,
			ConnectivityStatus: l.ConnectivityStatus,
			CheckedAt:          l.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })

	return c.JSON(fiber.Map{"stations": out})
}

func (h *Handler) pendingSensors(c *fiber.Ctx) error {
	sensors, err := h.store.ListSensors(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list sensors")
	}
	return c.JSON(fiber.Map{"sensors": ingest.PendingUnits(sensors)})
}

// triggerIngestion starts a cycle in the background. It answers 409 while a
// cycle started here is in flight or the task row holds a live lease.
func (h *Handler) triggerIngestion(c *fiber.Ctx) error {
	if h.runner == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "ingestion is not configured")
	}

	task, err := h.store.GetTask(c.UserContext(), ingest.TaskDataFetcher)
	if err != nil && !errors.Is(err, ingest.ErrNotFound) {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch task")
	}
	if err == nil && task.LeaseUntil != nil && task.LeaseUntil.After(h.now()) {
		return fiber.NewError(fiber.StatusConflict, "ingestion already running")
	}

	if !h.running.CompareAndSwap(false, true) {
		return fiber.NewError(fiber.StatusConflict, "ingestion already running")
	}

	go func() {
		defer h.running.Store(false)
		report, err := h.runner.RunCycle(h.base)
		if err != nil {
			h.logger.Error().Err(err).Str("cycle_id", report.ID).Msg("manual ingestion cycle failed")
			return
		}
		h.logger.Info().Str("cycle_id", report.ID).Msg("manual ingestion cycle finished")
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted"})
}

// Wait blocks until a manually triggered cycle has finished or ctx ends.
func (h *Handler) Wait(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for h.running.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
