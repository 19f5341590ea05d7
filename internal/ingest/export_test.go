package ingest

import "time"

func (h *HealthChecker) SetClock(now func() time.Time) { h.now = now }
