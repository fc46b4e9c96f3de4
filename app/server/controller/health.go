package controller

import (
	"context"
	"net/http"
	"time"
)

// HandleHealth pings the store and, when enabled, Redis.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"store": "ok"}
	status := http.StatusOK
	if err := c.App.Store.Health(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if c.App.RedisClient != nil {
		checks["redis"] = "ok"
		if err := c.App.RedisClient.Health(ctx); err != nil {
			// redis only carries live events, so it degrades without failing the check
			checks["redis"] = err.Error()
		}
	}
	writeJSON(w, status, checks)
}
