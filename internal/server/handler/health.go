package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Checker reports whether one backing service is reachable.
type Checker func(ctx context.Context) error

// HealthHandler serves liveness and dependency status.
type HealthHandler struct {
	mode     string
	checkers map[string]Checker
	started  time.Time
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checkers is keyed by component
// name ("postgres", "redis").
func NewHealthHandler(mode string, checkers map[string]Checker, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		mode:     mode,
		checkers: checkers,
		started:  time.Now(),
		logger:   logger,
	}
}

// HealthCheck responds as long as the process is serving.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Status runs every checker and reports 503 if any fails.
// GET /api/status
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	code := http.StatusOK
	components := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checkers[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("component", name),
				slog.String("error", err.Error()),
			)
			components[name] = "error: " + err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"mode":       h.mode,
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"components": components,
	})
}
