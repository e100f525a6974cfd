package health

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	defaultUsageHours = 24
	maxUsageHours     = 24 * 7
)

type ComponentStatus struct {
	Status    Status `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RuntimeStats struct {
	Goroutines         int    `json:"goroutines"`
	MemoryAllocMB      uint64 `json:"memory_alloc_mb"`
	MemoryTotalAllocMB uint64 `json:"memory_total_alloc_mb"`
	MemorySysMB        uint64 `json:"memory_sys_mb"`
	NumGC              uint32 `json:"num_gc"`
}

type SessionStats struct {
	Active int `json:"active"`
}

type RequestStats struct {
	TotalRequests     uint64 `json:"total_requests"`
	ActiveConnections int64  `json:"active_connections"`
}

type Stats struct {
	Sessions SessionStats `json:"sessions"`
	Requests RequestStats `json:"requests"`
	Runtime  RuntimeStats `json:"runtime"`
}

type HealthResponse struct {
	Status        Status                     `json:"status"`
	Timestamp     time.Time                  `json:"timestamp"`
	Version       string                     `json:"version"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Stats         Stats                      `json:"stats"`
	Components    map[string]ComponentStatus `json:"components"`
}

// SessionsResponse lists the sessions held by this process. Tracked holds
// the active presence records in Redis, which include other instances.
type SessionsResponse struct {
	Total    int                        `json:"total"`
	Sessions []voicesession.SessionInfo `json:"sessions"`
	Tracked  []*session.Session         `json:"tracked,omitempty"`
}

type UsageResponse struct {
	Hours   int                `json:"hours"`
	Buckets []*session.Metrics `json:"buckets"`
}

type Config struct {
	Store         *session.Store
	Sessions      *voicesession.Manager
	ASR           voicesession.ASRConfig
	TTS           synthesis.Config
	RecordingsDir string
	Version       string
}

type Handler struct {
	store         *session.Store
	sessions      *voicesession.Manager
	asr           voicesession.ASRConfig
	tts           synthesis.Config
	recordingsDir string
	version       string
	startTime     time.Time

	totalRequests     uint64
	activeConnections int64
}

func NewHandler(cfg Config) *Handler {
	return &Handler{
		store:         cfg.Store,
		sessions:      cfg.Sessions,
		asr:           cfg.ASR,
		tts:           cfg.TTS,
		recordingsDir: cfg.RecordingsDir,
		version:       cfg.Version,
		startTime:     time.Now(),
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Liveness)
	e.GET("/health/ready", h.Readiness)
	e.GET("/health/sessions", h.Sessions)
	e.GET("/health/usage", h.Usage)
}

func (h *Handler) IncrementRequests() {
	atomic.AddUint64(&h.totalRequests, 1)
}

func (h *Handler) IncrementConnections() {
	atomic.AddInt64(&h.activeConnections, 1)
}

func (h *Handler) DecrementConnections() {
	atomic.AddInt64(&h.activeConnections, -1)
}

func (h *Handler) Liveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *Handler) Readiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	components := make(map[string]ComponentStatus)
	var mu sync.Mutex
	var wg sync.WaitGroup

	checks := []struct {
		name  string
		check func(context.Context) ComponentStatus
	}{
		{"recordings", h.checkRecordings},
		{"redis", h.checkRedis},
		{"asr", h.checkASR},
		{"tts", h.checkTTS},
	}

	wg.Add(len(checks))
	for _, check := range checks {
		go func(name string, fn func(context.Context) ComponentStatus) {
			defer wg.Done()
			status := fn(ctx)
			mu.Lock()
			components[name] = status
			mu.Unlock()
		}(check.name, check.check)
	}
	wg.Wait()

	overallStatus := h.computeOverallStatus(components)

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	resp := HealthResponse{
		Status:        overallStatus,
		Timestamp:     time.Now().UTC(),
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Stats: Stats{
			Sessions: SessionStats{
				Active: h.sessions.Count(),
			},
			Requests: RequestStats{
				TotalRequests:     atomic.LoadUint64(&h.totalRequests),
				ActiveConnections: atomic.LoadInt64(&h.activeConnections),
			},
			Runtime: RuntimeStats{
				Goroutines:         runtime.NumGoroutine(),
				MemoryAllocMB:      memStats.Alloc / 1024 / 1024,
				MemoryTotalAllocMB: memStats.TotalAlloc / 1024 / 1024,
				MemorySysMB:        memStats.Sys / 1024 / 1024,
				NumGC:              memStats.NumGC,
			},
		},
		Components: components,
	}

	statusCode := http.StatusOK
	if overallStatus == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return c.JSON(statusCode, resp)
}

func (h *Handler) Sessions(c echo.Context) error {
	sessions := h.sessions.List()
	resp := SessionsResponse{
		Total:    len(sessions),
		Sessions: sessions,
	}

	tracked, err := h.store.ListActive(c.Request().Context())
	if err != nil {
		return shared.InternalError("sessions_failed", "failed to list tracked sessions")
	}
	resp.Tracked = tracked

	return c.JSON(http.StatusOK, resp)
}

// Usage returns the hourly counters kept in Redis, newest first.
func (h *Handler) Usage(c echo.Context) error {
	hours := defaultUsageHours
	if raw := c.QueryParam("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxUsageHours {
			return shared.BadRequest("invalid_hours", "hours must be between 1 and 168")
		}
		hours = n
	}
	if !h.store.Enabled() {
		return shared.NotFound("usage_disabled", "usage counters require redis")
	}

	buckets, err := h.store.GetMetrics(c.Request().Context(), hours)
	if err != nil {
		return shared.InternalError("usage_failed", "failed to read usage counters")
	}
	if buckets == nil {
		buckets = []*session.Metrics{}
	}
	return c.JSON(http.StatusOK, UsageResponse{Hours: hours, Buckets: buckets})
}

func componentResult(start time.Time, status Status, errMsg string) ComponentStatus {
	return ComponentStatus{
		Status:    status,
		LatencyMs: time.Since(start).Milliseconds(),
		Error:     errMsg,
	}
}

// checkRecordings proves a capture file can be created right now.
func (h *Handler) checkRecordings(ctx context.Context) ComponentStatus {
	start := time.Now()
	if err := os.MkdirAll(h.recordingsDir, 0o755); err != nil {
		return componentResult(start, StatusUnhealthy, "recordings dir not writable")
	}

	f, err := os.CreateTemp(h.recordingsDir, ".ready-*")
	if err != nil {
		return componentResult(start, StatusUnhealthy, "recordings dir not writable")
	}
	f.Close()
	os.Remove(f.Name())

	return componentResult(start, StatusHealthy, "")
}

func (h *Handler) checkRedis(ctx context.Context) ComponentStatus {
	start := time.Now()
	if !h.store.Enabled() {
		return componentResult(start, StatusDegraded, "redis not configured")
	}
	if err := h.store.Ping(ctx); err != nil {
		return componentResult(start, StatusUnhealthy, "ping failed")
	}
	return componentResult(start, StatusHealthy, "")
}

func (h *Handler) checkASR(ctx context.Context) ComponentStatus {
	start := time.Now()
	switch {
	case h.asr.Base.APIKey == "":
		return componentResult(start, StatusUnhealthy, "asr api key not configured")
	case h.asr.URLRealtime == "" || h.asr.URLInference == "":
		return componentResult(start, StatusUnhealthy, "asr endpoints not configured")
	}
	return componentResult(start, StatusHealthy, "")
}

func (h *Handler) checkTTS(ctx context.Context) ComponentStatus {
	start := time.Now()
	if h.tts.APIKey == "" || h.tts.URL == "" {
		return componentResult(start, StatusDegraded, "tts not configured")
	}
	return componentResult(start, StatusHealthy, "")
}

// computeOverallStatus treats capture as critical. Upstream credentials and
// Redis only degrade the gateway.
func (h *Handler) computeOverallStatus(components map[string]ComponentStatus) Status {
	if components["recordings"].Status == StatusUnhealthy {
		return StatusUnhealthy
	}
	for _, status := range components {
		if status.Status != StatusHealthy {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
