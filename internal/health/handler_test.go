package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/speech-gateway/internal/session"
	"github.com/eleven-am/speech-gateway/internal/synthesis"
	"github.com/eleven-am/speech-gateway/internal/transcription"
	"github.com/eleven-am/speech-gateway/internal/voicesession"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, dir string) *voicesession.Manager {
	t.Helper()
	mgr := voicesession.NewManager(voicesession.ManagerConfig{
		RecordingsDir: dir,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func newTestStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return session.NewStore(client), mr
}

func configuredASR() voicesession.ASRConfig {
	return voicesession.ASRConfig{
		Base:         transcription.Config{APIKey: "sk-test"},
		URLRealtime:  "wss://example.test/realtime",
		URLInference: "wss://example.test/inference",
	}
}

func serve(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLiveness(t *testing.T) {
	h := NewHandler(Config{Sessions: newTestManager(t, t.TempDir())})
	rec := serve(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestReadiness_Healthy(t *testing.T) {
	dir := t.TempDir()
	store, _ := newTestStore(t)
	h := NewHandler(Config{
		Store:         store,
		Sessions:      newTestManager(t, dir),
		ASR:           configuredASR(),
		TTS:           synthesis.Config{APIKey: "sk-test", URL: "wss://example.test/tts"},
		RecordingsDir: dir,
		Version:       "test",
	})
	h.IncrementRequests()

	rec := serve(t, h, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != StatusHealthy {
		t.Errorf("status = %s, components = %+v", resp.Status, resp.Components)
	}
	if resp.Version != "test" || resp.Stats.Requests.TotalRequests != 1 {
		t.Errorf("resp = %+v", resp)
	}
	for _, name := range []string{"recordings", "redis", "asr", "tts"} {
		if _, ok := resp.Components[name]; !ok {
			t.Errorf("missing component %s", name)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("readiness probe left %d files behind", len(entries))
	}
}

func TestReadiness_DegradedWithoutRedisOrCredentials(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler(Config{
		Store:         session.NewStore(nil),
		Sessions:      newTestManager(t, dir),
		RecordingsDir: dir,
	})

	rec := serve(t, h, "/health/ready")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Status != StatusDegraded {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.Components["asr"].Status != StatusUnhealthy || resp.Components["redis"].Status != StatusDegraded {
		t.Errorf("components = %+v", resp.Components)
	}
}

func TestReadiness_UnhealthyWhenCaptureUnavailable(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(Config{
		Sessions:      newTestManager(t, base),
		ASR:           configuredASR(),
		RecordingsDir: filepath.Join(blocker, "recordings"),
	})

	rec := serve(t, h, "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadiness_RedisDown(t *testing.T) {
	dir := t.TempDir()
	store, mr := newTestStore(t)
	mr.Close()
	h := NewHandler(Config{
		Store:         store,
		Sessions:      newTestManager(t, dir),
		ASR:           configuredASR(),
		RecordingsDir: dir,
	})

	rec := serve(t, h, "/health/ready")
	var resp HealthResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Components["redis"].Status != StatusUnhealthy || resp.Status != StatusDegraded {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSessions(t *testing.T) {
	dir := t.TempDir()
	mgr := newTestManager(t, dir)
	h := NewHandler(Config{Sessions: mgr, RecordingsDir: dir})

	rec := serve(t, h, "/health/sessions")
	var resp SessionsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp.Total != 0 {
		t.Errorf("status=%d resp=%+v", rec.Code, resp)
	}
}

func TestSessions_IncludesTrackedPresence(t *testing.T) {
	dir := t.TempDir()
	store, _ := newTestStore(t)
	store.CreateSession(context.Background(), &session.Session{ID: "remote-1"})
	h := NewHandler(Config{Store: store, Sessions: newTestManager(t, dir), RecordingsDir: dir})

	rec := serve(t, h, "/health/sessions")
	var resp SessionsResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 0 || len(resp.Tracked) != 1 || resp.Tracked[0].ID != "remote-1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestUsage(t *testing.T) {
	dir := t.TempDir()
	store, _ := newTestStore(t)
	store.IncrementMetric(context.Background(), session.FieldSessions, 2)
	h := NewHandler(Config{Store: store, Sessions: newTestManager(t, dir), RecordingsDir: dir})

	rec := serve(t, h, "/health/usage?hours=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp UsageResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Hours != 2 || len(resp.Buckets) != 1 || resp.Buckets[0].Sessions != 2 {
		t.Errorf("resp = %+v", resp)
	}

	if rec := serve(t, h, "/health/usage?hours=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("hours=0 status = %d", rec.Code)
	}

	disabled := NewHandler(Config{Store: session.NewStore(nil), Sessions: newTestManager(t, dir), RecordingsDir: dir})
	if rec := serve(t, disabled, "/health/usage"); rec.Code != http.StatusNotFound {
		t.Errorf("disabled status = %d", rec.Code)
	}
}
