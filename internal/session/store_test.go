package session

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func TestStore_CreateAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	sess := &Session{ID: "s1", ConnectionID: "conn_1", Model: "fun-asr-realtime", SampleRate: 16000, FrameMs: 20}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusActive || got.ConnectionID != "conn_1" || got.StartedAt.IsZero() {
		t.Errorf("session = %+v", got)
	}
	if ttl := mr.TTL(sess.RedisKey()); ttl != sessionTTL {
		t.Errorf("ttl = %v, want %v", ttl, sessionTTL)
	}
}

func TestStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.GetSession(context.Background(), "nope"); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_EndSessionAndListActive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.CreateSession(ctx, &Session{ID: "a"})
	store.CreateSession(ctx, &Session{ID: "b"})

	if err := store.EndSession(ctx, "a", StatusStopped, 42); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	ended, _ := store.GetSession(ctx, "a")
	if ended.Status != StatusStopped || ended.FramesDelivered != 42 {
		t.Errorf("ended = %+v", ended)
	}

	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "b" {
		t.Errorf("active = %+v", active)
	}

	if err := store.EndSession(ctx, "missing", StatusStopped, 0); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("EndSession missing: %v", err)
	}
}

func TestStore_Metrics(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.IncrementMetric(ctx, FieldSessions, 1)
	store.IncrementMetric(ctx, FieldFrames, 50)
	store.IncrementMetric(ctx, FieldFrames, 25)
	store.IncrementMetric(ctx, FieldRejectedFrames, 2)

	metrics, err := store.GetMetrics(ctx, 1)
	if err != nil {
		t.Fatalf("GetMetrics: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("got %d buckets", len(metrics))
	}
	m := metrics[0]
	if m.Sessions != 1 || m.Frames != 75 || m.RejectedFrames != 2 || m.StaleFrames != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestStore_IncrementMetrics(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	err := store.IncrementMetrics(ctx, map[string]int64{
		FieldFrames:         120,
		FieldStaleFrames:    3,
		FieldUpstreamErrors: 0,
	})
	if err != nil {
		t.Fatalf("IncrementMetrics: %v", err)
	}
	if err := store.IncrementMetrics(ctx, map[string]int64{FieldFrames: 0}); err != nil {
		t.Fatalf("IncrementMetrics with zeros: %v", err)
	}

	metrics, err := store.GetMetrics(ctx, 1)
	if err != nil || len(metrics) != 1 {
		t.Fatalf("GetMetrics = %v, %v", metrics, err)
	}
	if metrics[0].Frames != 120 || metrics[0].StaleFrames != 3 || metrics[0].UpstreamErrors != 0 {
		t.Errorf("metrics = %+v", metrics[0])
	}

	for _, key := range mr.Keys() {
		if mr.TTL(key) <= 0 {
			t.Errorf("key %s has no ttl", key)
		}
	}
}

func TestStore_DisabledIsNoop(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()

	if store.Enabled() {
		t.Fatal("store without client should be disabled")
	}
	if err := store.CreateSession(ctx, &Session{ID: "x"}); err != nil {
		t.Errorf("CreateSession: %v", err)
	}
	if err := store.IncrementMetric(ctx, FieldFrames, 1); err != nil {
		t.Errorf("IncrementMetric: %v", err)
	}
	if err := store.EndSession(ctx, "x", StatusStopped, 0); err != nil {
		t.Errorf("EndSession: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if active, err := store.ListActive(ctx); err != nil || active != nil {
		t.Errorf("ListActive = %v, %v", active, err)
	}
}
