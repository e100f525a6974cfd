package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/eleven-am/speech-gateway/internal/shared"
	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 24 * time.Hour
	metricsTTL = 7 * 24 * time.Hour
)

// Store keeps live-session presence and hourly counters in Redis. A Store
// built without a client accepts every call and records nothing.
type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func (s *Store) Enabled() bool {
	return s != nil && s.redis != nil
}

func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if !s.Enabled() {
		return nil
	}
	now := time.Now()
	sess.Status = StatusActive
	sess.StartedAt = now
	sess.LastActiveAt = now
	return s.save(ctx, sess)
}

func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	if !s.Enabled() {
		return nil, shared.ErrNotFound
	}
	data, err := s.redis.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	if !s.Enabled() {
		return nil
	}
	sess.LastActiveAt = time.Now()
	return s.save(ctx, sess)
}

func (s *Store) EndSession(ctx context.Context, id string, status Status, framesDelivered int64) error {
	if !s.Enabled() {
		return nil
	}
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	sess.Status = status
	sess.FramesDelivered = framesDelivered
	return s.UpdateSession(ctx, sess)
}

func (s *Store) ListActive(ctx context.Context) ([]*Session, error) {
	if !s.Enabled() {
		return nil, nil
	}

	var sessions []*Session
	iter := s.redis.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.Status == StatusActive {
			sessions = append(sessions, &sess)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) IncrementMetric(ctx context.Context, field string, value int64) error {
	if !s.Enabled() {
		return nil
	}
	now := time.Now().UTC()
	key := MetricsRedisKey(now.Format("2006-01-02"), now.Hour())

	pipe := s.redis.Pipeline()
	pipe.HIncrBy(ctx, key, field, value)
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrementMetrics adds several counters to the current hour in one round trip.
// Zero values are skipped.
func (s *Store) IncrementMetrics(ctx context.Context, values map[string]int64) error {
	if !s.Enabled() {
		return nil
	}
	now := time.Now().UTC()
	key := MetricsRedisKey(now.Format("2006-01-02"), now.Hour())

	pipe := s.redis.Pipeline()
	queued := 0
	for field, value := range values {
		if value == 0 {
			continue
		}
		pipe.HIncrBy(ctx, key, field, value)
		queued++
	}
	if queued == 0 {
		return nil
	}
	pipe.Expire(ctx, key, metricsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) GetMetrics(ctx context.Context, hours int) ([]*Metrics, error) {
	if !s.Enabled() {
		return nil, nil
	}
	now := time.Now().UTC()
	var metrics []*Metrics

	for i := 0; i < hours; i++ {
		t := now.Add(-time.Duration(i) * time.Hour)
		key := MetricsRedisKey(t.Format("2006-01-02"), t.Hour())

		data, err := s.redis.HGetAll(ctx, key).Result()
		if err != nil || len(data) == 0 {
			continue
		}

		m := &Metrics{Date: t.Format("2006-01-02"), Hour: t.Hour()}
		m.Sessions = parseCount(data, FieldSessions)
		m.Resumes = parseCount(data, FieldResumes)
		m.Frames = parseCount(data, FieldFrames)
		m.StaleFrames = parseCount(data, FieldStaleFrames)
		m.RejectedFrames = parseCount(data, FieldRejectedFrames)
		m.UpstreamErrors = parseCount(data, FieldUpstreamErrors)
		metrics = append(metrics, m)
	}

	return metrics, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	return s.redis.Ping(ctx).Err()
}

func (s *Store) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, sess.RedisKey(), data, sessionTTL).Err()
}

func parseCount(data map[string]string, field string) int64 {
	v, ok := data[field]
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
