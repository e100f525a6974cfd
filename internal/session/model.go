package session

import (
	"strconv"
	"time"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// Session is the presence record of one live audio session.
type Session struct {
	ID              string    `json:"id"`
	ConnectionID    string    `json:"connection_id"`
	Model           string    `json:"model"`
	Protocol        string    `json:"protocol"`
	SampleRate      int       `json:"sample_rate"`
	FrameMs         int       `json:"frame_ms"`
	Status          Status    `json:"status"`
	FramesDelivered int64     `json:"frames_delivered"`
	StartedAt       time.Time `json:"started_at"`
	LastActiveAt    time.Time `json:"last_active_at"`
}

func (s *Session) RedisKey() string {
	return sessionKeyPrefix + s.ID
}

type Metrics struct {
	Date           string `json:"date"`
	Hour           int    `json:"hour"`
	Sessions       int64  `json:"sessions"`
	Resumes        int64  `json:"resumes"`
	Frames         int64  `json:"frames"`
	StaleFrames    int64  `json:"stale_frames"`
	RejectedFrames int64  `json:"rejected_frames"`
	UpstreamErrors int64  `json:"upstream_errors"`
}

const (
	FieldSessions       = "sessions"
	FieldResumes        = "resumes"
	FieldFrames         = "frames"
	FieldStaleFrames    = "stale_frames"
	FieldRejectedFrames = "rejected_frames"
	FieldUpstreamErrors = "upstream_errors"
)

const sessionKeyPrefix = "speech:session:"

func MetricsRedisKey(date string, hour int) string {
	return "speech:metrics:" + date + ":" + strconv.Itoa(hour)
}
