package storage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	logMirrorKeyPrefix = "llmproxy:"
	logMirrorKey       = logMirrorKeyPrefix + "logs"
	logMirrorCap       = 200
)

// LogMirror best-effort mirrors the proxy's bounded log ring into a
// Redis list so operators can tail it from outside the process. It is
// purely an observability sink: a disabled or unreachable Redis never
// blocks or alters a dispatch decision.
type LogMirror struct {
	client *redis.Client
	ctx    context.Context
}

// NewLogMirror connects to Redis for log mirroring. The connection is
// verified with a PING so misconfiguration is caught at startup rather
// than on the first dropped log line.
func NewLogMirror(addr, password string, db int) (*LogMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &LogMirror{client: client, ctx: ctx}, nil
}

// Close closes the underlying Redis connection.
func (m *LogMirror) Close() error {
	return m.client.Close()
}

// Publish appends line to the mirrored log list and trims it to the
// same capacity as the in-memory ring, newest-last.
func (m *LogMirror) Publish(line string) error {
	pipe := m.client.Pipeline()
	pipe.RPush(m.ctx, logMirrorKey, line)
	pipe.LTrim(m.ctx, logMirrorKey, -logMirrorCap, -1)
	pipe.Expire(m.ctx, logMirrorKey, 7*24*time.Hour)
	_, err := pipe.Exec(m.ctx)
	return err
}

// Recent returns up to n most recent mirrored log lines, oldest first.
func (m *LogMirror) Recent(n int) ([]string, error) {
	return m.client.LRange(m.ctx, logMirrorKey, int64(-n), -1).Result()
}
