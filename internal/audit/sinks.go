package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends records as JSON lines to a size-rotated file.
type FileSink struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	enc *json.Encoder
}

// NewFileSink prepares the target directory. maxSizeMB <= 0 uses lumberjack's default.
func NewFileSink(path string, maxSizeMB, maxBackups int) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	out := &lumberjack.Logger{Filename: path, MaxSize: maxSizeMB, MaxBackups: maxBackups}
	return &FileSink{out: out, enc: json.NewEncoder(out)}, nil
}

func (s *FileSink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Close()
}

// RedisSink mirrors records into a Redis stream so other processes can tail them.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

// NewRedisSink writes to stream on client. maxLen > 0 caps the stream approximately.
func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedisSink opens its own client and closes it with the sink.
func DialRedisSink(addr, password string, db int, stream string, maxLen int64) *RedisSink {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	sink := NewRedisSink(client, stream, maxLen)
	sink.owned = true
	return sink
}

func (s *RedisSink) Write(ctx context.Context, rec Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"seq":      rec.Seq,
			"time":     rec.Time.UTC().Format(time.RFC3339Nano),
			"category": string(rec.Category),
			"message":  rec.Message,
			"fields":   string(fields),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisSink) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
