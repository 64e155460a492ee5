package paper

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jbkix06/alpaca-mcp-server-sub001/internal/execution"
)

const (
	fillsMaxSizeMB  = 20
	fillsMaxBackups = 3
)

// JSONLRecorder appends paper fills as JSON lines to a size-rotated file.
type JSONLRecorder struct {
	mu     sync.Mutex
	out    io.WriteCloser
	closed bool
	log    zerolog.Logger
}

func NewJSONLRecorder(path string, log zerolog.Logger) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("fills dir: %w", err)
	}
	out := &lumberjack.Logger{Filename: path, MaxSize: fillsMaxSizeMB, MaxBackups: fillsMaxBackups}
	return &JSONLRecorder{out: out, log: log}, nil
}

// Record writes one fill. Errors are logged; a closed recorder drops fills.
func (r *JSONLRecorder) Record(fill execution.Fill) {
	line, err := json.Marshal(fill)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", fill.Symbol).Msg("encode paper fill")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, err := r.out.Write(append(line, '\n')); err != nil {
		r.log.Warn().Err(err).Str("symbol", fill.Symbol).Msg("record paper fill")
	}
}

func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.out.Close()
}
