package supervisor

import (
	"bytes"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/sanitize"
)

const (
	maxLogLineLength = 2048
	maxPendingBytes  = 16 * 1024
)

// lineWriter forwards module stdout/stderr to the logger one line at a time.
type lineWriter struct {
	logger *zap.Logger
	level  zapcore.Level

	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineWriter(logger *zap.Logger, module, stream string, level zapcore.Level) *lineWriter {
	return &lineWriter{
		logger: logger.With(zap.String("module", module), zap.String("stream", stream)),
		level:  level,
	}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.buf.Write(p); err != nil {
		return 0, err
	}

	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(data[:idx], "\r")))
		w.buf.Next(idx + 1)
	}

	if w.buf.Len() > maxPendingBytes {
		w.emit(strings.TrimSpace(w.buf.String()))
		w.buf.Reset()
	}

	return len(p), nil
}

// Close flushes a trailing partial line.
func (w *lineWriter) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimSpace(w.buf.String()))
		w.buf.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	line = sanitize.StripControl(line)
	if strings.TrimSpace(line) == "" {
		return
	}
	line, truncated := limitLogLine(line)
	ce := w.logger.Check(w.level, line)
	if ce == nil {
		return
	}
	if truncated {
		ce.Write(zap.Bool("truncated", true))
		return
	}
	ce.Write()
}

func limitLogLine(line string) (string, bool) {
	return sanitize.Truncate(line, maxLogLineLength, " ...[truncated]")
}
