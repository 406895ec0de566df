package isolation

import (
	"bytes"
	"strings"

	"github.com/testrig/testrig/pkg/telemetry"
)

// maxOutputLine bounds how much unterminated output is held before it is logged anyway.
const maxOutputLine = 64 * 1024

// lineLogger forwards one output stream of a unit to the logger, one entry
// per line. exec.Cmd copies each stream on its own goroutine, so a lineLogger
// is never written concurrently.
type lineLogger struct {
	logger *telemetry.Logger
	buf    []byte
}

func newLineLogger(logger *telemetry.Logger, stream string) *lineLogger {
	return &lineLogger{logger: logger.WithField("stream", stream)}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxOutputLine {
		w.Flush()
	}
	return len(p), nil
}

// Flush logs any buffered partial line.
func (w *lineLogger) Flush() {
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineLogger) emit(line []byte) {
	s := strings.TrimRight(string(line), "\r")
	if s == "" {
		return
	}
	w.logger.WithField("output", s).Info("isolation unit output")
}
