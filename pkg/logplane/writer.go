package logplane

import (
	"bytes"
	"strings"
	"sync"

	"github.com/cuemby/tenement/pkg/types"
)

// LineWriter returns an io.Writer that splits a child's stdio stream into
// log records. Safe for the single sequential writer the runtime wires to
// each pipe.
func (p *Plane) LineWriter(service, instance string, stream types.Stream) *LineWriter {
	return &LineWriter{
		plane:    p,
		service:  service,
		instance: instance,
		stream:   stream,
	}
}

// LineWriter buffers partial lines and emits one record per line.
type LineWriter struct {
	plane    *Plane
	service  string
	instance string
	stream   types.Stream

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *LineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line stays buffered unless it is oversized.
			if len(line) > maxMessageBytes {
				w.emit(line)
			} else {
				w.buf.WriteString(line)
			}
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(b), nil
}

// Flush emits any buffered partial line. Called when the child exits.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}

func (w *LineWriter) emit(line string) {
	if line == "" {
		return
	}
	w.plane.Append(types.LogRecord{
		Service:  w.service,
		Instance: w.instance,
		Stream:   w.stream,
		Severity: sniffSeverity(line, w.stream),
		Message:  line,
	})
}

// sniffSeverity derives the severity hint from conventional line
// prefixes, defaulting to info for stdout and error for stderr.
func sniffSeverity(line string, stream types.Stream) types.Severity {
	head := line
	if len(head) > 16 {
		head = head[:16]
	}
	upper := strings.ToUpper(head)
	switch {
	case strings.HasPrefix(upper, "DEBUG") || strings.HasPrefix(upper, "DBG"):
		return types.SeverityDebug
	case strings.HasPrefix(upper, "INFO") || strings.HasPrefix(upper, "INF"):
		return types.SeverityInfo
	case strings.HasPrefix(upper, "WARN") || strings.HasPrefix(upper, "WRN"):
		return types.SeverityWarn
	case strings.HasPrefix(upper, "ERROR") || strings.HasPrefix(upper, "ERR") || strings.HasPrefix(upper, "FATAL"):
		return types.SeverityError
	}
	if stream == types.StreamStderr {
		return types.SeverityError
	}
	return types.SeverityInfo
}
