package diagnostics

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sjwiesman/settimeout-go/pkg/baselime"
)

// TraceSink receives every formatted line.
type TraceSink interface {
	Trace(identity Identity, line string)
}

// RemoteSink ships events off the process. *baselime.Client implements it.
type RemoteSink interface {
	Send(ctx context.Context, events ...baselime.Event) error
}

// WriterSink writes one line per emission.
type WriterSink struct {
	mutex sync.Mutex
	w     io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Trace(_ Identity, line string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, _ = fmt.Fprintln(s.w, line)
}

// LoggerSink emits one info event per line, tagged with the identity.
type LoggerSink struct {
	logger zerolog.Logger
}

func NewLoggerSink(logger zerolog.Logger) LoggerSink {
	return LoggerSink{logger: logger}
}

func (s LoggerSink) Trace(identity Identity, line string) {
	s.logger.Info().
		Str("namespace", identity.Name).
		Str("object_id", identity.ObjectID).
		Str("instance_id", identity.InstanceID).
		Msg(line)
}

// MemorySink keeps every line in memory.
type MemorySink struct {
	mutex sync.Mutex
	lines []string
}

func (s *MemorySink) Trace(_ Identity, line string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.lines = append(s.lines, line)
}

// Lines returns a copy of the lines traced so far.
func (s *MemorySink) Lines() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.lines...)
}
