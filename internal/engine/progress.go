package engine

import (
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ProgressSink observes archive construction. Implementations must not block
// for long; they are called from the archive writer's goroutine.
type ProgressSink interface {
	Progress(total, completed uint64)
	Ratio(inSize, outSize uint64)
}

type nopProgress struct{}

func (nopProgress) Progress(uint64, uint64) {}
func (nopProgress) Ratio(uint64, uint64)    {}

// NopProgress discards progress reports.
var NopProgress ProgressSink = nopProgress{}

// MultiProgress fans reports out to several sinks.
type MultiProgress []ProgressSink

func (m MultiProgress) Progress(total, completed uint64) {
	for _, s := range m {
		s.Progress(total, completed)
	}
}

func (m MultiProgress) Ratio(inSize, outSize uint64) {
	for _, s := range m {
		s.Ratio(inSize, outSize)
	}
}

// DefaultLogStep is how many completed bytes LogProgress lets pass between
// two log lines.
const DefaultLogStep = 64 << 20

// LogProgress logs progress every step completed bytes.
type LogProgress struct {
	logger *zap.Logger
	step   uint64

	mu       sync.Mutex
	lastLog  uint64
	inSize   uint64
	outSize  uint64
	reported bool
}

func NewLogProgress(logger *zap.Logger, step uint64) *LogProgress {
	if step == 0 {
		step = DefaultLogStep
	}
	return &LogProgress{logger: logger, step: step}
}

func (l *LogProgress) Progress(total, completed uint64) {
	l.mu.Lock()
	if l.reported && completed < l.lastLog+l.step && completed != total {
		l.mu.Unlock()
		return
	}
	l.reported = true
	l.lastLog = completed
	in, out := l.inSize, l.outSize
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("completed", humanize.IBytes(completed)),
		zap.String("total", humanize.IBytes(total)),
	}
	if in > 0 {
		fields = append(fields, zap.Float64("ratio", float64(out)/float64(in)))
	}
	l.logger.Info("archive progress", fields...)
}

func (l *LogProgress) Ratio(inSize, outSize uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inSize = inSize
	l.outSize = outSize
}
