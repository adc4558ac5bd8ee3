package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/akupila/raindrops/internal/metrics"
)

// EchoProcessorName labels commands no registered processor claimed.
const EchoProcessorName = "echo"

// Registry holds the ordered processor list built at startup. It is read-only
// after construction and safe for concurrent Dispatch calls.
type Registry struct {
	logger     *slog.Logger
	metrics    *metrics.Recorder
	processors []Processor
}

// NewRegistry captures processors in registration order. Nil entries are skipped.
func NewRegistry(logger *slog.Logger, recorder *metrics.Recorder, processors ...Processor) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	list := make([]Processor, 0, len(processors))
	for _, p := range processors {
		if p == nil {
			continue
		}
		list = append(list, p)
	}
	return &Registry{
		logger:     logger.With(slog.String("agent", "dispatcher")),
		metrics:    recorder,
		processors: list,
	}
}

// Names lists the registered processors in dispatch order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.processors))
	for _, p := range r.processors {
		names = append(names, p.Name())
	}
	return names
}

// Dispatch offers line to each processor in order and stops at the first
// claim. Unclaimed lines are echoed verbatim through emit. A processor that
// panics is logged and treated as having declined. The name of the claiming
// processor, or EchoProcessorName, is returned.
func (r *Registry) Dispatch(ctx context.Context, line string, emit Emitter) string {
	if emit == nil {
		emit = func(string) {}
	}
	start := time.Now()
	for _, p := range r.processors {
		if r.offer(ctx, p, line, emit) {
			r.observe(ctx, p.Name(), line, start)
			return p.Name()
		}
	}

	r.logger.Warn("no processor for command, echoing", slog.String("command", line))
	emit(line)
	r.observe(ctx, EchoProcessorName, line, start)
	return EchoProcessorName
}

func (r *Registry) offer(ctx context.Context, p Processor, line string, emit Emitter) (claimed bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("processor panicked",
				slog.String("processor", p.Name()),
				slog.String("command", line),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())),
			)
			claimed = false
		}
	}()
	return p.TryHandle(ctx, line, emit)
}

func (r *Registry) observe(ctx context.Context, processor, line string, start time.Time) {
	r.metrics.ObserveCommand(processor)
	r.logger.LogAttrs(ctx, slog.LevelDebug, "command dispatched",
		slog.String("processor", processor),
		slog.String("command", line),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
}
