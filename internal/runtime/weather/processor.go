package weather

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/akupila/raindrops/internal/runtime/dispatch"
	"github.com/akupila/raindrops/internal/templates"
)

// ReloadCommand is the command line the processor claims.
const ReloadCommand = "reload"

// ProcessorName labels the processor in logs and metrics.
const ProcessorName = "weather"

// Fetcher is the request cache contract the processor depends on.
type Fetcher interface {
	Fetch(ctx context.Context, key string, minInterval time.Duration) ([]byte, bool, error)
}

// URLData feeds the upstream URL template.
type URLData struct {
	BaseURL  string
	APIKey   string
	Location string
	AutoIP   bool
}

// Options wires a Processor.
type Options struct {
	Fetcher Fetcher
	Scorer  Scorer
	URL     *templates.Template
	Data    URLData

	// TTL is the minimum interval between upstream calls for the same URL.
	TTL    time.Duration
	Logger *slog.Logger
}

// Processor answers reload with a fresh or cached forecast.
type Processor struct {
	fetcher Fetcher
	scorer  Scorer
	url     *templates.Template
	data    URLData
	ttl     time.Duration
	logger  *slog.Logger
}

// NewProcessor validates opts and builds the reload processor.
func NewProcessor(opts Options) (*Processor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("weather: fetcher required")
	}
	if opts.Scorer == nil {
		return nil, errors.New("weather: scorer required")
	}
	if opts.URL == nil {
		return nil, errors.New("weather: url template required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		fetcher: opts.Fetcher,
		scorer:  opts.Scorer,
		url:     opts.URL,
		data:    opts.Data,
		ttl:     opts.TTL,
		logger:  logger.With(slog.String("agent", "weather")),
	}, nil
}

var _ dispatch.Processor = (*Processor)(nil)

func (p *Processor) Name() string { return ProcessorName }

// TryHandle claims exactly ReloadCommand and always emits one line: the
// update, or ErrorToken when the forecast cannot be produced.
func (p *Processor) TryHandle(ctx context.Context, line string, emit dispatch.Emitter) bool {
	if line != ReloadCommand {
		return false
	}
	msg, err := p.Update(ctx)
	if err != nil {
		p.logger.Error("forecast unavailable", slog.Any("error", err))
		emit(ErrorToken)
		return true
	}
	emit(msg)
	return true
}

// Update produces the wire line for the current forecast.
func (p *Processor) Update(ctx context.Context) (string, error) {
	url, err := p.url.Render(p.data)
	if err != nil {
		return "", fmt.Errorf("weather: render url: %w", err)
	}
	body, hit, err := p.fetcher.Fetch(ctx, url, p.ttl)
	if err != nil {
		return "", err
	}
	if hit {
		p.logger.Debug("using cached forecast")
	}
	scores, err := ScoreForecast(body, p.scorer)
	if err != nil {
		return "", err
	}
	for _, s := range scores {
		p.logger.Debug("hour scored",
			slog.String("time", s.Hour+":"+s.Min),
			slog.Float64("qpf", s.QPF),
			slog.Float64("pop", s.POP),
			slog.Int("score", s.Score),
		)
	}
	return FormatUpdate(scores), nil
}
