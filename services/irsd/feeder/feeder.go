package feeder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"irsvenue/crypto"
	"irsvenue/observability"
	telemetry "irsvenue/observability/otel"
)

// Venue is the subset of the venue the feeder drives.
type Venue interface {
	PostObservation(reporter crypto.Address, rate *uint256.Int, updatedAt uint64) error
	Poke(pools ...[32]byte) (*uint256.Int, error)
}

// Feeder polls rate sources, posts fresh readings to the venue and pokes the
// index so every pool accrues against the new rate.
type Feeder struct {
	venue    Venue
	cache    *Cache
	sources  []Source
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *observability.FeederMetrics
	tracer   trace.Tracer
	now      func() time.Time
	once     sync.Once
}

// Option configures a Feeder.
type Option func(*Feeder)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feeder) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithClock overrides the wall clock used for cache records.
func WithClock(now func() time.Time) Option {
	return func(f *Feeder) {
		if now != nil {
			f.now = now
		}
	}
}

// WithTracer overrides the tracer used for tick and fetch spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Feeder) {
		if t != nil {
			f.tracer = t
		}
	}
}

// New constructs a feeder. Sources may be empty, in which case each tick only
// pokes the index.
func New(venue Venue, cache *Cache, sources []Source, interval, timeout time.Duration, opts ...Option) (*Feeder, error) {
	if venue == nil {
		return nil, fmt.Errorf("venue required")
	}
	if len(sources) > 0 && cache == nil {
		return nil, fmt.Errorf("cache required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	f := &Feeder{
		venue:    venue,
		cache:    cache,
		sources:  append([]Source{}, sources...),
		interval: interval,
		timeout:  timeout,
		logger:   slog.Default(),
		metrics:  observability.Feeder(),
		tracer:   telemetry.Tracer("irsd/feeder"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Run blocks, ticking until the context is cancelled.
func (f *Feeder) Run(ctx context.Context) error {
	if f == nil {
		return fmt.Errorf("feeder not configured")
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.once.Do(func() {
		f.logger.Info("feeder started", slog.Int("sources", len(f.sources)), slog.Duration("interval", f.interval))
	})
	for {
		if err := f.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("feeder tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick fetches every source once, posts readings newer than the cached ones
// and pokes the index. A failing source is logged and skipped; the poke error
// is returned.
func (f *Feeder) Tick(ctx context.Context) error {
	if f == nil {
		return fmt.Errorf("feeder not configured")
	}
	ctx, span := f.tracer.Start(ctx, "feeder.tick",
		trace.WithAttributes(attribute.Int("feeder.sources", len(f.sources))))
	defer span.End()
	posted := 0
	for _, src := range f.sources {
		if src == nil {
			continue
		}
		ok, err := f.processSource(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("rate source skipped", slog.String("source", src.Name()), slog.String("error", err.Error()))
			continue
		}
		if ok {
			posted++
		}
	}
	rate, err := f.venue.Poke()
	f.metrics.ObservePoke(err)
	span.SetAttributes(attribute.Int("feeder.posted", posted))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("poke: %w", err)
	}
	span.SetStatus(codes.Ok, "index poked")
	f.logger.Debug("index poked", slog.Int("posted", posted), slog.String("rate", rate.Dec()))
	return nil
}

func (f *Feeder) processSource(ctx context.Context, src Source) (bool, error) {
	ctx, span := f.tracer.Start(ctx, "feeder.fetch",
		trace.WithAttributes(attribute.String("feeder.source", src.Name())))
	defer span.End()
	posted, err := f.postSource(ctx, src)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return posted, err
	}
	span.SetAttributes(attribute.Bool("feeder.posted", posted))
	return posted, nil
}

func (f *Feeder) postSource(ctx context.Context, src Source) (bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	start := time.Now()
	quote, err := src.Fetch(fetchCtx)
	f.metrics.ObserveFetch(src.Name(), time.Since(start), err)
	if err != nil {
		return false, err
	}
	if quote.Rate == nil {
		return false, fmt.Errorf("nil rate")
	}
	last, found, err := f.cache.Last(src.Name())
	if err != nil {
		return false, err
	}
	if found && quote.UpdatedAt <= last.UpdatedAt {
		f.logger.Debug("rate source unchanged", slog.String("source", src.Name()), slog.Uint64("updated_at", quote.UpdatedAt))
		return false, nil
	}
	if err := f.venue.PostObservation(src.Reporter(), quote.Rate, quote.UpdatedAt); err != nil {
		return false, fmt.Errorf("post observation: %w", err)
	}
	rec := Record{
		Source:    src.Name(),
		Reporter:  src.Reporter().String(),
		Rate:      quote.Rate.Dec(),
		UpdatedAt: quote.UpdatedAt,
		PostedAt:  f.now().UTC(),
	}
	if err := f.cache.Put(rec); err != nil {
		return true, fmt.Errorf("cache: %w", err)
	}
	return true, nil
}
