// Package dispatch implements the completion dispatcher: it walks the active
// providers in priority order, skips those whose monthly quota is spent,
// and returns the first successful completion.
//
// Adapter failures never escape a dispatch. They are logged, counted, and
// the next provider is tried. Only an empty registry or the exhaustion of
// every candidate is reported to the caller.
//
// A successful call has exactly three side effects, all on the provider
// that answered: one ledger row, one used_this_month increment, and one
// last-used touch. Skipped and failed providers are never written to.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/howard-nolan/newsllm/internal/ledger"
	"github.com/howard-nolan/newsllm/internal/metrics"
	"github.com/howard-nolan/newsllm/internal/provider"
)

var (
	// ErrNoProviderAvailable means the registry has no active providers.
	ErrNoProviderAvailable = errors.New("no active provider available")

	// ErrAllProvidersFailed matches *AllProvidersFailedError.
	ErrAllProvidersFailed = errors.New("all providers failed")
)

// Registry is the slice of the provider registry the dispatcher needs.
type Registry interface {
	ListActive(ctx context.Context) ([]*provider.Provider, error)
	IncrementUsedThisMonth(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error
}

// Ledger records one row per successful completion.
type Ledger interface {
	Record(ctx context.Context, e ledger.Entry) error
}

// txLedger is a Ledger that can bump the quota counter in the same
// transaction as the row. It reports whether it did.
type txLedger interface {
	RecordAndIncrement(ctx context.Context, e ledger.Entry) (bool, error)
}

// Attempt describes what happened to one candidate during a dispatch.
type Attempt struct {
	ProviderID   string
	ProviderName string
	Skipped      bool // quota exhausted, adapter never called
	Err          error
}

// AllProvidersFailedError is returned when every candidate was skipped or
// failed. Attempts are in the order they were tried.
type AllProvidersFailedError struct {
	Category string
	Attempts []Attempt
}

func (e *AllProvidersFailedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		if a.Skipped {
			parts[i] = a.ProviderName + ": quota exhausted"
		} else {
			parts[i] = fmt.Sprintf("%s: %v", a.ProviderName, a.Err)
		}
	}
	return fmt.Sprintf("all providers failed (%s)", strings.Join(parts, "; "))
}

// Is lets errors.Is(err, ErrAllProvidersFailed) match.
func (e *AllProvidersFailedError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Completion is a successful dispatch result.
type Completion struct {
	Text         string
	ProviderID   string
	ProviderName string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

// Dispatcher routes completion requests across registered providers.
type Dispatcher struct {
	registry Registry
	ledger   Ledger
	adapters map[provider.Kind]provider.Adapter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New creates a Dispatcher. m may be nil.
func New(reg Registry, l Ledger, adapters map[provider.Kind]provider.Adapter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		ledger:   l,
		adapters: adapters,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("github.com/howard-nolan/newsllm/internal/dispatch"),
		now:      time.Now,
	}
}

// Complete runs a dispatch and returns only the completion text.
func (d *Dispatcher) Complete(ctx context.Context, prompt, systemPrompt, category string, maxTokens int) (string, error) {
	c, err := d.Dispatch(ctx, &provider.Request{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Category:     category,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// Dispatch tries each active provider once, in ascending priority order,
// until one succeeds.
func (d *Dispatcher) Dispatch(ctx context.Context, req *provider.Request) (*Completion, error) {
	providers, err := d.registry.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active providers: %w", err)
	}
	if len(providers) == 0 {
		return nil, ErrNoProviderAvailable
	}

	// The registry already orders by priority; sorting again keeps ties
	// stable if an implementation ever returns them unordered.
	sort.SliceStable(providers, func(i, j int) bool {
		return providers[i].Priority < providers[j].Priority
	})

	attempts := make([]Attempt, 0, len(providers))
	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if p.QuotaExhausted() {
			d.logger.Info("provider quota exhausted, skipping",
				zap.String("provider", p.Name),
				zap.Int("used", p.UsedThisMonth),
				zap.Int("limit", p.MonthlyLimit),
			)
			d.metrics.Attempt(p.Name, metrics.OutcomeSkipped)
			attempts = append(attempts, Attempt{ProviderID: p.ID, ProviderName: p.Name, Skipped: true})
			continue
		}

		c, err := d.attempt(ctx, p, req)
		if err != nil {
			d.logger.Warn("provider attempt failed",
				zap.String("provider", p.Name),
				zap.String("kind", string(p.Kind)),
				zap.String("category", req.Category),
				zap.Error(err),
			)
			d.metrics.Attempt(p.Name, metrics.OutcomeFailure)
			attempts = append(attempts, Attempt{ProviderID: p.ID, ProviderName: p.Name, Err: err})
			continue
		}

		d.metrics.Attempt(p.Name, metrics.OutcomeSuccess)
		d.metrics.Completion(p.Name, time.Duration(c.LatencyMs)*time.Millisecond, c.InputTokens, c.OutputTokens)

		if err := d.account(ctx, p, req.Category, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	return nil, &AllProvidersFailedError{Category: req.Category, Attempts: attempts}
}

// attempt makes exactly one adapter call inside its own span.
func (d *Dispatcher) attempt(ctx context.Context, p *provider.Provider, req *provider.Request) (*Completion, error) {
	adapter, ok := d.adapters[p.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for kind %q", p.Kind)
	}

	ctx, span := d.tracer.Start(ctx, "dispatch.attempt", trace.WithAttributes(
		attribute.String("provider.id", p.ID),
		attribute.String("provider.name", p.Name),
		attribute.String("provider.kind", string(p.Kind)),
		attribute.String("provider.model", p.Model),
		attribute.String("category", req.Category),
	))
	defer span.End()

	start := d.now()
	res, err := adapter.Call(ctx, p, req)
	latency := d.now().Sub(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("tokens.input", res.InputTokens),
		attribute.Int("tokens.output", res.OutputTokens),
	)
	d.logger.Debug("provider attempt succeeded",
		zap.String("provider", p.Name),
		zap.String("category", req.Category),
		zap.Int("input_tokens", res.InputTokens),
		zap.Int("output_tokens", res.OutputTokens),
		zap.Duration("latency", latency),
	)

	return &Completion{
		Text:         res.Text,
		ProviderID:   p.ID,
		ProviderName: p.Name,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

// account writes the ledger row, then bumps the quota counter. A failure of
// either is returned so a completion is never handed out unaccounted.
//
// When the ledger shares a database with the registry both writes commit in
// one transaction. Otherwise (Redis registry) they are two writes, and an
// increment failure leaves the row in place: the ledger is append-only, so
// the call stays billed even though the quota missed one tick.
//
// The last-used touch is informational and only logged on failure.
func (d *Dispatcher) account(ctx context.Context, p *provider.Provider, category string, c *Completion) error {
	e := ledger.Entry{
		ProviderID:   p.ID,
		ProviderName: p.Name,
		Category:     category,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		LatencyMs:    c.LatencyMs,
	}

	var (
		counted bool
		err     error
	)
	if tl, ok := d.ledger.(txLedger); ok {
		counted, err = tl.RecordAndIncrement(ctx, e)
	} else {
		err = d.ledger.Record(ctx, e)
	}
	if err != nil {
		return fmt.Errorf("recording usage for %s: %w", p.Name, err)
	}

	if !counted {
		if err := d.registry.IncrementUsedThisMonth(ctx, p.ID); err != nil {
			return fmt.Errorf("incrementing usage for %s: %w", p.Name, err)
		}
	}

	if err := d.registry.TouchLastUsed(ctx, p.ID); err != nil {
		d.logger.Warn("touch last used failed", zap.String("provider", p.Name), zap.Error(err))
	}
	return nil
}
