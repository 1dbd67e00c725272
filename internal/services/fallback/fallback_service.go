// Package fallback executes a ranked candidate chain in order, retrying and
// falling over on retryable failures until success or exhaustion.
package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/registry"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	defaultBackoffBase   = 200 * time.Millisecond
	defaultBackoffFactor = 2
	defaultBackoffCap    = 5 * time.Second
)

// Sink receives one event per routing attempt.
type Sink interface {
	RecordAttempt(attempt models.RoutingAttempt)
}

type multiSink []Sink

func (m multiSink) RecordAttempt(attempt models.RoutingAttempt) {
	for _, s := range m {
		s.RecordAttempt(attempt)
	}
}

// MultiSink fans attempt events out to several sinks, e.g. telemetry plus
// the usage recorder.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}

// ExecuteFunc performs one attempt against one candidate. The context
// carries the per-attempt deadline; implementations must return taxonomy
// errors only.
type ExecuteFunc func(ctx context.Context, candidate registry.Candidate) (*models.NormalizedResult, error)

// Service orchestrates the fallback chain. One instance serves all requests.
type Service struct {
	sink        Sink
	backoffBase time.Duration
	backoffCap  time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a fallback orchestrator reporting attempts to the sink.
func New(sink Sink) *Service {
	return &Service{
		sink:        sink,
		backoffBase: defaultBackoffBase,
		backoffCap:  defaultBackoffCap,
		sleep:       sleepCtx,
	}
}

// SetBackoff overrides the retry backoff parameters. Test hook.
func (s *Service) SetBackoff(base, cap time.Duration) {
	s.backoffBase = base
	s.backoffCap = cap
}

// Execute runs the candidates in order. Per-candidate retries (maxRetries
// with exponential backoff) are exhausted before advancing to the next
// distinct provider. Fatal errors abort immediately; retryable errors are
// absorbed until the chain is exhausted, then surfaced as a single
// AllProvidersFailed error carrying the ordered failure history.
func (s *Service) Execute(
	ctx context.Context,
	requestID string,
	capability models.Capability,
	caller models.CallerContext,
	candidates []registry.Candidate,
	opts models.GenerationOptions,
	execute ExecuteFunc,
) (*models.NormalizedResult, error) {
	if len(candidates) == 0 {
		return nil, models.NewNoEligibleProviderError("fallback chain is empty")
	}

	fiberlog.Infof("[%s] fallback chain: %d candidates", requestID, len(candidates))

	var failures []models.AttemptFailure
	for i, cand := range candidates {
		// Re-check the breaker: time has passed since selection and a
		// concurrent request may have opened it. Skips do not consume the
		// caller's retry budget.
		if !cand.Breaker.CanExecute() {
			fiberlog.Warnf("[%s] skipping %s/%s (circuit open)", requestID, cand.Provider.ID, cand.Model.ModelID)
			s.sink.RecordAttempt(models.RoutingAttempt{
				RequestID:  requestID,
				ProviderID: cand.Provider.ID,
				ModelID:    cand.Model.ModelID,
				Capability: capability,
				Outcome:    models.OutcomeSkippedOpen,
				Caller:     caller,
				Timestamp:  time.Now(),
			})
			failures = append(failures, models.AttemptFailure{
				ProviderID: cand.Provider.ID,
				ModelID:    cand.Model.ModelID,
				Kind:       models.ErrKindServiceUnavailable,
				Err:        models.NewServiceUnavailableError(cand.Provider.ID, "circuit open", nil),
			})
			continue
		}

		result, err := s.tryCandidate(ctx, requestID, capability, caller, cand, opts, execute)
		if err == nil {
			if i > 0 {
				fiberlog.Infof("[%s] succeeded on fallback candidate %d/%d: %s/%s",
					requestID, i+1, len(candidates), cand.Provider.ID, cand.Model.ModelID)
			}
			return result, nil
		}

		if !models.IsRetryable(err) {
			// Request-shaped failure: it would fail identically everywhere.
			fiberlog.Warnf("[%s] fatal error from %s/%s, aborting chain: %v",
				requestID, cand.Provider.ID, cand.Model.ModelID, err)
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		fiberlog.Warnf("[%s] candidate %s/%s exhausted: %v", requestID, cand.Provider.ID, cand.Model.ModelID, err)
		failures = append(failures, models.AttemptFailure{
			ProviderID: cand.Provider.ID,
			ModelID:    cand.Model.ModelID,
			Kind:       models.KindOf(err),
			Err:        err,
		})
	}

	agg := &models.AllProvidersFailedError{Failures: failures}
	fiberlog.Errorf("[%s] %v", requestID, agg)
	return nil, agg.Gateway()
}

// tryCandidate runs up to maxRetries+1 attempts against one candidate with
// exponential backoff between attempts.
func (s *Service) tryCandidate(
	ctx context.Context,
	requestID string,
	capability models.Capability,
	caller models.CallerContext,
	cand registry.Candidate,
	opts models.GenerationOptions,
	execute ExecuteFunc,
) (*models.NormalizedResult, error) {
	timeout := attemptTimeout(cand.Provider, opts)

	var lastErr error
	for attempt := 0; attempt <= cand.Provider.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.backoffDelay(attempt)); err != nil {
				return nil, err
			}
			// The breaker may have opened between attempts against the same
			// candidate.
			if !cand.Breaker.CanExecute() {
				return nil, models.NewServiceUnavailableError(cand.Provider.ID, "circuit opened mid-retry", nil)
			}
			fiberlog.Debugf("[%s] retry %d/%d against %s", requestID, attempt, cand.Provider.MaxRetries, cand.Provider.ID)
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		start := time.Now()
		result, err := execute(attemptCtx, cand)
		latency := time.Since(start)
		if cancel != nil {
			cancel()
		}
		err = classify(cand.Provider.ID, attemptCtx, ctx, err)

		record := models.RoutingAttempt{
			RequestID:  requestID,
			ProviderID: cand.Provider.ID,
			ModelID:    cand.Model.ModelID,
			Capability: capability,
			Latency:    latency,
			Caller:     caller,
			Timestamp:  start,
		}

		if err == nil {
			cand.Breaker.RecordSuccess()
			record.Outcome = models.OutcomeSuccess
			record.Usage = result.Usage
			s.sink.RecordAttempt(record)
			result.ProviderID = cand.Provider.ID
			result.ModelID = cand.Model.ModelID
			return result, nil
		}

		if cancelErr := callerDone(ctx, err); cancelErr != nil {
			// The caller walked away. The attempt says nothing about
			// provider health, so free any claimed probe slot instead of
			// charging the breaker.
			cand.Breaker.ReleaseProbe()
			record.Outcome = models.OutcomeCanceled
			s.sink.RecordAttempt(record)
			return nil, cancelErr
		}

		record.ErrorKind = models.KindOf(err)
		if !models.IsRetryable(err) {
			// Fatal failures do not trip the breaker: they indicate a
			// caller problem, not provider unhealthiness. A claimed probe
			// slot still has to be handed back.
			cand.Breaker.ReleaseProbe()
			record.Outcome = models.OutcomeFatalFailure
			s.sink.RecordAttempt(record)
			return nil, err
		}

		cand.Breaker.RecordFailure()
		record.Outcome = models.OutcomeRetryableFailure
		s.sink.RecordAttempt(record)
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// classify normalizes attempt errors: deadline expiry of the attempt context
// becomes a Timeout regardless of what the adapter returned, and non-taxonomy
// errors are wrapped as provider outages. Caller cancellations pass through
// untouched; callerDone picks them up.
func classify(provider string, attemptCtx, parent context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() != nil || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return models.NewTimeoutError(provider, err)
	}
	var ge *models.GatewayError
	if errors.As(err, &ge) {
		return err
	}
	var agg *models.AllProvidersFailedError
	if errors.As(err, &agg) {
		return err
	}
	return models.NewServiceUnavailableError(provider, "provider returned an unclassified error", err)
}

// callerDone returns the caller-owned context error when the attempt ended
// because the caller went away rather than because the provider misbehaved.
func callerDone(parent context.Context, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return parentErr
	}
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return nil
}

func attemptTimeout(p models.ProviderDescriptor, opts models.GenerationOptions) time.Duration {
	timeout := p.Timeout
	if opts.TimeoutOverride > 0 && (timeout == 0 || opts.TimeoutOverride < timeout) {
		timeout = opts.TimeoutOverride
	}
	return timeout
}

func (s *Service) backoffDelay(attempt int) time.Duration {
	d := s.backoffBase
	for i := 1; i < attempt; i++ {
		d *= defaultBackoffFactor
		if d >= s.backoffCap {
			return s.backoffCap
		}
	}
	if d > s.backoffCap {
		return s.backoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
