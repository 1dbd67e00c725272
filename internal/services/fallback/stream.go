package fallback

import (
	"context"
	"io"
	"time"

	"github.com/lanternhq/modelgate/internal/adapters"
	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/registry"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// OpenStreamFunc opens a stream against one candidate.
type OpenStreamFunc func(ctx context.Context, candidate registry.Candidate) (adapters.ChunkStream, error)

// ExecuteStream runs the candidate chain for a streaming request. Falling
// back to another provider is only possible before the first chunk has been
// delivered, so each candidate is probed by opening the stream and pulling
// its first chunk; once that chunk arrives the candidate is committed and
// any later failure terminates the stream with a StreamInterrupted error
// instead of retrying.
func (s *Service) ExecuteStream(
	ctx context.Context,
	requestID string,
	capability models.Capability,
	caller models.CallerContext,
	candidates []registry.Candidate,
	opts models.GenerationOptions,
	open OpenStreamFunc,
) (adapters.ChunkStream, *registry.Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil, models.NewNoEligibleProviderError("fallback chain is empty")
	}

	var failures []models.AttemptFailure
	for _, cand := range candidates {
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

		start := time.Now()
		stream, first, err := s.openAndProbe(ctx, cand, opts, open)
		latency := time.Since(start)

		record := models.RoutingAttempt{
			RequestID:  requestID,
			ProviderID: cand.Provider.ID,
			ModelID:    cand.Model.ModelID,
			Capability: capability,
			Latency:    latency,
			Caller:     caller,
			Timestamp:  start,
		}

		if err != nil {
			err = classify(cand.Provider.ID, ctx, ctx, err)
			if cancelErr := callerDone(ctx, err); cancelErr != nil {
				cand.Breaker.ReleaseProbe()
				record.Outcome = models.OutcomeCanceled
				s.sink.RecordAttempt(record)
				return nil, nil, cancelErr
			}
			record.ErrorKind = models.KindOf(err)
			if !models.IsRetryable(err) {
				cand.Breaker.ReleaseProbe()
				record.Outcome = models.OutcomeFatalFailure
				s.sink.RecordAttempt(record)
				return nil, nil, err
			}
			cand.Breaker.RecordFailure()
			record.Outcome = models.OutcomeRetryableFailure
			s.sink.RecordAttempt(record)
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			fiberlog.Warnf("[%s] stream candidate %s/%s failed before first chunk: %v",
				requestID, cand.Provider.ID, cand.Model.ModelID, err)
			failures = append(failures, models.AttemptFailure{
				ProviderID: cand.Provider.ID,
				ModelID:    cand.Model.ModelID,
				Kind:       models.KindOf(err),
				Err:        err,
			})
			continue
		}

		// Committed: the first chunk is buffered and the candidate owns the
		// rest of the stream. Success/failure accounting for the breaker
		// happens when the stream finishes.
		fiberlog.Infof("[%s] streaming from %s/%s", requestID, cand.Provider.ID, cand.Model.ModelID)
		committed := cand
		return &trackedStream{
			requestID: requestID,
			inner:     stream,
			first:     first,
			cand:      committed,
			sink:      s.sink,
			record:    record,
			started:   start,
		}, &committed, nil
	}

	agg := &models.AllProvidersFailedError{Failures: failures}
	fiberlog.Errorf("[%s] %v", requestID, agg)
	return nil, nil, agg.Gateway()
}

// openAndProbe opens the stream and pulls the first chunk under the
// candidate's attempt timeout. A stream that ends before producing any chunk
// is treated as a provider outage.
func (s *Service) openAndProbe(
	ctx context.Context,
	cand registry.Candidate,
	opts models.GenerationOptions,
	open OpenStreamFunc,
) (adapters.ChunkStream, *models.ResultChunk, error) {
	// The attempt timeout bounds stream establishment only; once chunks are
	// flowing the caller's context governs.
	timeout := attemptTimeout(cand.Provider, opts)
	openCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		openCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type probeResult struct {
		stream adapters.ChunkStream
		chunk  models.ResultChunk
		err    error
	}
	ch := make(chan probeResult, 1)
	go func() {
		stream, err := open(ctx, cand)
		if err != nil {
			ch <- probeResult{err: err}
			return
		}
		chunk, err := stream.Recv()
		ch <- probeResult{stream: stream, chunk: chunk, err: err}
	}()

	select {
	case <-openCtx.Done():
		// The goroutine cleans up behind itself once open/Recv returns.
		go func() {
			if res := <-ch; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return nil, nil, openCtx.Err()
	case res := <-ch:
		if res.err != nil {
			if res.stream != nil {
				_ = res.stream.Close()
			}
			if res.err == io.EOF {
				return nil, nil, models.NewServiceUnavailableError(cand.Provider.ID, "stream ended before first chunk", nil)
			}
			return nil, nil, res.err
		}
		return res.stream, &res.chunk, nil
	}
}

// trackedStream replays the probed first chunk, then forwards the inner
// stream, recording the attempt outcome when the stream finishes.
type trackedStream struct {
	requestID string
	inner     adapters.ChunkStream
	first     *models.ResultChunk
	cand      registry.Candidate
	sink      Sink
	record    models.RoutingAttempt
	started   time.Time
	usage     models.Usage
	finished  bool
}

// Recv yields the next chunk. A failure after partial delivery is surfaced
// as StreamInterrupted and recorded as a retryable failure against the
// provider's circuit; it is never silently retried.
func (t *trackedStream) Recv() (models.ResultChunk, error) {
	if t.first != nil {
		chunk := *t.first
		t.first = nil
		t.observe(chunk)
		return chunk, nil
	}
	if t.finished {
		return models.ResultChunk{}, io.EOF
	}

	chunk, err := t.inner.Recv()
	if err == io.EOF {
		t.complete(nil)
		return models.ResultChunk{}, io.EOF
	}
	if err != nil {
		wrapped := models.NewStreamInterruptedError(t.cand.Provider.ID, err)
		t.complete(wrapped)
		return models.ResultChunk{}, wrapped
	}
	t.observe(chunk)
	return chunk, nil
}

// Close releases the inner stream. Closing before the final chunk counts as
// caller abandonment, not provider failure: any half-open probe slot is
// handed back without a verdict.
func (t *trackedStream) Close() error {
	if !t.finished {
		t.finished = true
		t.cand.Breaker.ReleaseProbe()
		t.record.Latency = time.Since(t.started)
		t.record.Outcome = models.OutcomeCanceled
		t.sink.RecordAttempt(t.record)
	}
	return t.inner.Close()
}

func (t *trackedStream) observe(chunk models.ResultChunk) {
	if chunk.Usage != nil {
		t.usage = *chunk.Usage
	}
	if chunk.IsFinal {
		t.complete(nil)
	}
}

func (t *trackedStream) complete(streamErr error) {
	if t.finished {
		return
	}
	t.finished = true

	t.record.Latency = time.Since(t.started)
	if streamErr == nil {
		t.cand.Breaker.RecordSuccess()
		t.record.Outcome = models.OutcomeSuccess
		t.record.Usage = t.usage
	} else {
		t.cand.Breaker.RecordFailure()
		t.record.Outcome = models.OutcomeRetryableFailure
		t.record.ErrorKind = models.KindOf(streamErr)
		fiberlog.Warnf("[%s] stream from %s interrupted: %v", t.requestID, t.cand.Provider.ID, streamErr)
	}
	t.sink.RecordAttempt(t.record)
}
