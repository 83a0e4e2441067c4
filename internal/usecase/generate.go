package usecase

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-orchestrator/internal/domain"
)

// Generation attempt results reported to the Recorder.
const (
	attemptSuccess   = "success"
	attemptRetryable = "retryable_error"
	attemptTerminal  = "terminal_error"
)

var errEmptyAnswer = errors.New("usecase: generation returned an empty answer")

// generate calls the model with bounded retries. Rate limits, 5xx and
// transport errors are retried with exponential backoff. Timeouts, other 4xx
// and streams that already relayed text are not.
func (c *Coordinator) generate(ctx context.Context, req domain.GenerationRequest, sink io.Writer) (domain.GenerationResult, error) {
	started := c.now()
	defer func() { c.recorder.Stage(stageGenerate, c.now().Sub(started)) }()

	stream := sink != nil || req.Options.Stream
	req.Options.Stream = stream

	var lastErr error
	for attempt := 1; attempt <= c.settings.Retry.Attempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, retryBackoff(c.settings.Retry.BaseBackoff, c.settings.Retry.MaxBackoff, attempt-1)); err != nil {
				return domain.GenerationResult{}, newError(ErrorCanceled, "request_canceled", err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.settings.GenerationTimeout)
		var (
			res     domain.GenerationResult
			relayed bool
			err     error
		)
		if stream {
			res, relayed, err = c.generateStream(attemptCtx, req, sink)
		} else {
			res, err = c.generator.Generate(attemptCtx, req.Clone())
		}
		cancel()
		if err == nil && strings.TrimSpace(res.Text) == "" {
			err = errEmptyAnswer
		}

		if err == nil {
			c.recorder.GenerationAttempt(attemptSuccess)
			res.Metadata.Attempts = attempt
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			c.recorder.GenerationAttempt(attemptTerminal)
			return domain.GenerationResult{}, newError(ErrorCanceled, "request_canceled", ctx.Err())
		}
		if relayed || !isRetryable(err) {
			c.recorder.GenerationAttempt(attemptTerminal)
			return domain.GenerationResult{}, newError(ErrorGeneration, generationReason(err, relayed), err)
		}
		c.recorder.GenerationAttempt(attemptRetryable)
		c.logger.Warn("generation attempt failed",
			"attempt", attempt, "max_attempts", c.settings.Retry.Attempts, "err", err)
	}
	return domain.GenerationResult{}, newError(ErrorGeneration, "generation_retries_exhausted", lastErr)
}

// generateStream relays chunks to sink as they arrive and assembles the full
// text. A failing sink stops relaying but not assembly.
func (c *Coordinator) generateStream(ctx context.Context, req domain.GenerationRequest, sink io.Writer) (domain.GenerationResult, bool, error) {
	stream, err := c.generator.Stream(ctx, req.Clone())
	if err != nil {
		return domain.GenerationResult{}, false, err
	}
	defer stream.Close()

	var (
		b       strings.Builder
		relayed bool
	)
	for chunk, err := range stream.Chunks() {
		if err != nil {
			return domain.GenerationResult{}, relayed, err
		}
		b.WriteString(chunk)
		if sink == nil || chunk == "" {
			continue
		}
		if _, werr := io.WriteString(sink, chunk); werr != nil {
			c.logger.Warn("stream relay failed, continuing without caller", "err", werr)
			sink = nil
			continue
		}
		relayed = true
	}
	return domain.GenerationResult{Text: b.String(), Metadata: stream.Metadata()}, relayed, nil
}

func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, errEmptyAnswer):
		return true
	}
	if status, ok := upstreamStatusCode(err); ok {
		return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
	}
	return true
}

func generationReason(err error, relayed bool) string {
	switch {
	case relayed:
		return "generation_stream_interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "generation_timeout"
	case errors.Is(err, errEmptyAnswer):
		return "generation_empty"
	}
	if status, ok := upstreamStatusCode(err); ok {
		if status == http.StatusTooManyRequests {
			return "generation_rate_limited"
		}
		return "generation_rejected"
	}
	return "generation_failed"
}

// retryBackoff returns base doubled n-1 times, capped at limit.
func retryBackoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}

func (c *Coordinator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
