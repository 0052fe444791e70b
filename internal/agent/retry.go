package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/warp-terra/repoagent/internal/backoff"
	"github.com/warp-terra/repoagent/internal/tools"
	"github.com/warp-terra/repoagent/pkg/models"
)

// Rate-limit retry configuration.
const (
	maxInvokeAttempts = 3
	defaultRetryDelay = 10 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// retryDelayPattern extracts the provider-suggested wait from messages
// like "429 ... retry in 2.5s". Providers changing this shape degrade to
// the default delay.
var retryDelayPattern = regexp.MustCompile(`(?i)retry\s+in\s+([\d.]+)s`)

// isRateLimited reports whether the error looks like a rate-limit
// rejection from either provider dialect.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// retryDelayFrom picks the wait before the next attempt, clamped to
// maxRetryDelay.
func retryDelayFrom(err error) time.Duration {
	match := retryDelayPattern.FindStringSubmatch(err.Error())
	if len(match) != 2 {
		return defaultRetryDelay
	}
	seconds, parseErr := strconv.ParseFloat(match[1], 64)
	if parseErr != nil {
		return defaultRetryDelay
	}
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// invokeWithRetry wraps one model invocation with rate-limit retries. Up
// to maxInvokeAttempts attempts are made; other errors propagate
// immediately.
func invokeWithRetry(ctx context.Context, rt Runtime, history History, decls []tools.Declaration, sink EventSink) (*ModelTurn, error) {
	var lastErr error
	for attempt := 1; attempt <= maxInvokeAttempts; attempt++ {
		turn, err := rt.Invoke(ctx, history, decls)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if !isRateLimited(err) {
			return nil, err
		}
		if attempt >= maxInvokeAttempts {
			emit(sink, models.EventRateLimitFailed, map[string]any{
				"max_retries": maxInvokeAttempts,
			})
			return nil, err
		}

		delay := retryDelayFrom(err)
		emit(sink, models.EventRateLimitRetry, map[string]any{
			"attempt":       attempt,
			"delay_seconds": delay.Seconds(),
		})
		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, lastErr
}
