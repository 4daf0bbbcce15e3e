package rdma

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// fallbackErrorRate is the error rate above which RDMA is abandoned.
const fallbackErrorRate = 0.10

var (
	recoverableIOPatterns = []string{"retry", "temporary", "timeout", "connection"}
	fallbackPatterns      = []string{"hardware", "device not found", "driver", "not supported", "capability"}
)

// RecoverableConnection is the part of a Connection the error handler
// drives during recovery.
type RecoverableConnection interface {
	Reset(ctx context.Context) error
	State() ConnectionState
}

// ErrorHandler classifies RDMA failures and owns the retry policy.
// Callers that want resilience route operations through ExecuteWithRetry.
type ErrorHandler struct {
	stats      *Statistics
	maxRetries int
	retryDelay time.Duration
}

// NewErrorHandler creates an error handler that records into stats.
func NewErrorHandler(stats *Statistics, maxRetries int, retryDelay time.Duration) *ErrorHandler {
	if stats == nil {
		stats = NewStatistics()
	}

	return &ErrorHandler{
		stats:      stats,
		maxRetries: max(maxRetries, 0),
		retryDelay: max(retryDelay, 0),
	}
}

// MaxRetries returns the retry bound.
func (h *ErrorHandler) MaxRetries() int { return h.maxRetries }

// RetryDelay returns the pause between attempts.
func (h *ErrorHandler) RetryDelay() time.Duration { return h.retryDelay }

func containsAny(msg string, patterns []string) bool {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRecoverableError reports whether err is worth a reset and retry.
// Timeouts always are. Network errors are unless proven otherwise. Other
// I/O errors need a transient hint in their message. Everything else,
// state errors included, is not.
func (h *ErrorHandler) IsRecoverableError(err error) bool {
	switch {
	case err == nil:
		return false
	case isStateError(err):
		return false
	case isTimeout(err):
		return true
	case isNetworkError(err):
		// Resets and unreachable routes are transient; so is anything
		// the network layer reports that we do not recognise.
		return true
	case isIOError(err):
		return containsAny(err.Error(), recoverableIOPatterns)
	default:
		return false
	}
}

// HandleError records err and, when it is recoverable, tries to bring
// conn back to ESTABLISHED. It reports whether the connection recovered.
func (h *ErrorHandler) HandleError(ctx context.Context, conn RecoverableConnection, err error) bool {
	h.stats.RecordError()

	if !h.IsRecoverableError(err) {
		log.Debug().Err(err).Msg("RDMA error is not recoverable")
		return false
	}

	return h.AttemptRecovery(ctx, conn)
}

// AttemptRecovery resets conn up to MaxRetries times, pausing RetryDelay
// before each reset. It stops early once the connection is ESTABLISHED or
// ctx is done.
func (h *ErrorHandler) AttemptRecovery(ctx context.Context, conn RecoverableConnection) bool {
	if conn == nil {
		return false
	}

	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		if err := sleepContext(ctx, h.retryDelay); err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("RDMA recovery interrupted")
			return false
		}

		if err := conn.Reset(ctx); err != nil {
			log.Debug().Err(err).Int("attempt", attempt).Msg("RDMA connection reset failed")
		}

		if conn.State() == StateEstablished {
			log.Info().Int("attempt", attempt).Msg("RDMA connection recovered")
			return true
		}
	}

	log.Warn().Int("attempts", h.maxRetries).Msg("RDMA connection recovery failed")

	return false
}

// ShouldFallbackToTCP reports whether the caller should stop using RDMA:
// the error points at missing hardware or support, or the recorded error
// rate is above 10%.
func (h *ErrorHandler) ShouldFallbackToTCP(err error) bool {
	if err != nil && containsAny(err.Error(), fallbackPatterns) {
		return true
	}

	return h.stats.ErrorRate() > fallbackErrorRate
}

// ExecuteWithRetry runs op, retrying it after a successful recovery of conn
// while the failure is recoverable and retries remain. op runs at most
// MaxRetries+1 times. The returned error is an *IOError naming the attempt
// count and wrapping the last failure.
func ExecuteWithRetry[T any](ctx context.Context, h *ErrorHandler, conn RecoverableConnection, op func(ctx context.Context) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
		attempt int
	)

	for {
		attempt++

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		lastErr = err
		h.stats.RecordError()

		log.Debug().Err(err).Int("attempt", attempt).Msg("RDMA operation failed")

		if attempt > h.maxRetries || !h.IsRecoverableError(err) {
			break
		}

		if !h.AttemptRecovery(ctx, conn) {
			break
		}

		if err := sleepContext(ctx, h.retryDelay); err != nil {
			lastErr = err
			break
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
	}

	if attempt > h.maxRetries {
		lastErr = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
	}

	return zero, &IOError{Op: attemptsOp(attempt), Err: lastErr}
}

func attemptsOp(n int) string {
	if n == 1 {
		return "operation failed after 1 attempt"
	}

	return fmt.Sprintf("operation failed after %d attempts", n)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
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
