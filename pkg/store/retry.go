// retry.go retries store writes that fail on transient SQLite contention.
//
// The relay writes from every connection goroutine while `sm log` and
// `sm nodes` may read the same WAL database from another process. The
// busy_timeout pragma absorbs most SQLITE_BUSY errors at the connection
// level; the rest (SQLITE_LOCKED, IOERR_SHORT_READ) are retried here with
// exponential backoff and jitter.
package store

import (
	"math/rand/v2"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// defaultRetryConfig is used for all store write operations.
var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientPatterns are the fragments modernc.org/sqlite puts in the
// messages of errors worth retrying: SQLITE_BUSY (5), SQLITE_LOCKED (6)
// and SQLITE_IOERR_SHORT_READ (522).
var transientPatterns = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

// isTransientSQLiteErr reports whether retrying err may succeed.
func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails permanently, or cfg.maxRetries
// retries are spent. The last error is returned.
func retryOp(cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransientSQLiteErr(err) || attempt >= cfg.maxRetries {
			return err
		}
		time.Sleep(backoffDelay(cfg, attempt))
	}
}

// backoffDelay is min(baseDelay * 2^attempt, maxDelay) plus a jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.maxDelay
	if attempt < 32 {
		if d := cfg.baseDelay << uint(attempt); d > 0 && d < delay {
			delay = d
		}
	}
	return delay + rand.N(cfg.baseDelay)
}
