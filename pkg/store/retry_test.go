package store

import (
	"errors"
	"testing"
	"time"
)

func TestIsTransientSQLiteErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"non-transient", errors.New("UNIQUE constraint failed: nodes.uuid"), false},
		{"SQLITE_BUSY text", errors.New("SQLITE_BUSY"), true},
		{"SQLITE_LOCKED text", errors.New("SQLITE_LOCKED"), true},
		{"IOERR_SHORT_READ text", errors.New("IOERR_SHORT_READ"), true},
		{"database is locked", errors.New("database is locked"), true},
		{"database table is locked", errors.New("database table is locked"), true},
		{"code 5", errors.New("sqlite: (5) database is busy"), true},
		{"code 522", errors.New("sqlite: (522) short read"), true},
		{"wrapped busy", errors.New("upsert node abc: SQLITE_BUSY"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientSQLiteErr(tt.err); got != tt.want {
				t.Errorf("isTransientSQLiteErr(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryOp(t *testing.T) {
	fast := retryConfig{maxRetries: 2, baseDelay: time.Millisecond, maxDelay: 5 * time.Millisecond}
	permanent := errors.New("no such table: nodes")

	tests := []struct {
		name      string
		cfg       retryConfig
		failures  int
		failWith  error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds immediately", fast, 0, nil, 1, false},
		{"permanent error not retried", fast, 10, permanent, 1, true},
		{"transient then success", fast, 2, errors.New("SQLITE_BUSY"), 3, false},
		{"retries exhausted", fast, 10, errors.New("database is locked"), 3, true},
		{"zero retries means one attempt", retryConfig{baseDelay: time.Millisecond, maxDelay: time.Millisecond}, 10, errors.New("SQLITE_BUSY"), 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryOp(tt.cfg, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := retryConfig{baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}

	for attempt, lo := range []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		d := backoffDelay(cfg, attempt)
		if d < lo || d >= lo+cfg.baseDelay {
			t.Errorf("attempt %d delay %v not in [%v, %v)", attempt, d, lo, lo+cfg.baseDelay)
		}
	}
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	cfg := retryConfig{baseDelay: 100 * time.Millisecond, maxDelay: 200 * time.Millisecond}

	if d := backoffDelay(cfg, 5); d >= 300*time.Millisecond {
		t.Errorf("attempt 5 delay %v should be capped near 200ms", d)
	}
	if d := backoffDelay(cfg, 62); d >= 300*time.Millisecond {
		t.Errorf("overflowing shift gave %v, want capped", d)
	}
}
