package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v75/github"
)

func githubErrorResponse(status int, message string) *github.ErrorResponse {
	req, _ := http.NewRequest(http.MethodGet, "https://api.github.com/repos/octo/demo/commits", nil)
	return &github.ErrorResponse{
		Response: &http.Response{StatusCode: status, Request: req, Header: make(http.Header)},
		Message:  message,
	}
}

func rateLimitError() error {
	return githubErrorResponse(http.StatusForbidden, "API rate limit exceeded for user ID 1.")
}

type sleepRecorder struct {
	waits []time.Duration
	err   error
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func newTestExecutor(retry RetryConfig, recorder *sleepRecorder) *Executor {
	executor := NewExecutor(retry, nil)
	executor.Sleep = recorder.sleep
	return executor
}

func TestExecutorDo(t *testing.T) {
	t.Parallel()

	retry := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     3 * time.Second,
	}
	permanent := githubErrorResponse(http.StatusNotFound, "Not Found")

	testCases := []struct {
		name      string
		failures  []error
		wantCalls int
		wantWaits []time.Duration
		wantErr   error
	}{
		{
			name:      "succeeds_first_try",
			wantCalls: 1,
		},
		{
			name:      "retries_rate_limit_then_succeeds",
			failures:  []error{rateLimitError(), rateLimitError()},
			wantCalls: 3,
			wantWaits: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name:      "does_not_retry_other_errors",
			failures:  []error{permanent},
			wantCalls: 1,
			wantErr:   permanent,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			recorder := &sleepRecorder{}
			executor := newTestExecutor(retry, recorder)
			calls := 0
			err := executor.Do(context.Background(), "test.op", func(context.Context) error {
				calls++
				if calls <= len(tc.failures) {
					return tc.failures[calls-1]
				}
				return nil
			})

			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Do() error = %v, want %v", err, tc.wantErr)
				}
			} else if err != nil {
				t.Fatalf("Do() unexpected error: %v", err)
			}
			if calls != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tc.wantCalls)
			}
			if len(recorder.waits) != len(tc.wantWaits) {
				t.Fatalf("waits = %v, want %v", recorder.waits, tc.wantWaits)
			}
			for i := range tc.wantWaits {
				if recorder.waits[i] != tc.wantWaits[i] {
					t.Fatalf("waits[%d] = %s, want %s", i, recorder.waits[i], tc.wantWaits[i])
				}
			}
		})
	}
}

func TestExecutorRetryCeiling(t *testing.T) {
	t.Parallel()

	for _, maxRetries := range []int{0, 1, 3, 5} {
		maxRetries := maxRetries
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			t.Parallel()

			recorder := &sleepRecorder{}
			executor := newTestExecutor(RetryConfig{
				MaxRetries:     maxRetries,
				InitialBackoff: time.Second,
				MaxBackoff:     4 * time.Second,
			}, recorder)

			original := rateLimitError()
			calls := 0
			retried := 0
			executor.OnRetry = func(string, int, time.Duration) { retried++ }

			_, err := Call(context.Background(), executor, "test.op", func(context.Context) (int, error) {
				calls++
				return 0, original
			})
			if !errors.Is(err, original) {
				t.Fatalf("Call() error = %v, want original rate limit error", err)
			}
			if calls != maxRetries+1 {
				t.Fatalf("calls = %d, want %d", calls, maxRetries+1)
			}
			if retried != maxRetries {
				t.Fatalf("retries = %d, want %d", retried, maxRetries)
			}
			for _, wait := range recorder.waits {
				if wait > 4*time.Second {
					t.Fatalf("wait %s exceeds cap", wait)
				}
			}
		})
	}
}

func TestExecutorStopsWhenContextDone(t *testing.T) {
	t.Parallel()

	recorder := &sleepRecorder{err: context.Canceled}
	executor := newTestExecutor(DefaultRetryConfig(), recorder)
	original := rateLimitError()
	calls := 0

	err := executor.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return original
	})
	if !errors.Is(err, original) {
		t.Fatalf("Do() error = %v, want original error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExecutorUsesRetryAfterHint(t *testing.T) {
	t.Parallel()

	recorder := &sleepRecorder{}
	executor := newTestExecutor(RetryConfig{
		MaxRetries:     1,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}, recorder)

	hint := 10 * time.Second
	req, _ := http.NewRequest(http.MethodGet, "https://api.github.com/search/issues", nil)
	abuse := &github.AbuseRateLimitError{
		Response:   &http.Response{StatusCode: http.StatusForbidden, Request: req},
		Message:    "You have exceeded a secondary rate limit",
		RetryAfter: &hint,
	}
	calls := 0
	_ = executor.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		if calls == 1 {
			return abuse
		}
		return nil
	})
	if len(recorder.waits) != 1 || recorder.waits[0] != hint {
		t.Fatalf("waits = %v, want [%s]", recorder.waits, hint)
	}
}

func TestNilExecutorRunsOnce(t *testing.T) {
	t.Parallel()

	var executor *Executor
	calls := 0
	err := executor.Do(context.Background(), "test.op", func(context.Context) error {
		calls++
		return rateLimitError()
	})
	if err == nil {
		t.Fatalf("Do() expected error, got nil")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestBackoffForAttempt(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 10, want: 5 * time.Second},
	}
	for _, tc := range testCases {
		if got := backoffForAttempt(time.Second, 5*time.Second, tc.attempt); got != tc.want {
			t.Fatalf("backoffForAttempt(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := SleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("SleepContext() error = %v, want context.Canceled", err)
	}
	if err := SleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("SleepContext() unexpected error: %v", err)
	}
}
