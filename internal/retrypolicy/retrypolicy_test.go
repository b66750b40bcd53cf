package retrypolicy_test

import (
	"errors"
	"testing"
	"time"

	"conveyor/internal/retrypolicy"
	"conveyor/internal/services"
)

func testPolicy() retrypolicy.Policy {
	return retrypolicy.Policy{
		BaseDelay:           500 * time.Millisecond,
		CapDelay:            time.Minute,
		SubstrateRetryDelay: 250 * time.Millisecond,
	}
}

func TestDecide(t *testing.T) {
	policy := testPolicy()
	transient := services.Wrap(services.ErrTransient, "sync", "push", "platform returned 503", errors.New("503"))
	terminal := services.Wrap(services.ErrValidation, "parse", "decode", "unsupported mime type", nil)

	tests := []struct {
		name         string
		attemptsMade int
		maxAttempts  int
		err          error
		wantRetry    bool
		wantTerminal bool
		wantDelay    time.Duration
	}{
		{
			name:         "first failure retries at base delay",
			attemptsMade: 1,
			maxAttempts:  3,
			err:          transient,
			wantRetry:    true,
			wantDelay:    500 * time.Millisecond,
		},
		{
			name:         "second failure doubles the delay",
			attemptsMade: 2,
			maxAttempts:  3,
			err:          transient,
			wantRetry:    true,
			wantDelay:    time.Second,
		},
		{
			name:         "exhausted attempts are terminal",
			attemptsMade: 3,
			maxAttempts:  3,
			err:          transient,
			wantTerminal: true,
		},
		{
			name:         "validation failure is terminal on the first attempt",
			attemptsMade: 1,
			maxAttempts:  3,
			err:          terminal,
			wantTerminal: true,
		},
		{
			name:         "plain error is treated as transient",
			attemptsMade: 1,
			maxAttempts:  3,
			err:          errors.New("boom"),
			wantRetry:    true,
			wantDelay:    500 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.Decide(tc.attemptsMade, tc.maxAttempts, tc.err)
			if got.Retry != tc.wantRetry || got.Terminal != tc.wantTerminal {
				t.Fatalf("Decide(%d, %d) = %+v", tc.attemptsMade, tc.maxAttempts, got)
			}
			if tc.wantRetry && got.Delay != tc.wantDelay {
				t.Fatalf("expected delay %v, got %v", tc.wantDelay, got.Delay)
			}
		})
	}
}

func TestBackoffDelayMonotonicAndCapped(t *testing.T) {
	policy := testPolicy()

	var prev time.Duration
	for attempt := 1; attempt <= 20; attempt++ {
		delay := policy.BackoffDelay(attempt)
		if delay < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, delay, prev)
		}
		if delay > policy.CapDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %v", attempt, delay)
		}
		prev = delay
	}
	if policy.BackoffDelay(20) != policy.CapDelay {
		t.Fatalf("large attempt counts must saturate at the cap, got %v", policy.BackoffDelay(20))
	}
}
