package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunProcessesAllItems(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}

	results, metrics := Run(context.Background(), items, func(_ context.Context, n int) (int, error) {
		return n * 2, nil
	}, Options{InitialConcurrency: 8, MaxConcurrency: 8})

	if metrics.Processed != 50 || metrics.Failed != 0 {
		t.Fatalf("processed=%d failed=%d", metrics.Processed, metrics.Failed)
	}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error for %d: %v", r.Item, r.Err)
		}
		if r.Value != r.Item*2 {
			t.Errorf("item %d: got %d", r.Item, r.Value)
		}
	}
}

func TestRunNeverExceedsConcurrency(t *testing.T) {
	items := make([]int, 40)
	var inFlight, peak int64

	Run(context.Background(), items, func(_ context.Context, _ int) (struct{}, error) {
		n := atomic.AddInt64(&inFlight, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return struct{}{}, nil
	}, Options{InitialConcurrency: 4, MaxConcurrency: 4})

	if peak > 4 {
		t.Errorf("peak in-flight %d exceeded limit 4", peak)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var calls sync.Map

	results, metrics := Run(context.Background(), []string{"a", "b"}, func(_ context.Context, s string) (string, error) {
		n, _ := calls.LoadOrStore(s, new(int64))
		count := atomic.AddInt64(n.(*int64), 1)
		if s == "a" && count == 1 {
			return "", errors.New("transient")
		}
		return s + "!", nil
	}, Options{InitialConcurrency: 2, MaxConcurrency: 2, Retry: true, MaxRetries: 2})

	if metrics.Failed != 0 {
		t.Fatalf("expected no terminal failures, got %d", metrics.Failed)
	}
	if metrics.Retried != 1 {
		t.Errorf("expected 1 retry, got %d", metrics.Retried)
	}
	for _, r := range results {
		if r.Value != r.Item+"!" {
			t.Errorf("item %s: got %q", r.Item, r.Value)
		}
	}
}

func TestRunExhaustsRetries(t *testing.T) {
	_, metrics := Run(context.Background(), []int{1}, func(_ context.Context, _ int) (int, error) {
		return 0, errors.New("permanent")
	}, Options{InitialConcurrency: 1, MaxConcurrency: 1, Retry: true, MaxRetries: 1})

	if metrics.Failed != 1 {
		t.Errorf("expected 1 failure, got %d", metrics.Failed)
	}
	if metrics.Retried != 1 {
		t.Errorf("expected 1 retry before giving up, got %d", metrics.Retried)
	}
}

func TestRunEmptyInput(t *testing.T) {
	results, metrics := Run(context.Background(), nil, func(_ context.Context, _ int) (int, error) {
		t.Fatal("processor must not run")
		return 0, nil
	}, DefaultOptions())

	if len(results) != 0 || metrics.Processed != 0 {
		t.Errorf("empty input produced results")
	}
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("API error: 429 Too Many Requests"), true},
		{errors.New(`{"code":-1003,"msg":"Too much request weight"}`), true},
		{fmt.Errorf("feed: Rate Limit exceeded"), true},
		{errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		if got := IsRateLimited(tt.err); got != tt.want {
			t.Errorf("IsRateLimited(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestAdjustShrinksOnErrors(t *testing.T) {
	current := 10
	outcomes := []bool{true, true, false, false, false, false, false, false, false, false} // 20%
	if !adjust(&current, Options{MinConcurrency: 2, MaxConcurrency: 12}, []time.Duration{time.Second}, outcomes) {
		t.Fatal("expected an adjustment")
	}
	if current != 8 {
		t.Errorf("expected shrink to 8, got %d", current)
	}
}

func TestAdjustGrowsWhenHealthy(t *testing.T) {
	current := 5
	outcomes := make([]bool, 10)
	if !adjust(&current, Options{MinConcurrency: 1, MaxConcurrency: 12}, []time.Duration{500 * time.Millisecond}, outcomes) {
		t.Fatal("expected an adjustment")
	}
	if current != 6 {
		t.Errorf("expected growth to 6, got %d", current)
	}
}

func TestAdjustRespectsBounds(t *testing.T) {
	current := 12
	outcomes := make([]bool, 10)
	if adjust(&current, Options{MinConcurrency: 1, MaxConcurrency: 12}, []time.Duration{100 * time.Millisecond}, outcomes) {
		t.Error("must not grow past max")
	}

	current = 2
	allFailed := []bool{true, true, true, true, true, true, true, true, true, true}
	adjust(&current, Options{MinConcurrency: 2, MaxConcurrency: 12}, []time.Duration{time.Second}, allFailed)
	if current < 2 {
		t.Errorf("shrunk below min: %d", current)
	}
}
