// Package pool provides a bounded worker pool for finite batches of feed
// and store calls, with per-job retry and optional adaptive concurrency.
package pool

import (
	"context"
	"strings"
	"time"
)

// Options configures a pool run.
type Options struct {
	InitialConcurrency int
	MaxConcurrency     int
	MinConcurrency     int
	Adaptive           bool
	Retry              bool
	MaxRetries         int
}

// DefaultOptions returns conservative settings for feed batches.
func DefaultOptions() Options {
	return Options{
		InitialConcurrency: 5,
		MaxConcurrency:     12,
		MinConcurrency:     1,
		Adaptive:           true,
		Retry:              true,
		MaxRetries:         3,
	}
}

// Result pairs one input item with its outcome. Exactly one of Value or Err
// is meaningful.
type Result[T, R any] struct {
	Item  T
	Value R
	Err   error
}

// Metrics summarizes a completed run.
type Metrics struct {
	Processed        int
	Failed           int
	Retried          int
	AvgResponseTime  time.Duration
	FinalConcurrency int
	Adjustments      int
}

const (
	adjustEvery      = 20
	responseWindow   = 20
	errorRateWindow  = 10
	slowResponse     = 5 * time.Second
	fastResponse     = 2 * time.Second
	shrinkErrorRate  = 0.10
	growErrorRate    = 0.05
	shrinkFactor     = 0.8
)

// IsRateLimited reports whether an error text indicates a feed rate limit;
// such failures back off harder before the next attempt.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "-1003") ||
		strings.Contains(strings.ToLower(msg), "rate limit")
}

type completion[T, R any] struct {
	index    int
	result   Result[T, R]
	attempts int
	elapsed  time.Duration
}

// Run processes every item through process with at most the pool's current
// concurrency in flight. Jobs retry in place with exponential backoff
// (2^attempt seconds, 5s*attempt on rate limits) so the in-flight bound
// also covers backoff sleeps. Completion order is unspecified.
func Run[T, R any](ctx context.Context, items []T, process func(context.Context, T) (R, error), opts Options) ([]Result[T, R], Metrics) {
	if opts.InitialConcurrency <= 0 {
		opts.InitialConcurrency = 1
	}
	if opts.MinConcurrency <= 0 {
		opts.MinConcurrency = 1
	}
	if opts.MaxConcurrency < opts.InitialConcurrency {
		opts.MaxConcurrency = opts.InitialConcurrency
	}

	results := make([]Result[T, R], len(items))
	metrics := Metrics{FinalConcurrency: opts.InitialConcurrency}
	if len(items) == 0 {
		return results, metrics
	}

	current := opts.InitialConcurrency
	done := make(chan completion[T, R], len(items))
	next := 0
	inFlight := 0
	completed := 0

	var responseTimes []time.Duration
	var outcomes []bool // true = failed
	var totalResponse time.Duration

	launch := func(index int) {
		inFlight++
		go func(i int, item T) {
			start := time.Now()
			attempts := 0
			var value R
			var err error
			for {
				attempts++
				value, err = process(ctx, item)
				if err == nil || !opts.Retry || attempts > opts.MaxRetries || ctx.Err() != nil {
					break
				}
				delay := time.Duration(1<<uint(attempts)) * time.Second
				if IsRateLimited(err) {
					delay = time.Duration(attempts) * 5 * time.Second
				}
				select {
				case <-ctx.Done():
				case <-time.After(delay):
				}
				if ctx.Err() != nil {
					break
				}
			}
			done <- completion[T, R]{
				index:    i,
				result:   Result[T, R]{Item: item, Value: value, Err: err},
				attempts: attempts,
				elapsed:  time.Since(start),
			}
		}(index, items[index])
	}

	for completed < len(items) {
		for inFlight < current && next < len(items) {
			launch(next)
			next++
		}

		c := <-done
		inFlight--
		completed++
		results[c.index] = c.result

		metrics.Retried += c.attempts - 1
		if c.result.Err != nil {
			metrics.Failed++
		} else {
			metrics.Processed++
		}

		totalResponse += c.elapsed
		responseTimes = append(responseTimes, c.elapsed)
		if len(responseTimes) > responseWindow {
			responseTimes = responseTimes[1:]
		}
		outcomes = append(outcomes, c.result.Err != nil)
		if len(outcomes) > errorRateWindow {
			outcomes = outcomes[1:]
		}

		if opts.Adaptive && completed%adjustEvery == 0 {
			if adjusted := adjust(&current, opts, responseTimes, outcomes); adjusted {
				metrics.Adjustments++
			}
		}
	}

	metrics.AvgResponseTime = totalResponse / time.Duration(len(items))
	metrics.FinalConcurrency = current
	return results, metrics
}

func adjust(current *int, opts Options, responses []time.Duration, outcomes []bool) bool {
	if len(responses) == 0 {
		return false
	}
	var sum time.Duration
	for _, d := range responses {
		sum += d
	}
	avg := sum / time.Duration(len(responses))

	failures := 0
	for _, failed := range outcomes {
		if failed {
			failures++
		}
	}
	errRate := float64(failures) / float64(len(outcomes))

	switch {
	case avg > slowResponse || errRate > shrinkErrorRate:
		shrunk := int(float64(*current) * shrinkFactor)
		if shrunk < opts.MinConcurrency {
			shrunk = opts.MinConcurrency
		}
		if shrunk != *current {
			*current = shrunk
			return true
		}
	case avg < fastResponse && errRate < growErrorRate:
		if *current < opts.MaxConcurrency {
			*current++
			return true
		}
	}
	return false
}
