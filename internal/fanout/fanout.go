package fanout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultPerReplicaTimeout is the default timeout for each replica RPC.
	DefaultPerReplicaTimeout = 2 * time.Second
)

// Result is the outcome of one call.
type Result[T any] struct {
	Target string
	Value  T
	Err    error
}

// All calls fn for every target concurrently and waits for all of them.
// A failing target does not cancel the others. Results are in target order.
// A timeout > 0 bounds each call.
func All[T any](ctx context.Context, targets []string, timeout time.Duration, fn func(ctx context.Context, target string) (T, error)) []Result[T] {
	results := make([]Result[T], len(targets))
	var g errgroup.Group
	for i, target := range targets {
		g.Go(func() error {
			callCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			v, err := fn(callCtx, target)
			results[i] = Result[T]{Target: target, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Limit is All with at most n calls in flight.
func Limit[T any](ctx context.Context, targets []string, n int, fn func(ctx context.Context, target string) (T, error)) []Result[T] {
	results := make([]Result[T], len(targets))
	var g errgroup.Group
	if n > 0 {
		g.SetLimit(n)
	}
	for i, target := range targets {
		g.Go(func() error {
			v, err := fn(ctx, target)
			results[i] = Result[T]{Target: target, Value: v, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Consistency is the number of replica acks a write waits for.
type Consistency int

const (
	One Consistency = iota
	Quorum
	AllReplicas
)

func (c Consistency) String() string {
	switch c {
	case One:
		return "ONE"
	case Quorum:
		return "QUORUM"
	case AllReplicas:
		return "ALL"
	default:
		return "UNKNOWN"
	}
}

// ParseConsistency parses ONE, QUORUM or ALL.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ONE", "":
		return One, nil
	case "QUORUM":
		return Quorum, nil
	case "ALL":
		return AllReplicas, nil
	default:
		return 0, fmt.Errorf("unknown consistency level %q", s)
	}
}

// Required returns how many of n replicas must ack.
func (c Consistency) Required(n int) int {
	switch c {
	case One:
		return 1
	case AllReplicas:
		return n
	default:
		return n/2 + 1
	}
}

// WriteResult represents the result of a fanned-out write.
type WriteResult struct {
	Success      bool
	Acks         int
	Required     int
	Replicas     int
	Failed       []string
	ErrorMessage string
}

// Write sends fn to every replica and succeeds when at least required acks
// arrive. Every replica is attempted, so callers learn which ones failed
// and can store hints for them.
func Write(ctx context.Context, replicas []string, required int, timeout time.Duration, fn func(ctx context.Context, replica string) error) WriteResult {
	if len(replicas) == 0 {
		return WriteResult{ErrorMessage: "no replicas provided"}
	}
	if required <= 0 {
		required = len(replicas)/2 + 1
	}
	if required > len(replicas) {
		return WriteResult{
			Required:     required,
			Replicas:     len(replicas),
			ErrorMessage: fmt.Sprintf("required W=%d exceeds replica count=%d", required, len(replicas)),
		}
	}
	if timeout <= 0 {
		timeout = DefaultPerReplicaTimeout
	}

	results := All(ctx, replicas, timeout, func(ctx context.Context, replica string) (struct{}, error) {
		return struct{}{}, fn(ctx, replica)
	})

	res := WriteResult{Required: required, Replicas: len(replicas)}
	var errs []string
	for _, r := range results {
		if r.Err == nil {
			res.Acks++
			continue
		}
		res.Failed = append(res.Failed, r.Target)
		errs = append(errs, fmt.Sprintf("replica %s: %v", r.Target, r.Err))
	}
	if res.Acks >= required {
		res.Success = true
		return res
	}

	res.ErrorMessage = fmt.Sprintf("quorum not met: acks=%d required=%d replicas=%d", res.Acks, required, len(replicas))
	if len(errs) > 0 {
		res.ErrorMessage += fmt.Sprintf(" errors=%v", errs[:min(3, len(errs))])
	}
	return res
}
