package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAll_JoinsEveryTarget(t *testing.T) {
	targets := []string{"r1", "r2", "r3"}
	results := All(context.Background(), targets, 0, func(ctx context.Context, target string) (string, error) {
		if target == "r2" {
			return "", errors.New("replica failed")
		}
		time.Sleep(5 * time.Millisecond)
		return "ok-" + target, nil
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Target != targets[i] {
			t.Errorf("result %d is for %s, want %s", i, r.Target, targets[i])
		}
	}
	if results[1].Err == nil {
		t.Error("expected r2 to fail")
	}
	if results[0].Value != "ok-r1" || results[2].Value != "ok-r3" {
		t.Error("a failing target must not cancel the others")
	}
}

func TestAll_PerCallTimeout(t *testing.T) {
	results := All(context.Background(), []string{"slow"}, 10*time.Millisecond, func(ctx context.Context, _ string) (int, error) {
		select {
		case <-time.After(time.Second):
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", results[0].Err)
	}
}

func TestLimit_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	targets := []string{"a", "b", "c", "d", "e", "f"}
	Limit(context.Background(), targets, 2, func(ctx context.Context, _ string) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	})
	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds limit 2", peak.Load())
	}
}

func TestWrite_QuorumAndFailedReplicas(t *testing.T) {
	replicas := []string{"r1", "r2", "r3"}
	fn := func(ctx context.Context, replica string) error {
		if replica == "r3" {
			return errors.New("replica down")
		}
		return nil
	}

	res := Write(context.Background(), replicas, Quorum.Required(3), 0, fn)
	if !res.Success || res.Acks != 2 {
		t.Fatalf("expected quorum success with 2 acks: %+v", res)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "r3" {
		t.Errorf("Failed = %v", res.Failed)
	}

	res = Write(context.Background(), replicas, AllReplicas.Required(3), 0, fn)
	if res.Success || res.ErrorMessage == "" {
		t.Errorf("ALL must fail with one replica down: %+v", res)
	}
}

func TestWrite_InvalidArguments(t *testing.T) {
	noop := func(context.Context, string) error { return nil }
	if res := Write(context.Background(), nil, 1, 0, noop); res.Success {
		t.Error("no replicas must fail")
	}
	if res := Write(context.Background(), []string{"r1"}, 2, 0, noop); res.Success {
		t.Error("required above replica count must fail")
	}
}

func TestConsistency(t *testing.T) {
	tests := []struct {
		in   string
		want Consistency
		n    int
		req  int
	}{
		{"one", One, 3, 1},
		{"QUORUM", Quorum, 3, 2},
		{"all", AllReplicas, 3, 3},
		{"", One, 2, 1},
	}
	for _, tt := range tests {
		c, err := ParseConsistency(tt.in)
		if err != nil || c != tt.want {
			t.Errorf("ParseConsistency(%q) = %v, %v", tt.in, c, err)
		}
		if got := c.Required(tt.n); got != tt.req {
			t.Errorf("%s.Required(%d) = %d, want %d", c, tt.n, got, tt.req)
		}
	}
	if _, err := ParseConsistency("two"); err == nil {
		t.Error("expected error for unknown level")
	}
}
