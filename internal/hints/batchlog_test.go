package hints

import (
	"context"
	"errors"
	"testing"

	"kvrepair/internal/sentinel"
)

func TestBatchlog_ReplayRequiresStart(t *testing.T) {
	applied := 0
	b := NewBatchlog(func(context.Context, BatchEntry) error { applied++; return nil }, nil, nil)
	b.Add("ks", "tbl", frag)

	if _, err := b.Replay(context.Background()); !errors.Is(err, sentinel.ErrHandlerUninitialized) {
		t.Fatalf("expected ErrHandlerUninitialized, got %v", err)
	}

	b.Start()
	n, err := b.Replay(context.Background())
	if err != nil || n != 1 || applied != 1 || b.Pending() != 0 {
		t.Fatalf("Replay = %d, %v (applied %d, pending %d)", n, err, applied, b.Pending())
	}
}

func TestBatchlog_FailedEntriesStay(t *testing.T) {
	b := NewBatchlog(func(_ context.Context, e BatchEntry) error {
		if e.Table == "bad" {
			return errors.New("replica down")
		}
		return nil
	}, nil, nil)
	b.Start()
	b.Add("ks", "good", frag)
	b.Add("ks", "bad", frag)

	n, err := b.Replay(context.Background())
	if err == nil || n != 1 || b.Pending() != 1 {
		t.Fatalf("Replay = %d, %v, pending %d", n, err, b.Pending())
	}
}

func TestBatchlog_Remove(t *testing.T) {
	b := NewBatchlog(nil, nil, nil)
	id := b.Add("ks", "tbl", frag)
	b.Remove(id)
	if b.Pending() != 0 {
		t.Error("Remove did not drop the entry")
	}
}
