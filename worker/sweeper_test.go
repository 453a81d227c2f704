package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/webhooks/delivery"
	"github.com/xraph/webhooks/worker"
)

type countingRetrier struct {
	calls atomic.Int32
	limit atomic.Int32
	err   error
}

func (r *countingRetrier) RetryDue(_ context.Context, ownerID string, limit int) (*delivery.SweepResult, error) {
	if ownerID != "" {
		return nil, errors.New("sweeps span all owners")
	}
	r.calls.Add(1)
	r.limit.Store(int32(limit))
	if r.err != nil {
		return nil, r.err
	}
	return &delivery.SweepResult{Processed: 1, Succeeded: 1}, nil
}

func TestSweepWithoutLock(t *testing.T) {
	r := &countingRetrier{}
	s := worker.NewSweeper(r, worker.Config{BatchLimit: 25})

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if r.limit.Load() != 25 {
		t.Fatalf("batch limit not passed through, got %d", r.limit.Load())
	}
}

func TestSweepPropagatesErrors(t *testing.T) {
	r := &countingRetrier{err: errors.New("store down")}
	s := worker.NewSweeper(r, worker.Config{})

	if _, err := s.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestStartStop(t *testing.T) {
	r := &countingRetrier{}
	s := worker.NewSweeper(r, worker.Config{Interval: 5 * time.Millisecond})

	s.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for r.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()

	if r.calls.Load() < 3 {
		t.Fatalf("expected at least 3 sweeps, got %d", r.calls.Load())
	}

	after := r.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if r.calls.Load() != after {
		t.Fatal("sweeps continued after Stop")
	}
}
