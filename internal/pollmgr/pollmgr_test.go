package pollmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pulsar-relay/relay/internal/message"
)

func noCatchUp(topic string, since string) ([]message.Message, error) { return nil, nil }

func TestPollReturnsImmediatelyWhenCatchUpHasData(t *testing.T) {
	mgr := New(nil)
	defer mgr.Close()

	catchUp := func(topic string, since string) ([]message.Message, error) {
		return []message.Message{{MessageID: "msg_1", Topic: topic}}, nil
	}

	msgs, _, err := mgr.Poll(context.Background(), "alice", []string{"notes"}, nil, time.Second, catchUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message from catch-up, got %d", len(msgs))
	}
}

func TestPollWakesOnDeliver(t *testing.T) {
	mgr := New(nil)
	defer mgr.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got []message.Message
	go func() {
		defer wg.Done()
		msgs, _, err := mgr.Poll(context.Background(), "alice", []string{"notes"}, nil, 5*time.Second, noCatchUp)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		got = msgs
	}()

	// Give Poll time to register before delivering.
	deadline := time.Now().Add(time.Second)
	for mgr.WaiterCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	mgr.Deliver("notes", message.Message{MessageID: "msg_1", Topic: "notes"})

	wg.Wait()
	if len(got) != 1 || got[0].MessageID != "msg_1" {
		t.Fatalf("expected the delivered message to wake the poll, got %+v", got)
	}
}

func TestPollTimesOutWithEmptyBuffer(t *testing.T) {
	mgr := New(nil)
	defer mgr.Close()

	start := time.Now()
	msgs, hasMore, err := mgr.Poll(context.Background(), "alice", []string{"notes"}, nil, MinTimeout, noCatchUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hasMore {
		t.Fatal("expected has_more = false on timeout")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages on timeout, got %d", len(msgs))
	}
	if time.Since(start) < MinTimeout {
		t.Fatal("expected poll to wait at least the clamped minimum timeout")
	}
}

func TestPollCancelledByContext(t *testing.T) {
	mgr := New(nil)
	defer mgr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, _, err := mgr.Poll(ctx, "alice", []string{"notes"}, nil, MaxTimeout, noCatchUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected cancellation to wake the poll well before the timeout")
	}
}

func TestClampTimeout(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                 DefaultTimeout,
		100 * time.Millisecond: MinTimeout,
		2 * time.Minute:   MaxTimeout,
		5 * time.Second:   5 * time.Second,
	}
	for in, want := range cases {
		if got := clampTimeout(in); got != want {
			t.Errorf("clampTimeout(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSweepEvictsStaleWaiters(t *testing.T) {
	fakeNow := time.Now()
	mgr := New(nil, WithClock(func() time.Time { return fakeNow }))
	defer mgr.Close()

	done := make(chan struct{})
	go func() {
		mgr.Poll(context.Background(), "alice", []string{"notes"}, nil, MaxTimeout, noCatchUp)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for mgr.WaiterCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	fakeNow = fakeNow.Add(SweepCeiling + time.Second)
	mgr.sweepOnce()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to wake the stale waiter")
	}
}
