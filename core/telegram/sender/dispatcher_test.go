package sender

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m3rciful/savebot/core/logger"
)

func TestEnqueueSameChatPreservesOrder(t *testing.T) {
	d := NewDispatcher(Options{Workers: 4, QueueSize: 32})
	defer d.Close()

	ctx := logger.WithUpdateMeta(context.Background(), 0, 777, 777)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 8; i++ {
		i := i
		err := d.Enqueue(ctx, "send_message", "chat", func() error {
			// An early slow job must still land before later ones.
			if i == 0 {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	d.Close()

	if len(got) != 8 {
		t.Fatalf("ran %d jobs, want 8", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want ascending", got)
		}
	}
}

func TestEnqueueWithoutChatSpreadsAndRunsAll(t *testing.T) {
	d := NewDispatcher(Options{Workers: 4, QueueSize: 32})

	var (
		mu  sync.Mutex
		n   int
		ctx = context.Background()
	)
	for i := 0; i < 12; i++ {
		err := d.Enqueue(ctx, "send_message", "chat", func() error {
			mu.Lock()
			n++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if n != 12 {
		t.Fatalf("ran %d jobs, want 12", n)
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	d := NewDispatcher(Options{Workers: 2, QueueSize: 4})
	d.Close()

	err := d.Enqueue(context.Background(), "send_message", "chat", func() error { return nil })
	if err != ErrQueueClosed {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}
