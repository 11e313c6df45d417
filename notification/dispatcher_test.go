package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"escrowflow/logging"
)

type collectSender struct {
	mu  sync.Mutex
	got []Delivery
}

func (c *collectSender) Send(_ context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, d)
	return nil
}

func (c *collectSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func runDispatcher(t *testing.T, d *AsyncDispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatchFansOutToChannelsAndRecipients(t *testing.T) {
	senders := map[Channel]*collectSender{
		ChannelEmail: {}, ChannelSMS: {}, ChannelPush: {}, ChannelWebsocket: {},
	}
	wired := make(map[Channel]Sender, len(senders))
	for ch, s := range senders {
		wired[ch] = s
	}
	d := NewAsyncDispatcher(wired, DispatchOptions{Workers: 2, QueueSize: 32, Logger: logging.Discard()})
	runDispatcher(t, d)

	d.Dispatch(Notification{ID: "CRIT-1", Type: TypeFundsReleased, Recipients: []string{"buyer", "seller"}})
	d.Dispatch(Notification{ID: "CRIT-2", Type: TypePaymentProcessed, Recipients: []string{"buyer"}})

	require.Eventually(t, func() bool {
		return senders[ChannelEmail].count() == 3 &&
			senders[ChannelSMS].count() == 2 &&
			senders[ChannelPush].count() == 3 &&
			senders[ChannelWebsocket].count() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchRetriesWithBackoff(t *testing.T) {
	var calls atomic.Int32
	flaky := SenderFunc(func(context.Context, Delivery) error {
		if calls.Add(1) < 3 {
			return errors.New("provider unavailable")
		}
		return nil
	})
	d := NewAsyncDispatcher(map[Channel]Sender{ChannelEmail: flaky}, DispatchOptions{
		MaxAttempts:    5,
		InitialBackoff: time.Millisecond,
		Logger:         logging.Discard(),
	})
	runDispatcher(t, d)

	d.Dispatch(Notification{ID: "CRIT-1", Type: TypePaymentProcessed, Recipients: []string{"buyer"}})
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	failing := SenderFunc(func(context.Context, Delivery) error {
		calls.Add(1)
		return errors.New("down")
	})
	d := NewAsyncDispatcher(map[Channel]Sender{ChannelEmail: failing}, DispatchOptions{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Logger:         logging.Discard(),
	})
	runDispatcher(t, d)

	d.Dispatch(Notification{ID: "CRIT-1", Type: TypePaymentProcessed, Recipients: []string{"buyer"}})
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	sender := &collectSender{}
	d := NewAsyncDispatcher(map[Channel]Sender{ChannelEmail: sender}, DispatchOptions{QueueSize: 1, Logger: logging.Discard()})

	done := make(chan struct{})
	go func() {
		d.Dispatch(Notification{ID: "CRIT-1", Type: TypePaymentProcessed, Recipients: []string{"a", "b", "c"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch blocked on a full queue")
	}
	require.Len(t, d.queue, 1)
}
